// Package vault stores provider credentials encrypted at rest in a bbolt file.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/elabx-org/cloudmux/internal/domain"
)

var (
	credentialsBucket = []byte("credentials")
	metaBucket        = []byte("meta")

	saltKey   = []byte("salt")
	canaryKey = []byte("canary")
)

const canaryPlaintext = "cloudmux-vault"

// KeySource selects how the master key is obtained. Key takes precedence
// over Passphrase.
type KeySource struct {
	Key        []byte
	Passphrase string
}

// Entry is the sealed envelope stored per provider instance.
type Entry struct {
	Version    int               `json:"version"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Credential domain.Credential `json:"credential"`
}

// Vault maps provider instance ids to credentials. The key is fixed at Open.
type Vault struct {
	db  *bolt.DB
	key []byte
	now func() time.Time
}

// Open opens (or creates) the vault file at path. A key that does not match
// the one the file was created with fails with domain.ErrDecryptionFailed.
func Open(path string, src KeySource) (*Vault, error) {
	if len(src.Key) == 0 && src.Passphrase == "" {
		return nil, errors.New("vault: no key or passphrase configured")
	}
	if len(src.Key) != 0 && len(src.Key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes", keySize)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	v := &Vault{db: db, now: time.Now}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(credentialsBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		v.key = src.Key
		if len(v.key) == 0 {
			salt := meta.Get(saltKey)
			if salt == nil {
				if salt, err = newSalt(); err != nil {
					return err
				}
				if err := meta.Put(saltKey, salt); err != nil {
					return err
				}
			}
			v.key = deriveKey(src.Passphrase, salt)
		}

		canary := meta.Get(canaryKey)
		if canary == nil {
			sealed, err := seal(v.key, []byte(canaryPlaintext), canaryKey)
			if err != nil {
				return err
			}
			return meta.Put(canaryKey, sealed)
		}
		if pt, err := open(v.key, canary, canaryKey); err != nil || string(pt) != canaryPlaintext {
			return fmt.Errorf("vault: master key does not match %s: %w", path, domain.ErrDecryptionFailed)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return v, nil
}

func (v *Vault) Close() error { return v.db.Close() }

// Put stores cred under id, replacing any previous value and resetting its
// version to 1.
func (v *Vault) Put(ctx context.Context, id string, cred domain.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return v.write(tx, id, &Entry{Version: 1, UpdatedAt: v.now().UTC(), Credential: cred})
	})
}

// Get returns the credential for id.
func (v *Vault) Get(ctx context.Context, id string) (domain.Credential, error) {
	e, err := v.Load(ctx, id)
	if err != nil {
		return domain.Credential{}, err
	}
	return e.Credential, nil
}

// Load returns the full envelope for id.
func (v *Vault) Load(ctx context.Context, id string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e *Entry
	err := v.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = v.read(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Rotate replaces the credential for id in one transaction and bumps the
// version. Readers see either the old or the new credential.
func (v *Vault) Rotate(ctx context.Context, id string, cred domain.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		prev, err := v.read(tx, id)
		if err != nil {
			return err
		}
		return v.write(tx, id, &Entry{Version: prev.Version + 1, UpdatedAt: v.now().UTC(), Credential: cred})
	})
}

// Delete removes the credential for id. Deleting a missing id is not an error.
func (v *Vault) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete([]byte(id))
	})
}

func (v *Vault) read(tx *bolt.Tx, id string) (*Entry, error) {
	raw := tx.Bucket(credentialsBucket).Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("vault: %s: %w", id, domain.ErrCredentialNotFound)
	}
	plain, err := open(v.key, raw, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("vault: %s: %w", id, domain.ErrDecryptionFailed)
	}
	var e Entry
	if err := json.Unmarshal(plain, &e); err != nil {
		return nil, fmt.Errorf("vault: %s: malformed envelope: %w", id, domain.ErrDecryptionFailed)
	}
	return &e, nil
}

func (v *Vault) write(tx *bolt.Tx, id string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	sealed, err := seal(v.key, data, []byte(id))
	if err != nil {
		return err
	}
	return tx.Bucket(credentialsBucket).Put([]byte(id), sealed)
}
