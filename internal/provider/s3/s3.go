// Package s3 stores uploads in an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
)

// Instance settings.
const (
	SettingBucket   = "bucket"
	SettingRegion   = "region"
	SettingEndpoint = "endpoint"
	SettingPrefix   = "prefix"
)

// Descriptor registers the S3 provider. client may be nil.
func Descriptor(client *http.Client) provider.Descriptor {
	base := &baseConfig{client: client}
	return provider.Descriptor{
		Type: domain.ProviderS3,
		Strategy: auth.NewAPIKey(func(ctx context.Context, cred domain.Credential, settings map[string]string) (domain.UserInfo, error) {
			a, err := newAdapter(base, settings, cred)
			if err != nil {
				return domain.UserInfo{}, fmt.Errorf("%w: %w", domain.ErrInvalidCredentials, err)
			}
			if err := a.headBucket(ctx); err != nil {
				return domain.UserInfo{}, err
			}
			return domain.UserInfo{ID: cred.APIKey.Key, Name: a.bucket}, nil
		}),
		New: func(inst *domain.ProviderInstance, cred domain.Credential) (provider.Adapter, error) {
			return newAdapter(base, inst.Settings, cred)
		},
	}
}

var loadDefaultConfig = config.LoadDefaultConfig

// baseConfig is the shared AWS configuration, loaded on first use. Each
// adapter overrides region, credentials and endpoint on its own client.
type baseConfig struct {
	client *http.Client
	once   sync.Once
	cfg    aws.Config
	err    error
}

func (b *baseConfig) load() (aws.Config, error) {
	b.once.Do(func() {
		var opts []func(*config.LoadOptions) error
		if b.client != nil {
			opts = append(opts, config.WithHTTPClient(b.client))
		}
		b.cfg, b.err = loadDefaultConfig(context.Background(), opts...)
		if b.err != nil {
			b.err = fmt.Errorf("load aws config: %w", b.err)
		}
	})
	return b.cfg, b.err
}

// Adapter puts objects into one bucket.
type Adapter struct {
	client   *s3.Client
	bucket   string
	prefix   string
	metadata map[string]string
}

var (
	_ provider.Adapter         = (*Adapter)(nil)
	_ provider.MetadataCapable = (*Adapter)(nil)
)

func newAdapter(base *baseConfig, settings map[string]string, cred domain.Credential) (*Adapter, error) {
	if cred.APIKey == nil || cred.APIKey.Secret == "" {
		return nil, errors.New("s3: access key id and secret are required")
	}
	bucket := settings[SettingBucket]
	if bucket == "" {
		return nil, fmt.Errorf("s3: %q setting is required", SettingBucket)
	}
	region := settings[SettingRegion]
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := base.load()
	if err != nil {
		return nil, err
	}
	endpoint := settings[SettingEndpoint]
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Region = region
		o.Credentials = credentials.NewStaticCredentialsProvider(cred.APIKey.Key, cred.APIKey.Secret, "")
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Adapter{client: client, bucket: bucket, prefix: strings.Trim(settings[SettingPrefix], "/")}, nil
}

func (a *Adapter) Type() domain.ProviderType { return domain.ProviderS3 }

func (a *Adapter) SetMetadata(md map[string]string) { a.metadata = maps.Clone(md) }

func (a *Adapter) headBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	return classify("head bucket", err)
}

// key builds the object key: prefix/folder/name.
func (a *Adapter) key(folder, name string) (string, error) {
	segs, err := provider.SplitFolderPath(folder)
	if err != nil {
		return "", err
	}
	parts := append([]string{a.prefix}, segs...)
	return strings.TrimPrefix(path.Join(append(parts, name)...), "/"), nil
}

func (a *Adapter) Upload(ctx context.Context, target provider.UploadTarget, file domain.FileInfo, r io.ReaderAt) (domain.RemoteObject, error) {
	key, err := a.key(target.FolderPath, file.Name)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          io.NewSectionReader(r, 0, file.Size),
		ContentLength: aws.Int64(file.Size),
	}
	if file.MimeType != "" {
		in.ContentType = aws.String(file.MimeType)
	}
	if len(a.metadata) > 0 {
		in.Metadata = a.metadata
	}
	out, err := a.client.PutObject(ctx, in)
	if err != nil {
		return domain.RemoteObject{}, classify("put object", err)
	}
	return domain.RemoteObject{
		ID:   key,
		Path: "s3://" + a.bucket + "/" + key,
		Size: file.Size,
		Hash: strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

func (a *Adapter) Healthy(ctx context.Context) (bool, int64, error) {
	start := time.Now()
	err := a.headBucket(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, err
	}
	return true, latency, nil
}

// classify maps SDK failures onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsTimeout(err) {
		return fmt.Errorf("s3: %s: %w: %w", op, domain.ErrUpstreamTimeout, err)
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("s3: %s: %w: %w", op, domain.ErrInvalidCredentials, err)
		case http.StatusNotFound:
			return fmt.Errorf("s3: %s: %w: %w", op, domain.ErrNotFound, err)
		}
	}
	return fmt.Errorf("s3: %s: %w: %w", op, domain.ErrTransferFailed, err)
}
