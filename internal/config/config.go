package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIToken string `yaml:"-"` // from CLOUDMUX_API_TOKEN env

	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		// MaxUploadMB caps the request body of one upload.
		MaxUploadMB int64 `yaml:"max_upload_mb"`
	} `yaml:"server"`

	Data struct {
		Dir string `yaml:"dir"`
	} `yaml:"data"`

	// Vault key material. Exactly one of Key (base64, 32 bytes) or
	// Passphrase is used; either may be an op:// or env: reference.
	Vault struct {
		Key        string `yaml:"key"`
		Passphrase string `yaml:"passphrase"`
		Path       string `yaml:"path"`
	} `yaml:"vault"`

	OnePassword struct {
		ServiceAccountToken string `yaml:"service_account_token"`
	} `yaml:"onepassword"`

	OAuth struct {
		RedirectURL string      `yaml:"redirect_url"`
		GoogleDrive OAuthClient `yaml:"google_drive"`
		Dropbox     OAuthClient `yaml:"dropbox"`
	} `yaml:"oauth"`

	Auth struct {
		RefreshMarginSeconds int `yaml:"refresh_margin_seconds"`
	} `yaml:"auth"`

	Providers struct {
		RootFolderName        string `yaml:"root_folder_name"`
		BootstrapOnConnect    bool   `yaml:"bootstrap_on_connect"`
		RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	} `yaml:"providers"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Audit struct {
		Enabled       bool   `yaml:"enabled"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"audit"`

	Inbox struct {
		Enabled           bool   `yaml:"enabled"`
		Path              string `yaml:"path"`
		WorkspaceID       string `yaml:"workspace_id"`
		RemoveAfterUpload bool   `yaml:"remove_after_upload"`
		Retries           int    `yaml:"retries"`
	} `yaml:"inbox"`
}

// OAuthClient is an application registered with an OAuth provider. Secrets
// may be op:// or env: references.
type OAuthClient struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

func (c OAuthClient) Configured() bool { return c.ClientID != "" }

func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8780
	cfg.Server.MaxUploadMB = 10240
	cfg.Data.Dir = "/data"
	cfg.OAuth.RedirectURL = "http://localhost:8780/v1/oauth/callback"
	cfg.Auth.RefreshMarginSeconds = 300
	cfg.Providers.RootFolderName = "cloudmux"
	cfg.Providers.RequestTimeoutSeconds = 300
	cfg.Audit.RetentionDays = 30
	cfg.Inbox.Retries = 3

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Env overrides
	if v := os.Getenv("CLOUDMUX_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("CLOUDMUX_DATA_DIR"); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv("CLOUDMUX_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CLOUDMUX_VAULT_KEY"); v != "" {
		cfg.Vault.Key = v
	}
	if v := os.Getenv("CLOUDMUX_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("OP_SERVICE_ACCOUNT_TOKEN"); v != "" {
		cfg.OnePassword.ServiceAccountToken = v
	}
	if v := os.Getenv("CLOUDMUX_OAUTH_REDIRECT_URL"); v != "" {
		cfg.OAuth.RedirectURL = v
	}
	if v := os.Getenv("CLOUDMUX_GDRIVE_CLIENT_ID"); v != "" {
		cfg.OAuth.GoogleDrive.ClientID = v
	}
	if v := os.Getenv("CLOUDMUX_GDRIVE_CLIENT_SECRET"); v != "" {
		cfg.OAuth.GoogleDrive.ClientSecret = v
	}
	if v := os.Getenv("CLOUDMUX_DROPBOX_CLIENT_ID"); v != "" {
		cfg.OAuth.Dropbox.ClientID = v
	}
	if v := os.Getenv("CLOUDMUX_DROPBOX_CLIENT_SECRET"); v != "" {
		cfg.OAuth.Dropbox.ClientSecret = v
	}
	if v := os.Getenv("CLOUDMUX_INBOX_PATH"); v != "" {
		cfg.Inbox.Path = v
		cfg.Inbox.Enabled = true
	}

	// Paths default to the data directory.
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = filepath.Join(cfg.Data.Dir, "vault.db")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Data.Dir, "cloudmux.db")
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = filepath.Join(cfg.Data.Dir, "audit.log")
	}

	return cfg, nil
}
