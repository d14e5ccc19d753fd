package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/multisourcesearch/mss/internal/drives"
	"github.com/multisourcesearch/mss/internal/provider"
)

// ProviderConfig is the OAuth app registration of one provider.
type ProviderConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
}

// Config holds server configuration. Values come from defaults, then an
// optional TOML file, then environment variables.
type Config struct {
	EncryptionKey string   `toml:"encryption_key"`
	SessionSecret string   `toml:"session_secret"`
	DBPath        string   `toml:"db_path"`
	ListenAddr    string   `toml:"listen_addr"`
	BaseURL       string   `toml:"base_url"`
	FrontendURL   string   `toml:"frontend_url"`
	CORSOrigins   []string `toml:"cors_origins"`

	SessionTTL              time.Duration `toml:"session_ttl"`
	ProviderTimeout         time.Duration `toml:"provider_timeout"`
	KeepLinksOnNetworkError bool          `toml:"keep_links_on_network_error"`

	Google   ProviderConfig `toml:"google"`
	OneDrive ProviderConfig `toml:"onedrive"`
	Dropbox  ProviderConfig `toml:"dropbox"`
}

func defaultConfig() *Config {
	return &Config{
		DBPath:          "mss.db",
		ListenAddr:      ":8080",
		BaseURL:         "http://localhost:8080",
		FrontendURL:     "http://localhost:3000",
		SessionTTL:      24 * time.Hour,
		ProviderTimeout: provider.DefaultTimeout,
	}
}

// LoadConfig loads server configuration. path names an optional TOML file;
// when empty, MSS_CONFIG is used.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv("MSS_CONFIG")
	}
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.EncryptionKey, "MSS_ENCRYPTION_KEY")
	setString(&c.SessionSecret, "MSS_SESSION_SECRET")
	setString(&c.DBPath, "MSS_DB_PATH")
	setString(&c.ListenAddr, "MSS_LISTEN_ADDR")
	setString(&c.BaseURL, "MSS_BASE_URL")
	setString(&c.FrontendURL, "MSS_FRONTEND_URL")

	if v := os.Getenv("MSS_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	if err := setDuration(&c.SessionTTL, "MSS_SESSION_TTL"); err != nil {
		return err
	}
	if err := setDuration(&c.ProviderTimeout, "MSS_PROVIDER_TIMEOUT"); err != nil {
		return err
	}

	if v := strings.TrimSpace(strings.ToLower(os.Getenv("MSS_KEEP_LINKS_ON_NETWORK_ERROR"))); v != "" {
		switch v {
		case "1", "true", "yes", "on":
			c.KeepLinksOnNetworkError = true
		case "0", "false", "no", "off":
			c.KeepLinksOnNetworkError = false
		default:
			return fmt.Errorf("MSS_KEEP_LINKS_ON_NETWORK_ERROR must be one of true/false/1/0/yes/no/on/off")
		}
	}

	for prefix, p := range map[string]*ProviderConfig{
		"GOOGLE":   &c.Google,
		"ONEDRIVE": &c.OneDrive,
		"DROPBOX":  &c.Dropbox,
	} {
		setString(&p.ClientID, prefix+"_CLIENT_ID")
		setString(&p.ClientSecret, prefix+"_CLIENT_SECRET")
		setString(&p.RedirectURI, prefix+"_REDIRECT_URI")
	}
	return nil
}

func (c *Config) validate() error {
	if c.EncryptionKey == "" {
		return errors.New("MSS_ENCRYPTION_KEY is required")
	}
	if c.SessionSecret == "" {
		return errors.New("MSS_SESSION_SECRET is required")
	}
	if len(c.SessionSecret) < 16 {
		return errors.New("MSS_SESSION_SECRET must be at least 16 characters")
	}
	if c.SessionTTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("provider timeout must be positive")
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.FrontendURL = strings.TrimRight(c.FrontendURL, "/")
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// ProviderCredentials returns the OAuth credentials per provider. A missing
// redirect URI defaults to the server's own callback route.
func (c *Config) ProviderCredentials() map[provider.Name]provider.Credentials {
	out := make(map[provider.Name]provider.Credentials, len(provider.All))
	for name, p := range map[provider.Name]ProviderConfig{
		provider.Google:   c.Google,
		provider.OneDrive: c.OneDrive,
		provider.Dropbox:  c.Dropbox,
	} {
		redirect := p.RedirectURI
		if redirect == "" {
			redirect = fmt.Sprintf("%s/v1/drives/%s/callback", c.BaseURL, name)
		}
		out[name] = provider.Credentials{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  redirect,
		}
	}
	return out
}

// FailurePolicy is the drive link policy for failed refreshes.
func (c *Config) FailurePolicy() drives.FailurePolicy {
	if c.KeepLinksOnNetworkError {
		return drives.KeepOnNetworkError
	}
	return drives.DeleteOnFailure
}

// SecureCookies reports whether session cookies need the Secure flag.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}
