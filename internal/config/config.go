package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	OAuth struct {
		ClientID     string
		ClientSecret string
		IssuerURL    string
		RedirectPath string
		// RedirectURL overrides BaseURL+RedirectPath when the upstream web
		// layer proxies the callback from a different origin.
		RedirectURL string
		RevokeURL   string
		// PostConnectURL is where the browser lands after a successful connect.
		PostConnectURL string
	}

	API struct {
		Token string
	}

	Secrets struct {
		CredentialKey []byte
		WebhookSecret string
		StateSecret   string
	}

	SMTP struct {
		Host     string
		Port     int
		Username string
		Password string
		From     string
	}

	Sync struct {
		PollSchedule    string
		Horizon         time.Duration
		Timeout         time.Duration
		SinkConcurrency int
	}

	Log struct {
		Level  string
		Format string
	}

	RedisAddr         string
	PrometheusEnabled bool
	TrustedProxies    []string

	Scopes ScopeGroups
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = strings.TrimRight(getenvDefault("APP_BASE_URL", "http://localhost:8080"), "/")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.OAuth.ClientID = os.Getenv("APP_OAUTH_CLIENT_ID")
	cfg.OAuth.ClientSecret = os.Getenv("APP_OAUTH_CLIENT_SECRET")
	cfg.OAuth.IssuerURL = getenvDefault("APP_OAUTH_ISSUER_URL", "https://accounts.google.com")
	cfg.OAuth.RedirectPath = getenvDefault("APP_OAUTH_REDIRECT_PATH", "/oauth/callback")
	cfg.OAuth.RedirectURL = os.Getenv("APP_OAUTH_REDIRECT_URL")
	cfg.OAuth.RevokeURL = getenvDefault("APP_OAUTH_REVOKE_URL", "https://oauth2.googleapis.com/revoke")
	cfg.OAuth.PostConnectURL = os.Getenv("APP_OAUTH_POST_CONNECT_URL")

	cfg.API.Token = os.Getenv("APP_API_TOKEN")
	cfg.Secrets.WebhookSecret = os.Getenv("APP_WEBHOOK_SECRET")
	cfg.Secrets.StateSecret = os.Getenv("APP_STATE_SECRET")

	cfg.SMTP.Host = os.Getenv("APP_SMTP_HOST")
	cfg.SMTP.Port = getenvInt("APP_SMTP_PORT", 587)
	cfg.SMTP.Username = os.Getenv("APP_SMTP_USER")
	cfg.SMTP.Password = os.Getenv("APP_SMTP_PASSWORD")
	cfg.SMTP.From = os.Getenv("APP_SMTP_FROM")

	cfg.Sync.PollSchedule = getenvDefault("APP_POLL_SCHEDULE", "@every 15m")
	cfg.Sync.Horizon = getenvDuration("APP_SYNC_HORIZON", 365*24*time.Hour)
	cfg.Sync.Timeout = getenvDuration("APP_SYNC_TIMEOUT", 2*time.Minute)
	cfg.Sync.SinkConcurrency = getenvInt("APP_SINK_CONCURRENCY", 4)

	cfg.Log.Level = getenvDefault("APP_LOG_LEVEL", "info")
	cfg.Log.Format = getenvDefault("APP_LOG_FORMAT", "text")

	cfg.RedisAddr = os.Getenv("APP_REDIS_ADDR")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
		return nil, fmt.Errorf("oauth configuration is required: client id and secret")
	}
	if cfg.API.Token == "" {
		return nil, errors.New("APP_API_TOKEN is required")
	}

	key, err := decodeKey(os.Getenv("APP_CREDENTIAL_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.Secrets.CredentialKey = key

	if len(cfg.Secrets.StateSecret) < 32 {
		return nil, fmt.Errorf("APP_STATE_SECRET must be at least 32 characters long (got %d)", len(cfg.Secrets.StateSecret))
	}
	if cfg.Sync.Horizon <= 0 {
		return nil, errors.New("APP_SYNC_HORIZON must be positive")
	}
	if cfg.Sync.SinkConcurrency < 1 {
		cfg.Sync.SinkConcurrency = 1
	}

	scopes, err := LoadScopeGroups()
	if err != nil {
		return nil, err
	}
	cfg.Scopes = scopes

	if cfg.Secrets.WebhookSecret == "" {
		fmt.Println("WARNING: No APP_WEBHOOK_SECRET configured. Webhook channel tokens will not be verified.")
	}
	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. calsync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

// WebhookAddress is the public callback URL handed to the provider on watch.
func (c *Config) WebhookAddress() string {
	return c.BaseURL + "/webhooks/calendar"
}

// RedirectURL is the OAuth redirect URI registered with the provider.
func (c *Config) RedirectURL() string {
	if c.OAuth.RedirectURL != "" {
		return c.OAuth.RedirectURL
	}
	return c.BaseURL + c.OAuth.RedirectPath
}

func decodeKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("APP_CREDENTIAL_KEY is required (base64, 32 bytes)")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("APP_CREDENTIAL_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("APP_CREDENTIAL_KEY must decode to 32 bytes (got %d)", len(key))
	}
	return key, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
