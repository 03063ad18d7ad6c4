package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/chatforge/wa-gateway/internal/domain"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig holds the Redis connection used for OAuth state tokens
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WebhookConfig holds webhook verification secrets
type WebhookConfig struct {
	// VerifyToken is compared against hub.verify_token on the handshake
	VerifyToken string `mapstructure:"verify_token"`
	// AppSecret is the HMAC-SHA256 key for event delivery signatures
	AppSecret string `mapstructure:"app_secret"`
}

// OAuthConfig holds the upstream OAuth application credentials
type OAuthConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURI  string        `mapstructure:"redirect_uri"`
	AuthorizeURL string        `mapstructure:"authorize_url"`
	Scopes       string        `mapstructure:"scopes"`
	StateTTL     time.Duration `mapstructure:"state_ttl"`
}

// UpstreamConfig holds the messaging platform API settings
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// VaultConfig holds credential encryption settings.
// Keys maps a key version tag to a hex-encoded 32-byte AES key; ActiveKey
// names the version used for new records so old records survive rotation.
type VaultConfig struct {
	Keys      map[string]string `mapstructure:"keys"`
	ActiveKey string            `mapstructure:"active_key"`
}

// QuotaConfig holds quota window policy
type QuotaConfig struct {
	WindowMode   domain.WindowMode `mapstructure:"window_mode"`
	WindowLength time.Duration     `mapstructure:"window_length"` // rolling mode only
	DefaultLimit int64             `mapstructure:"default_limit"`
}

// RateLimitConfig holds outbound send pacing settings
type RateLimitConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	SendsPerSecond          int           `mapstructure:"sends_per_second"`
	Burst                   int           `mapstructure:"burst"`
	MaxWait                 time.Duration `mapstructure:"max_wait"`
	EnableLocalFallback     bool          `mapstructure:"enable_local_fallback"`
	LocalFallbackMultiplier float64       `mapstructure:"local_fallback_multiplier"`
}

// WorkerConfig holds the webhook routing pool configuration
type WorkerConfig struct {
	PoolSize  int `mapstructure:"pool_size"`
	QueueSize int `mapstructure:"queue_size"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	JWTPublicKey string   `mapstructure:"jwt_public_key"`
	APIKeys      []string `mapstructure:"api_keys"`
}

// ReplyConfig holds the external reply generator endpoint
type ReplyConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GatewayConfig holds configuration for the gateway binary
type GatewayConfig struct {
	BaseConfig `mapstructure:",squash"`
	Server     ServerConfig    `mapstructure:"server"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Webhook    WebhookConfig   `mapstructure:"webhook"`
	OAuth      OAuthConfig     `mapstructure:"oauth"`
	Upstream   UpstreamConfig  `mapstructure:"upstream"`
	Vault      VaultConfig     `mapstructure:"vault"`
	Quota      QuotaConfig     `mapstructure:"quota"`
	RateLimit  RateLimitConfig `mapstructure:"ratelimit"`
	Worker     WorkerConfig    `mapstructure:"worker"`
	Auth       AuthConfig      `mapstructure:"auth"`
	Reply      ReplyConfig     `mapstructure:"reply"`
}

// LoadGatewayConfig loads configuration for the gateway binary
func LoadGatewayConfig(configFile string, envPath string) (*GatewayConfig, error) {
	v := configureViper("gateway", configFile, envPath)

	// Set defaults
	v.SetDefault("debug", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("oauth.authorize_url", "https://www.facebook.com/v18.0/dialog/oauth")
	v.SetDefault("oauth.scopes", "whatsapp_business_messaging,whatsapp_business_management")
	v.SetDefault("oauth.state_ttl", "10m")
	v.SetDefault("upstream.base_url", "https://graph.facebook.com/v18.0")
	v.SetDefault("upstream.timeout", "15s")
	v.SetDefault("quota.window_mode", string(domain.WindowModeCalendarMonth))
	v.SetDefault("quota.window_length", 30*24*time.Hour)
	v.SetDefault("quota.default_limit", 1000)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.sends_per_second", 80)
	v.SetDefault("ratelimit.max_wait", "10s")
	v.SetDefault("ratelimit.enable_local_fallback", true)
	v.SetDefault("ratelimit.local_fallback_multiplier", 0.5)
	v.SetDefault("worker.pool_size", 20)
	v.SetDefault("worker.queue_size", 2048)
	v.SetDefault("reply.timeout", "20s")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, use environment variables
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// vault.keys is a map; the env form is a comma-separated version:hexkey
	// list (WA_GATEWAY_VAULT_KEYS=v1:<hex>,v2:<hex>)
	if raw := v.GetString("vault.keys"); raw != "" {
		keys, err := parseVaultKeys(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse vault.keys: %w", err)
		}
		v.Set("vault.keys", keys)
	}

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that required secrets are present
func (c *GatewayConfig) Validate() error {
	if c.Webhook.VerifyToken == "" {
		return errors.New("webhook.verify_token is required")
	}
	if c.Webhook.AppSecret == "" {
		return errors.New("webhook.app_secret is required")
	}
	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		return errors.New("oauth.client_id and oauth.client_secret are required")
	}
	if len(c.Vault.Keys) == 0 || c.Vault.ActiveKey == "" {
		return errors.New("vault.keys and vault.active_key are required")
	}
	if _, ok := c.Vault.Keys[c.Vault.ActiveKey]; !ok {
		return fmt.Errorf("vault.active_key %q has no key material", c.Vault.ActiveKey)
	}
	switch c.Quota.WindowMode {
	case domain.WindowModeCalendarMonth, domain.WindowModeRolling:
	default:
		return fmt.Errorf("unknown quota.window_mode %q", c.Quota.WindowMode)
	}
	return nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath, service)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("WA_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables.
// Required for viper to map env vars to config struct fields when no config file exists.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		// Database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		// Webhook
		"webhook.verify_token",
		"webhook.app_secret",
		// OAuth
		"oauth.client_id",
		"oauth.client_secret",
		"oauth.redirect_uri",
		"oauth.authorize_url",
		"oauth.scopes",
		"oauth.state_ttl",
		// Upstream
		"upstream.base_url",
		"upstream.timeout",
		// Vault
		"vault.keys",
		"vault.active_key",
		// Quota
		"quota.window_mode",
		"quota.window_length",
		"quota.default_limit",
		// Rate limit
		"ratelimit.enabled",
		"ratelimit.sends_per_second",
		"ratelimit.burst",
		"ratelimit.max_wait",
		"ratelimit.enable_local_fallback",
		"ratelimit.local_fallback_multiplier",
		// Worker
		"worker.pool_size",
		"worker.queue_size",
		// Auth
		"auth.jwt_public_key",
		"auth.api_keys",
		// Reply generator
		"reply.url",
		"reply.timeout",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// parseVaultKeys parses the delimited environment form of the vault key map
func parseVaultKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		version, material, ok := strings.Cut(entry, ":")
		if !ok || version == "" || material == "" {
			return nil, fmt.Errorf("malformed vault key entry %q, want version:hexkey", entry)
		}
		keys[version] = material
	}
	if len(keys) == 0 {
		return nil, errors.New("no vault key entries")
	}
	return keys, nil
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
