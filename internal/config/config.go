package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "NOTEVAULT"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabaseDSN     = "notevault.db"
	defaultLogLevel        = "info"
	defaultTokenIssuer     = "notevault-auth"
	defaultTokenAudience   = "notevault-api"
	defaultTokenTTLMinutes = 60
	defaultIdPProvider     = "clerk"
	defaultStorageBackend  = "disk"
	defaultStorageRoot     = "uploads"
	defaultMaxNoteBytes    = 10 * 1024 * 1024
	defaultMaxAvatarBytes  = 2 * 1024 * 1024
	defaultReadTimeout     = 30
	defaultWriteTimeout    = 60
	defaultLimiterFailures = 5
	defaultLimiterWindow   = 900
	defaultLimiterBlock    = 900
)

// MinioConfig describes the object storage bucket used when storage.backend is "minio".
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// LimiterConfig controls the login lockout. An empty RedisAddress disables it.
type LimiterConfig struct {
	RedisAddress string
	MaxFailures  int
	Window       time.Duration
	BlockFor     time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	DatabaseDriver   string
	DatabaseDSN      string
	LogLevel         string
	SigningSecret    string
	TokenIssuer      string
	TokenAudience    string
	TokenTTL         time.Duration
	IdPProvider      string
	IdPJWKSURL       string
	IdPAudience      string
	IdPIssuers       []string
	StorageBackend   string
	StorageRoot      string
	Minio            MinioConfig
	MaxNoteBytes     int64
	MaxAvatarBytes   int64
	AllowedOrigins   []string
	Limiter          LimiterConfig
}

// IdPEnabled reports whether external identity provider tokens are accepted.
func (c AppConfig) IdPEnabled() bool {
	return strings.TrimSpace(c.IdPJWKSURL) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.read_timeout_seconds", defaultReadTimeout)
	configViper.SetDefault("http.write_timeout_seconds", defaultWriteTimeout)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("idp.provider", defaultIdPProvider)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.root", defaultStorageRoot)
	configViper.SetDefault("upload.max_note_bytes", defaultMaxNoteBytes)
	configViper.SetDefault("upload.max_avatar_bytes", defaultMaxAvatarBytes)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("limiter.max_failures", defaultLimiterFailures)
	configViper.SetDefault("limiter.window_seconds", defaultLimiterWindow)
	configViper.SetDefault("limiter.block_seconds", defaultLimiterBlock)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		HTTPReadTimeout:  time.Duration(configViper.GetInt("http.read_timeout_seconds")) * time.Second,
		HTTPWriteTimeout: time.Duration(configViper.GetInt("http.write_timeout_seconds")) * time.Second,
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenIssuer:      strings.TrimSpace(configViper.GetString("auth.issuer")),
		TokenAudience:    strings.TrimSpace(configViper.GetString("auth.audience")),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		IdPProvider:      strings.TrimSpace(configViper.GetString("idp.provider")),
		IdPJWKSURL:       strings.TrimSpace(configViper.GetString("idp.jwks_url")),
		IdPAudience:      strings.TrimSpace(configViper.GetString("idp.audience")),
		IdPIssuers:       splitList(configViper.GetStringSlice("idp.issuers")),
		StorageBackend:   strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
		StorageRoot:      configViper.GetString("storage.root"),
		Minio: MinioConfig{
			Endpoint:  configViper.GetString("storage.minio.endpoint"),
			AccessKey: configViper.GetString("storage.minio.access_key"),
			SecretKey: configViper.GetString("storage.minio.secret_key"),
			Bucket:    configViper.GetString("storage.minio.bucket"),
			UseSSL:    configViper.GetBool("storage.minio.use_ssl"),
		},
		MaxNoteBytes:   configViper.GetInt64("upload.max_note_bytes"),
		MaxAvatarBytes: configViper.GetInt64("upload.max_avatar_bytes"),
		AllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
		Limiter: LimiterConfig{
			RedisAddress: strings.TrimSpace(configViper.GetString("limiter.redis_address")),
			MaxFailures:  configViper.GetInt("limiter.max_failures"),
			Window:       time.Duration(configViper.GetInt("limiter.window_seconds")) * time.Second,
			BlockFor:     time.Duration(configViper.GetInt("limiter.block_seconds")) * time.Second,
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}
	if c.TokenIssuer == "" || c.TokenAudience == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.IdPEnabled() && (c.IdPAudience == "" || len(c.IdPIssuers) == 0) {
		return fmt.Errorf("idp.audience and idp.issuers are required when idp.jwks_url is set")
	}
	switch c.StorageBackend {
	case "disk":
		if strings.TrimSpace(c.StorageRoot) == "" {
			return fmt.Errorf("storage.root is required for the disk backend")
		}
	case "minio":
		if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
			return fmt.Errorf("storage.minio.endpoint and storage.minio.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("storage.backend must be disk or minio, got %q", c.StorageBackend)
	}
	if c.MaxNoteBytes <= 0 || c.MaxAvatarBytes <= 0 {
		return fmt.Errorf("upload size limits must be positive")
	}
	return nil
}

// splitList flattens comma separated entries that arrive as a single env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
