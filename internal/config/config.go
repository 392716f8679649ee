package config

import (
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	BaseDomain         string        `mapstructure:"BASE_DOMAIN"`
	ReservedSubdomains []string      `mapstructure:"RESERVED_SUBDOMAINS"`
	TenantCacheTTL     time.Duration `mapstructure:"TENANT_CACHE_TTL"`

	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthPublicKey  string        `mapstructure:"AUTH_PUBLIC_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthTokenTTL   time.Duration `mapstructure:"AUTH_TOKEN_TTL"`
	BcryptCost     int           `mapstructure:"BCRYPT_COST"`

	PHIEncryptionKey   string        `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHIRetiredKeys     []string      `mapstructure:"PHI_ENCRYPTION_KEYS_RETIRED"`
	PHIBlindIndexKey   string        `mapstructure:"PHI_BLIND_INDEX_KEY"`
	AuditQueueSize     int           `mapstructure:"AUDIT_QUEUE_SIZE"`
	LockoutMaxAttempts int           `mapstructure:"LOCKOUT_MAX_ATTEMPTS"`
	LockoutDuration    time.Duration `mapstructure:"LOCKOUT_DURATION"`
	PasswordResetURL   string        `mapstructure:"PASSWORD_RESET_URL"`

	// EmailSender is "log" or "smtp".
	EmailSender  string `mapstructure:"EMAIL_SENDER"`
	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUser     string `mapstructure:"SMTP_USER"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	AIReviewURL     string        `mapstructure:"AI_REVIEW_URL"`
	AIReviewTimeout time.Duration `mapstructure:"AI_REVIEW_TIMEOUT"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"BASE_DOMAIN", "RESERVED_SUBDOMAINS", "TENANT_CACHE_TTL",
	"AUTH_SIGNING_KEY", "AUTH_PUBLIC_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_TOKEN_TTL", "BCRYPT_COST",
	"PHI_ENCRYPTION_KEY", "PHI_ENCRYPTION_KEYS_RETIRED", "PHI_BLIND_INDEX_KEY",
	"AUDIT_QUEUE_SIZE", "LOCKOUT_MAX_ATTEMPTS", "LOCKOUT_DURATION", "PASSWORD_RESET_URL",
	"EMAIL_SENDER", "SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASSWORD", "SMTP_FROM",
	"AI_REVIEW_URL", "AI_REVIEW_TIMEOUT",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BASE_DOMAIN", "localhost")
	v.SetDefault("TENANT_CACHE_TTL", "30s")
	v.SetDefault("AUTH_ISSUER", "planflow")
	v.SetDefault("AUTH_AUDIENCE", "planflow-api")
	v.SetDefault("AUTH_TOKEN_TTL", "8h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("AUDIT_QUEUE_SIZE", 1024)
	v.SetDefault("LOCKOUT_MAX_ATTEMPTS", 5)
	v.SetDefault("LOCKOUT_DURATION", "15m")
	v.SetDefault("PASSWORD_RESET_URL", "http://localhost:3000/reset-password")
	v.SetDefault("EMAIL_SENDER", EmailSenderLog)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("AI_REVIEW_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 1)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "2M")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Lists arrive from the environment as comma-separated strings.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.ReservedSubdomains = splitList(v.GetString("RESERVED_SUBDOMAINS"))
	cfg.PHIRetiredKeys = splitList(v.GetString("PHI_ENCRYPTION_KEYS_RETIRED"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const (
	EmailSenderLog  = "log"
	EmailSenderSMTP = "smtp"
)

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. PHI keys are always
// required; there is no mode in which patient data is stored in the clear.
func (c *Config) Validate() error {
	if err := checkHexKey("PHI_ENCRYPTION_KEY", c.PHIEncryptionKey); err != nil {
		return err
	}
	for _, k := range c.PHIRetiredKeys {
		if err := checkHexKey("PHI_ENCRYPTION_KEYS_RETIRED", k); err != nil {
			return err
		}
	}
	if err := checkHexKey("PHI_BLIND_INDEX_KEY", c.PHIBlindIndexKey); err != nil {
		return err
	}
	if c.PHIBlindIndexKey == c.PHIEncryptionKey {
		return fmt.Errorf("PHI_BLIND_INDEX_KEY must differ from PHI_ENCRYPTION_KEY")
	}

	if c.AuthSigningKey == "" && c.AuthPublicKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_PUBLIC_KEY must be set")
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters in production")
	}
	if c.AuthPublicKey != "" {
		if _, err := c.RSAPublicKey(); err != nil {
			return err
		}
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("AUTH_TOKEN_TTL must be positive")
	}
	if c.LockoutMaxAttempts <= 0 || c.LockoutDuration <= 0 {
		return fmt.Errorf("LOCKOUT_MAX_ATTEMPTS and LOCKOUT_DURATION must be positive")
	}
	if c.AuditQueueSize <= 0 {
		return fmt.Errorf("AUDIT_QUEUE_SIZE must be positive")
	}
	if c.BaseDomain == "" {
		return fmt.Errorf("BASE_DOMAIN is required")
	}
	if c.IsProduction() && !strings.HasPrefix(c.PasswordResetURL, "https://") {
		return fmt.Errorf("PASSWORD_RESET_URL must use https in production")
	}

	switch c.EmailSender {
	case EmailSenderLog:
	case EmailSenderSMTP:
		if c.SMTPHost == "" || c.SMTPFrom == "" {
			return fmt.Errorf("SMTP_HOST and SMTP_FROM are required when EMAIL_SENDER is smtp")
		}
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			return fmt.Errorf("SMTP_PORT must be a valid port, got %d", c.SMTPPort)
		}
	default:
		return fmt.Errorf("EMAIL_SENDER must be %q or %q, got %q", EmailSenderLog, EmailSenderSMTP, c.EmailSender)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}

func checkHexKey(name, key string) error {
	if key == "" {
		return fmt.Errorf("%s is required", name)
	}
	b, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(b) != 32 {
		return fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(b))
	}
	return nil
}

// RSAPublicKey parses AUTH_PUBLIC_KEY, which holds either a PEM block or the
// path of a PEM file. It returns nil when the key is unset.
func (c *Config) RSAPublicKey() (*rsa.PublicKey, error) {
	if c.AuthPublicKey == "" {
		return nil, nil
	}
	data := []byte(c.AuthPublicKey)
	if !strings.Contains(c.AuthPublicKey, "-----BEGIN") {
		b, err := os.ReadFile(c.AuthPublicKey)
		if err != nil {
			return nil, fmt.Errorf("read AUTH_PUBLIC_KEY: %w", err)
		}
		data = b
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse AUTH_PUBLIC_KEY: %w", err)
	}
	return key, nil
}
