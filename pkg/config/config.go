// Package config loads the license server configuration from a YAML file,
// environment overrides and built-in defaults, in increasing precedence:
// defaults, file, environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-license/pkg/auth"
)

// EnvPrefix prefixes every environment override, e.g. LICENSE_SERVER_ADDR.
const EnvPrefix = "LICENSE"

// Config represents the complete server configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Policy     PolicyConfig     `yaml:"policy" envconfig:"POLICY"`
	Keys       KeysConfig       `yaml:"keys" envconfig:"KEYS"`
	Auth       AuthConfig       `yaml:"auth" envconfig:"AUTH"`
	Store      StoreConfig      `yaml:"store" envconfig:"STORE"`
	Revocation RevocationConfig `yaml:"revocation" envconfig:"REVOCATION"`
	Archive    ArchiveConfig    `yaml:"archive" envconfig:"ARCHIVE"`
	Events     EventsConfig     `yaml:"events" envconfig:"EVENTS"`
	Audit      AuditConfig      `yaml:"audit" envconfig:"AUDIT"`
	Log        LogConfig        `yaml:"log" envconfig:"LOG"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Addr            string          `yaml:"addr" envconfig:"ADDR" validate:"required"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	PersistTimeout  time.Duration   `yaml:"persist_timeout" envconfig:"PERSIST_TIMEOUT" validate:"gt=0"`
	PersistWait     time.Duration   `yaml:"persist_wait" envconfig:"PERSIST_WAIT" validate:"gte=0"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES" validate:"gt=0"`
	TrustedProxies  []string        `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES" validate:"dive,cidr|ip"`
	TLSCertFile     string          `yaml:"tls_cert_file" envconfig:"TLS_CERT_FILE" validate:"required_with=TLSKeyFile"`
	TLSKeyFile      string          `yaml:"tls_key_file" envconfig:"TLS_KEY_FILE" validate:"required_with=TLSCertFile"`
	TLSClientCAFile string          `yaml:"tls_client_ca_file" envconfig:"TLS_CLIENT_CA_FILE"`
	TLSSelfSigned   bool            `yaml:"tls_self_signed" envconfig:"TLS_SELF_SIGNED"`
	TLSHosts        []string        `yaml:"tls_hosts" envconfig:"TLS_HOSTS" validate:"required_if=TLSSelfSigned true"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// TLSEnabled reports whether the listener serves TLS, from a certificate
// pair or a generated self-signed certificate.
func (s ServerConfig) TLSEnabled() bool {
	return (s.TLSCertFile != "" && s.TLSKeyFile != "") || s.TLSSelfSigned
}

// RateLimitConfig contains per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"required_if=Enabled true,gte=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"required_if=Enabled true,gte=0"`
}

// PolicyConfig is the issuance policy.
type PolicyConfig struct {
	Scopes           []string      `yaml:"scopes" envconfig:"SCOPES" validate:"required,min=1,dive,required"`
	MaxDuration      time.Duration `yaml:"max_duration" envconfig:"MAX_DURATION" validate:"gte=1s"`
	RenewalThreshold time.Duration `yaml:"renewal_threshold" envconfig:"RENEWAL_THRESHOLD" validate:"gte=0"`
	GraceWindow      time.Duration `yaml:"grace_window" envconfig:"GRACE_WINDOW" validate:"gte=0"`
}

// KeysConfig locates key material. TrustedKeys lists public key files
// (PEM or authorized_keys). When empty, only the signing key's public half
// is trusted.
type KeysConfig struct {
	SigningKey  string   `yaml:"signing_key" envconfig:"SIGNING_KEY" validate:"required"`
	Passphrase  string   `yaml:"passphrase" envconfig:"PASSPHRASE"`
	TrustedKeys []string `yaml:"trusted_keys" envconfig:"TRUSTED_KEYS"`
}

// AuthConfig configures caller authentication.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" envconfig:"JWT_SECRET" validate:"required,min=32"`
	TokenDuration time.Duration `yaml:"token_duration" envconfig:"TOKEN_DURATION" validate:"gt=0"`
	Admins        []string      `yaml:"admins" envconfig:"ADMINS"`
	APIKeys       []auth.APIKey `yaml:"api_keys" ignored:"true" validate:"dive"`
}

// StoreConfig selects the license store.
type StoreConfig struct {
	Driver      string `yaml:"driver" envconfig:"DRIVER" validate:"oneof=memory file postgres"`
	DataDir     string `yaml:"data_dir" envconfig:"DATA_DIR" validate:"required_if=Driver file"`
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL" validate:"required_if=Driver postgres"`
}

// RevocationConfig selects the revocation store. Driver "store" reuses the
// license store. FeedListen publishes revocations on a mangos PUB socket;
// FeedDial subscribes to another node's feed.
type RevocationConfig struct {
	Driver        string `yaml:"driver" envconfig:"DRIVER" validate:"oneof=store memory redis postgres"`
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR" validate:"required_if=Driver redis"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB" validate:"gte=0"`
	RedisPrefix   string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`
	DatabaseURL   string `yaml:"database_url" envconfig:"DATABASE_URL"`
	FeedListen    string `yaml:"feed_listen" envconfig:"FEED_LISTEN"`
	FeedDial      string `yaml:"feed_dial" envconfig:"FEED_DIAL"`
}

// ArchiveConfig configures the S3 archive of issued licenses.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"ENABLED"`
	Bucket          string `yaml:"bucket" envconfig:"BUCKET" validate:"required_if=Enabled true"`
	Prefix          string `yaml:"prefix" envconfig:"PREFIX"`
	Region          string `yaml:"region" envconfig:"REGION"`
	Endpoint        string `yaml:"endpoint" envconfig:"ENDPOINT" validate:"omitempty,url"`
	AccessKeyID     string `yaml:"access_key_id" envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" envconfig:"SECRET_ACCESS_KEY"`
}

// EventsConfig configures lifecycle event delivery. Without brokers events
// are only logged.
type EventsConfig struct {
	Brokers []string      `yaml:"brokers" envconfig:"BROKERS"`
	Topic   string        `yaml:"topic" envconfig:"TOPIC" validate:"required_with=Brokers"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
	Log     bool          `yaml:"log" envconfig:"LOG"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	BufferSize  int    `yaml:"buffer_size" envconfig:"BUFFER_SIZE" validate:"gt=0"`
	JournalPath string `yaml:"journal_path" envconfig:"JOURNAL_PATH"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
}

// Default returns the built-in configuration. It lacks the signing key and
// JWT secret, which have no safe default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			PersistTimeout:  10 * time.Second,
			PersistWait:     250 * time.Millisecond,
			MaxBodyBytes:    1 << 20,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     50,
				Burst:   100,
			},
		},
		Policy: PolicyConfig{
			Scopes:           []string{"basic"},
			MaxDuration:      365 * 24 * time.Hour,
			RenewalThreshold: 7 * 24 * time.Hour,
			GraceWindow:      72 * time.Hour,
		},
		Auth: AuthConfig{
			TokenDuration: time.Hour,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Revocation: RevocationConfig{
			Driver:      "store",
			RedisPrefix: "cluso-license",
		},
		Events: EventsConfig{
			Topic:   "license-events",
			Timeout: 5 * time.Second,
			Log:     true,
		},
		Audit: AuditConfig{
			BufferSize: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (optional, "" skips the file), applies LICENSE_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			errs = append(errs, fmt.Errorf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.Join(errs...)
}
