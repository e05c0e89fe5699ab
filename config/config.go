package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/soramail/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// StorageConfig holds the mailbox document store configuration.
type StorageConfig struct {
	DataDir       string `toml:"data_dir"`       // Root directory of per-user mailboxes
	RecordsDB     string `toml:"records_db"`     // bbolt file holding filter rules and contacts
	Codec         string `toml:"codec"`          // "none", "aes-gcm" or "xchacha20poly1305"
	EncryptionKey string `toml:"encryption_key"` // 64 hex characters when a codec is enabled
}

// GetCodec returns the configured codec name, defaulting to "none".
func (s *StorageConfig) GetCodec() string {
	if s.Codec == "" {
		return "none"
	}
	return strings.ToLower(s.Codec)
}

// GetRecordsDB returns the bbolt path, defaulting to records.db under the data dir.
func (s *StorageConfig) GetRecordsDB() string {
	if s.RecordsDB != "" {
		return s.RecordsDB
	}
	return s.DataDir + "/records.db"
}

// S3Config holds S3 configuration.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"` // Enable detailed S3 request/response tracing
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// GetDebug returns the debug flag
func (s *S3Config) GetDebug() bool {
	return s.Debug
}

// AttachmentsConfig holds the attachment admission configuration.
type AttachmentsConfig struct {
	Backend         string `toml:"backend"`          // "local" or "s3"
	LocalPath       string `toml:"local_path"`       // Directory for the local backend
	IssuedTTL       string `toml:"issued_ttl"`       // Lifetime of pre-issued ids
	AcknowledgedTTL string `toml:"acknowledged_ttl"` // Lifetime of in-memory acknowledgments
	SweepInterval   string `toml:"sweep_interval"`
}

// GetBackend returns the byte store backend, defaulting to "local".
func (c *AttachmentsConfig) GetBackend() string {
	if c.Backend == "" {
		return "local"
	}
	return strings.ToLower(c.Backend)
}

// GetIssuedTTL parses the issued id TTL
func (c *AttachmentsConfig) GetIssuedTTL() (time.Duration, error) {
	if c.IssuedTTL == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.IssuedTTL)
}

// GetAcknowledgedTTL parses the acknowledged entry TTL
func (c *AttachmentsConfig) GetAcknowledgedTTL() (time.Duration, error) {
	if c.AcknowledgedTTL == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.AcknowledgedTTL)
}

// GetSweepInterval parses the registry sweep interval
func (c *AttachmentsConfig) GetSweepInterval() (time.Duration, error) {
	if c.SweepInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.SweepInterval)
}

// CleanupConfig holds cleaner worker configuration.
type CleanupConfig struct {
	TrashRetention string `toml:"trash_retention"`
	WakeInterval   string `toml:"wake_interval"`
}

// GetTrashRetention parses the trash retention duration
func (c *CleanupConfig) GetTrashRetention() (time.Duration, error) {
	if c.TrashRetention == "" {
		c.TrashRetention = "30d"
	}
	return helpers.ParseDuration(c.TrashRetention)
}

// GetWakeInterval parses the wake interval duration
func (c *CleanupConfig) GetWakeInterval() (time.Duration, error) {
	if c.WakeInterval == "" {
		c.WakeInterval = "1h"
	}
	return helpers.ParseDuration(c.WakeInterval)
}

// DeliveryConfig holds delivery pipeline settings.
type DeliveryConfig struct {
	Domain          string `toml:"domain"`            // Local mail domain appended to usernames
	ForwardMaxDepth int    `toml:"forward_max_depth"` // Bound on rule-triggered forward chains
	SanitizeBodies  bool   `toml:"sanitize_bodies"`   // Strip unsafe HTML from outgoing bodies
}

// GetForwardMaxDepth returns the forward chain bound, defaulting to 3.
func (c *DeliveryConfig) GetForwardMaxDepth() int {
	if c.ForwardMaxDepth <= 0 {
		return 3
	}
	return c.ForwardMaxDepth
}

// DirectoryConfig holds the user directory settings.
type DirectoryConfig struct {
	Path             string `toml:"path"`               // sqlite database file
	CacheTTL         string `toml:"cache_ttl"`          // Lifetime of cached lookups
	NegativeCacheTTL string `toml:"negative_cache_ttl"` // Lifetime of cached unknown users
}

// GetCacheTTL parses the lookup cache TTL, defaulting to 5m.
func (c *DirectoryConfig) GetCacheTTL() (time.Duration, error) {
	if c.CacheTTL == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.CacheTTL)
}

// GetNegativeCacheTTL parses the negative lookup cache TTL, defaulting to 30s.
func (c *DirectoryConfig) GetNegativeCacheTTL() (time.Duration, error) {
	if c.NegativeCacheTTL == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.NegativeCacheTTL)
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
	RateLimit    int      `toml:"rate_limit"` // Requests per minute per client IP, 0 disables
	RateBurst    int      `toml:"rate_burst"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Storage     StorageConfig     `toml:"storage"`
	Attachments AttachmentsConfig `toml:"attachments"`
	S3          S3Config          `toml:"s3"`
	Cleanup     CleanupConfig     `toml:"cleanup"`
	Delivery    DeliveryConfig    `toml:"delivery"`
	Directory   DirectoryConfig   `toml:"directory"`
	Metrics     MetricsConfig     `toml:"metrics"`
	HTTPAPI     HTTPAPIConfig     `toml:"http_api"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Storage: StorageConfig{
			DataDir: "/var/lib/soramail/mail",
			Codec:   "none",
		},
		Attachments: AttachmentsConfig{
			Backend:         "local",
			LocalPath:       "/var/lib/soramail/attachments",
			IssuedTTL:       "5m",
			AcknowledgedTTL: "24h",
			SweepInterval:   "1m",
		},
		Cleanup: CleanupConfig{
			TrashRetention: "30d",
			WakeInterval:   "1h",
		},
		Delivery: DeliveryConfig{
			Domain:          "localhost",
			ForwardMaxDepth: 3,
		},
		Directory: DirectoryConfig{
			Path:             "/var/lib/soramail/users.db",
			CacheTTL:         "5m",
			NegativeCacheTTL: "30s",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		HTTPAPI: HTTPAPIConfig{
			Start:     false,
			Addr:      ":8080",
			RateLimit: 120,
			RateBurst: 20,
		},
	}
}

// Validate checks cross-field constraints that decoding cannot express.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	switch c.Storage.GetCodec() {
	case "none":
	case "aes-gcm", "xchacha20poly1305":
		if c.Storage.EncryptionKey == "" {
			return fmt.Errorf("storage.encryption_key is required for codec %q", c.Storage.Codec)
		}
	default:
		return fmt.Errorf("unknown storage.codec %q", c.Storage.Codec)
	}

	switch c.Attachments.GetBackend() {
	case "local":
		if c.Attachments.LocalPath == "" {
			return fmt.Errorf("attachments.local_path is required for the local backend")
		}
	case "s3":
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3.endpoint and s3.bucket are required for the s3 attachment backend")
		}
	default:
		return fmt.Errorf("unknown attachments.backend %q", c.Attachments.Backend)
	}

	if _, err := c.Attachments.GetIssuedTTL(); err != nil {
		return fmt.Errorf("invalid attachments.issued_ttl: %w", err)
	}
	if _, err := c.Attachments.GetAcknowledgedTTL(); err != nil {
		return fmt.Errorf("invalid attachments.acknowledged_ttl: %w", err)
	}
	if _, err := c.Attachments.GetSweepInterval(); err != nil {
		return fmt.Errorf("invalid attachments.sweep_interval: %w", err)
	}
	if _, err := c.Cleanup.GetTrashRetention(); err != nil {
		return fmt.Errorf("invalid cleanup.trash_retention: %w", err)
	}
	if _, err := c.Cleanup.GetWakeInterval(); err != nil {
		return fmt.Errorf("invalid cleanup.wake_interval: %w", err)
	}
	if _, err := c.Directory.GetCacheTTL(); err != nil {
		return fmt.Errorf("invalid directory.cache_ttl: %w", err)
	}
	if _, err := c.Directory.GetNegativeCacheTTL(); err != nil {
		return fmt.Errorf("invalid directory.negative_cache_ttl: %w", err)
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is started")
	}
	if c.HTTPAPI.RateLimit < 0 || c.HTTPAPI.RateBurst < 0 {
		return fmt.Errorf("http_api.rate_limit and http_api.rate_burst cannot be negative")
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file into cfg.
// Values already present in cfg act as defaults.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false'", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
