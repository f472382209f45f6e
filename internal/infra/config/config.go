package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	API         APIConfig         `yaml:"api"`
	Auth        AuthConfig        `yaml:"auth"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// APIConfig holds REST facade settings.
type APIConfig struct {
	Addr              string          `yaml:"addr"`
	AdminToken        string          `yaml:"admin_token,omitempty"`
	RequestTimeout    time.Duration   `yaml:"request_timeout"`
	MaxRequestTimeout time.Duration   `yaml:"max_request_timeout"`
	MaxBodyBytes      int64           `yaml:"max_body_bytes"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Breaker           BreakerConfig   `yaml:"breaker"`
}

// RateLimitConfig holds per-client request rate limiting settings.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// BreakerConfig holds circuit breaker settings for peer delivery.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// AuthConfig holds credential scheme settings. Schemes are independently
// toggleable; at least one must be enabled.
type AuthConfig struct {
	Keystore  KeystoreConfig  `yaml:"keystore"`
	ClientIDs ClientIDsConfig `yaml:"client_ids"`
}

// KeystoreConfig holds managed-key store settings.
type KeystoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ClientIDsConfig holds format-only credential settings.
type ClientIDsConfig struct {
	Enabled   bool `yaml:"enabled"`
	MinLength int  `yaml:"min_length"`
	MaxLength int  `yaml:"max_length"`
}

// MaintenanceConfig holds housekeeping schedules. Interval fields accept a
// cron expression or a duration string.
type MaintenanceConfig struct {
	SweepInterval     string        `yaml:"sweep_interval"`
	PendingMaxAge     time.Duration `yaml:"pending_max_age"`
	IdleCheckInterval string        `yaml:"idle_check_interval"`
	IdleAfter         time.Duration `yaml:"idle_after"`
	KeyPurgeSchedule  string        `yaml:"key_purge_schedule"`
	KeyPurgeAge       time.Duration `yaml:"key_purge_age"`
}

// DiscoveryConfig holds mDNS advertisement settings.
type DiscoveryConfig struct {
	MDNS     bool   `yaml:"mdns"`
	Instance string `yaml:"instance"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.vttrelay/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".vttrelay", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Gateway: GatewayConfig{
			Addr: ":8090",
		},
		API: APIConfig{
			Addr:              ":8080",
			RequestTimeout:    15 * time.Second,
			MaxRequestTimeout: 60 * time.Second,
			MaxBodyBytes:      1 << 20,
			RateLimit: RateLimitConfig{
				Enabled: false,
				RPS:     10,
				Burst:   20,
			},
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Auth: AuthConfig{
			Keystore: KeystoreConfig{
				Enabled: false,
				Path:    filepath.Join(dataDir, "keys.db"),
			},
			ClientIDs: ClientIDsConfig{
				Enabled:   true,
				MinLength: 8,
				MaxLength: 64,
			},
		},
		Maintenance: MaintenanceConfig{
			SweepInterval:     "30s",
			PendingMaxAge:     2 * time.Minute,
			IdleCheckInterval: "30s",
			IdleAfter:         90 * time.Second,
			KeyPurgeSchedule:  "@daily",
			KeyPurgeAge:       720 * time.Hour,
		},
		Discovery: DiscoveryConfig{
			MDNS:     false,
			Instance: "vtt-relay",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("VTTRELAY_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps VTTRELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VTTRELAY_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("VTTRELAY_GATEWAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = splitAndTrim(v, ",")
	}

	if v := os.Getenv("VTTRELAY_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("VTTRELAY_API_ADMIN_TOKEN"); v != "" {
		cfg.API.AdminToken = v
	}
	if v := os.Getenv("VTTRELAY_API_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.API.RequestTimeout = d
		}
	}
	if v := os.Getenv("VTTRELAY_API_MAX_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.API.MaxRequestTimeout = d
		}
	}
	if v := os.Getenv("VTTRELAY_API_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.API.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("VTTRELAY_API_RATE_LIMIT_ENABLED"); v == "true" {
		cfg.API.RateLimit.Enabled = true
	} else if v == "false" {
		cfg.API.RateLimit.Enabled = false
	}
	if v := os.Getenv("VTTRELAY_API_BREAKER_ENABLED"); v == "true" {
		cfg.API.Breaker.Enabled = true
	} else if v == "false" {
		cfg.API.Breaker.Enabled = false
	}

	if v := os.Getenv("VTTRELAY_AUTH_KEYSTORE_ENABLED"); v == "true" {
		cfg.Auth.Keystore.Enabled = true
	} else if v == "false" {
		cfg.Auth.Keystore.Enabled = false
	}
	if v := os.Getenv("VTTRELAY_AUTH_KEYSTORE_PATH"); v != "" {
		cfg.Auth.Keystore.Path = v
	}
	if v := os.Getenv("VTTRELAY_AUTH_CLIENT_IDS_ENABLED"); v == "true" {
		cfg.Auth.ClientIDs.Enabled = true
	} else if v == "false" {
		cfg.Auth.ClientIDs.Enabled = false
	}

	if v := os.Getenv("VTTRELAY_MAINTENANCE_SWEEP_INTERVAL"); v != "" {
		cfg.Maintenance.SweepInterval = v
	}
	if v := os.Getenv("VTTRELAY_MAINTENANCE_PENDING_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Maintenance.PendingMaxAge = d
		}
	}
	if v := os.Getenv("VTTRELAY_MAINTENANCE_IDLE_CHECK_INTERVAL"); v != "" {
		cfg.Maintenance.IdleCheckInterval = v
	}
	if v := os.Getenv("VTTRELAY_MAINTENANCE_IDLE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Maintenance.IdleAfter = d
		}
	}

	if v := os.Getenv("VTTRELAY_DISCOVERY_MDNS"); v == "true" {
		cfg.Discovery.MDNS = true
	} else if v == "false" {
		cfg.Discovery.MDNS = false
	}
	if v := os.Getenv("VTTRELAY_DISCOVERY_INSTANCE"); v != "" {
		cfg.Discovery.Instance = v
	}

	if v := os.Getenv("VTTRELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("VTTRELAY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("VTTRELAY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("VTTRELAY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.API.AdminToken, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.API.AdminToken, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("api admin_token: %w", err)
		}
		cfg.API.AdminToken = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
