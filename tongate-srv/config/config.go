package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codefionn/tongate/tongate-srv/logger"
)

// StatisticsConfig defines settings for the optional statistics collector
type StatisticsConfig struct {
	Enabled     bool   `json:"enabled"`      // Whether statistics collection is enabled
	Backend     string `json:"backend"`      // Backend type: sqlite, postgres or dummy
	SQLitePath  string `json:"sqlite-path"`  // Path to the SQLite database file
	PostgresDSN string `json:"postgres-dsn"` // PostgreSQL connection string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress  string           // Address to listen on (e.g., 127.0.0.1:8080)
	TONDomains     []string         // Domain suffixes routed through the TON gateway
	TONGateway     string           // Base URL of the TON gateway
	VerboseLogging bool             // Whether to log detailed request information
	TimeoutSeconds int              // Outbound HTTP and dial timeout; 0 disables timeouts
	Socks5Forward  string           // Optional SOCKS5 upstream address for outbound connections
	Statistics     StatisticsConfig // Statistics collector settings
}

// DefaultConfig returns the built-in configuration used when no config file
// is given. The suffix list and gateway match the well-known TON defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:  "127.0.0.1:8080",
		TONDomains:     []string{"ton", "t.me"},
		TONGateway:     "https://gateway.ton.org",
		VerboseLogging: false,
		TimeoutSeconds: 0,
		Statistics: StatisticsConfig{
			Enabled: false,
			Backend: "sqlite",
		},
	}
}

// LoadConfig loads configuration from the specified file path. An empty path
// yields the defaults plus environment variable overrides. Supported file
// formats are JSON (.json) and HCL (.hcl), selected by file extension.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Apply environment variables
	loadConfigFromEnv(cfg)

	// If config file exists, load it
	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map to handle the hyphenated keys
	var data map[string]any
	err = json.NewDecoder(file).Decode(&data)
	if err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

// applyConfigMap maps hyphenated configuration keys onto the Config struct.
// Both the JSON and the HCL loader funnel through here.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["listen-address"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-address must be a string: %w", err)
		}
		cfg.ListenAddress = *ptr
	}

	if val, exists := data["ton-domains"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("ton-domains must be an array of strings")
		}
		domains := make([]string, 0, len(list))
		for i, entry := range list {
			ptr, err := parseValue[string](entry)
			if err != nil {
				return fmt.Errorf("ton-domains entry at index %d must be a string: %w", i, err)
			}
			domains = append(domains, *ptr)
		}
		cfg.TONDomains = domains
	}

	if val, exists := data["ton-gateway"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("ton-gateway must be a string: %w", err)
		}
		cfg.TONGateway = *ptr
	}

	if val, exists := data["verbose-logging"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("verbose-logging must be a boolean: %w", err)
		}
		cfg.VerboseLogging = *ptr
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("timeout-seconds must be a number: %w", err)
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["socks5-forward"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("socks5-forward must be a string: %w", err)
		}
		cfg.Socks5Forward = *ptr
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}

		if v, exists := statsMap["enabled"]; exists {
			ptr, err := parseValue[bool](v)
			if err != nil {
				return fmt.Errorf("statistics.enabled must be a boolean: %w", err)
			}
			cfg.Statistics.Enabled = *ptr
		}
		if v, exists := statsMap["backend"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics.backend must be a string: %w", err)
			}
			cfg.Statistics.Backend = *ptr
		}
		if v, exists := statsMap["sqlite-path"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics.sqlite-path must be a string: %w", err)
			}
			cfg.Statistics.SQLitePath = *ptr
		}
		if v, exists := statsMap["postgres-dsn"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics.postgres-dsn must be a string: %w", err)
			}
			cfg.Statistics.PostgresDSN = *ptr
		}
	}

	return nil
}

func parseValue[T any](value any) (*T, error) {
	switch typed := value.(type) {
	case T:
		return &typed, nil
	case float64:
		// JSON numbers decode as float64; convert where an int is wanted
		var zero T
		if _, ok := any(zero).(int); ok {
			converted := any(int(typed)).(T)
			return &converted, nil
		}
		return nil, fmt.Errorf("unexpected numeric value %v", typed)
	default:
		var zero T
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
}

// loadConfigFromEnv applies TONGATE_* environment variable overrides.
func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("TONGATE_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("TONGATE_TON_DOMAINS"); v != "" {
		parts := strings.Split(v, ",")
		domains := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				domains = append(domains, trimmed)
			}
		}
		if len(domains) > 0 {
			cfg.TONDomains = domains
		}
	}
	if v := os.Getenv("TONGATE_TON_GATEWAY"); v != "" {
		cfg.TONGateway = v
	}
	if v := os.Getenv("TONGATE_VERBOSE_LOGGING"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.VerboseLogging = parsed
		} else {
			logger.Warn("Invalid TONGATE_VERBOSE_LOGGING value %q, ignoring", v)
		}
	}
	if v := os.Getenv("TONGATE_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = parsed
		} else {
			logger.Warn("Invalid TONGATE_TIMEOUT_SECONDS value %q, ignoring", v)
		}
	}
	if v := os.Getenv("TONGATE_SOCKS5_FORWARD"); v != "" {
		cfg.Socks5Forward = v
	}
	if v := os.Getenv("TONGATE_STATS_BACKEND"); v != "" {
		cfg.Statistics.Enabled = true
		cfg.Statistics.Backend = v
	}
	if v := os.Getenv("TONGATE_STATS_SQLITE_PATH"); v != "" {
		cfg.Statistics.SQLitePath = v
	}
	if v := os.Getenv("TONGATE_STATS_POSTGRES_DSN"); v != "" {
		cfg.Statistics.PostgresDSN = v
	}
}

// SaveConfig writes the configuration to the given path as pretty-printed
// JSON using the same hyphenated keys the loader accepts. Used to persist a
// default configuration for reference when the requested file is missing.
func SaveConfig(cfg *Config, configPath string) error {
	data := map[string]any{
		"listen-address":  cfg.ListenAddress,
		"ton-domains":     cfg.TONDomains,
		"ton-gateway":     cfg.TONGateway,
		"verbose-logging": cfg.VerboseLogging,
		"timeout-seconds": cfg.TimeoutSeconds,
	}
	if cfg.Socks5Forward != "" {
		data["socks5-forward"] = cfg.Socks5Forward
	}
	if cfg.Statistics.Enabled {
		stats := map[string]any{
			"enabled": cfg.Statistics.Enabled,
			"backend": cfg.Statistics.Backend,
		}
		if cfg.Statistics.SQLitePath != "" {
			stats["sqlite-path"] = cfg.Statistics.SQLitePath
		}
		if cfg.Statistics.PostgresDSN != "" {
			stats["postgres-dsn"] = cfg.Statistics.PostgresDSN
		}
		data["statistics"] = stats
	}

	contents, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	contents = append(contents, '\n')

	if err := os.WriteFile(configPath, contents, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
