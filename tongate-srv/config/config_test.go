package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddress)
	assert.Equal(t, []string{"ton", "t.me"}, cfg.TONDomains)
	assert.Equal(t, "https://gateway.ton.org", cfg.TONGateway)
	assert.False(t, cfg.VerboseLogging)
	assert.Zero(t, cfg.TimeoutSeconds, "no timeout by default")
	assert.False(t, cfg.Statistics.Enabled)
}

func TestLoadJSONConfig(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
		"listen-address": "0.0.0.0:3128",
		"ton-domains": ["ton", "adnl", "t.me"],
		"ton-gateway": "https://gw.example.org/",
		"verbose-logging": true,
		"timeout-seconds": 30,
		"socks5-forward": "127.0.0.1:1080",
		"statistics": {
			"enabled": true,
			"backend": "sqlite",
			"sqlite-path": "/tmp/stats.db"
		}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3128", cfg.ListenAddress)
	assert.Equal(t, []string{"ton", "adnl", "t.me"}, cfg.TONDomains)
	assert.Equal(t, "https://gw.example.org/", cfg.TONGateway)
	assert.True(t, cfg.VerboseLogging)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.Equal(t, "127.0.0.1:1080", cfg.Socks5Forward)
	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "sqlite", cfg.Statistics.Backend)
	assert.Equal(t, "/tmp/stats.db", cfg.Statistics.SQLitePath)
}

func TestLoadJSONConfigPartial(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{"listen-address": "127.0.0.1:9999"}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// Unspecified fields keep their defaults.
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddress)
	assert.Equal(t, []string{"ton", "t.me"}, cfg.TONDomains)
	assert.Equal(t, "https://gateway.ton.org", cfg.TONGateway)
}

func TestLoadJSONConfigTypeErrors(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"listen-address wrong type", `{"listen-address": 8080}`},
		{"ton-domains not array", `{"ton-domains": "ton"}`},
		{"ton-domains entry wrong type", `{"ton-domains": ["ton", 5]}`},
		{"verbose-logging wrong type", `{"verbose-logging": "yes"}`},
		{"timeout-seconds wrong type", `{"timeout-seconds": "thirty"}`},
		{"statistics not object", `{"statistics": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, "config.json", tt.contents)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadHCLConfig(t *testing.T) {
	path := writeTempConfig(t, "config.hcl", `
listen-address = "0.0.0.0:3128"
ton-domains    = ["ton", "t.me"]
ton-gateway    = "https://gw.example.org"
timeout-seconds = 15
statistics = {
  enabled = true
  backend = "dummy"
}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3128", cfg.ListenAddress)
	assert.Equal(t, []string{"ton", "t.me"}, cfg.TONDomains)
	assert.Equal(t, "https://gw.example.org", cfg.TONGateway)
	assert.Equal(t, 15, cfg.TimeoutSeconds)
	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "dummy", cfg.Statistics.Backend)
}

func TestLoadHCLConfigParseError(t *testing.T) {
	path := writeTempConfig(t, "config.hcl", `listen-address = `)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `listen-address: "127.0.0.1:8080"`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("TONGATE_LISTEN_ADDRESS", "0.0.0.0:1234")
	t.Setenv("TONGATE_TON_DOMAINS", "ton, adnl ,bag")
	t.Setenv("TONGATE_TON_GATEWAY", "https://env-gw.example")
	t.Setenv("TONGATE_VERBOSE_LOGGING", "true")
	t.Setenv("TONGATE_TIMEOUT_SECONDS", "45")
	t.Setenv("TONGATE_SOCKS5_FORWARD", "10.0.0.1:1080")
	t.Setenv("TONGATE_STATS_BACKEND", "postgres")
	t.Setenv("TONGATE_STATS_POSTGRES_DSN", "postgres://stats")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:1234", cfg.ListenAddress)
	assert.Equal(t, []string{"ton", "adnl", "bag"}, cfg.TONDomains)
	assert.Equal(t, "https://env-gw.example", cfg.TONGateway)
	assert.True(t, cfg.VerboseLogging)
	assert.Equal(t, 45, cfg.TimeoutSeconds)
	assert.Equal(t, "10.0.0.1:1080", cfg.Socks5Forward)
	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "postgres", cfg.Statistics.Backend)
	assert.Equal(t, "postgres://stats", cfg.Statistics.PostgresDSN)
}

func TestConfigFileOverridesEnv(t *testing.T) {
	t.Setenv("TONGATE_LISTEN_ADDRESS", "0.0.0.0:1111")
	path := writeTempConfig(t, "config.json", `{"listen-address": "127.0.0.1:2222"}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", cfg.ListenAddress)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	original := DefaultConfig()
	original.ListenAddress = "0.0.0.0:8888"
	original.TONDomains = []string{"ton"}
	original.TimeoutSeconds = 5
	original.Socks5Forward = "127.0.0.1:1080"
	original.Statistics = StatisticsConfig{
		Enabled:    true,
		Backend:    "sqlite",
		SQLitePath: "stats.db",
	}

	path := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, SaveConfig(original, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)

	assert.False(t, HasChanged(original, loaded))
}

func TestHasChanged(t *testing.T) {
	base := DefaultConfig()

	t.Run("identical configs", func(t *testing.T) {
		other := DefaultConfig()
		assert.False(t, HasChanged(base, other))
	})

	t.Run("listen address", func(t *testing.T) {
		other := DefaultConfig()
		other.ListenAddress = "0.0.0.0:8080"
		assert.True(t, HasChanged(base, other))
	})

	t.Run("domain list contents", func(t *testing.T) {
		other := DefaultConfig()
		other.TONDomains = []string{"ton", "adnl"}
		assert.True(t, HasChanged(base, other))
	})

	t.Run("gateway", func(t *testing.T) {
		other := DefaultConfig()
		other.TONGateway = "https://other.example"
		assert.True(t, HasChanged(base, other))
	})

	t.Run("statistics", func(t *testing.T) {
		other := DefaultConfig()
		other.Statistics.Enabled = true
		assert.True(t, HasChanged(base, other))
	})

	t.Run("nil handling", func(t *testing.T) {
		assert.False(t, HasChanged(nil, nil))
		assert.True(t, HasChanged(base, nil))
		assert.True(t, HasChanged(nil, base))
	})
}
