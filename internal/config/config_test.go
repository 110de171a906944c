package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lanlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
interface = "eth0"
downloads_dir = "incoming"

[discovery]
interval = "10s"

[messaging]
max_attempts = 5
retry_interval = "500ms"

[transfer]
chunk_size = 1000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "eth0", cfg.Interface)
	require.Equal(t, "incoming", cfg.DownloadsDir)
	require.Equal(t, 10*time.Second, cfg.Discovery.Interval.Std())
	require.Equal(t, 5, cfg.Messaging.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Messaging.RetryInterval.Std())
	require.Equal(t, 1000, cfg.Transfer.ChunkSize)

	// Untouched keys keep their defaults.
	require.Equal(t, Default().Discovery.HeartbeatInterval, cfg.Discovery.HeartbeatInterval)
	require.Equal(t, Default().Messaging.DedupCapacity, cfg.Messaging.DedupCapacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadMalformedToml(t *testing.T) {
	path := writeConfig(t, `interface = [broken`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
[discovery]
interval = "soon"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero discovery interval", func(c *Config) { c.Discovery.Interval = 0 }},
		{"zero liveness timeout", func(c *Config) { c.Discovery.LivenessTimeout = 0 }},
		{"zero messaging attempts", func(c *Config) { c.Messaging.MaxAttempts = 0 }},
		{"zero retry interval", func(c *Config) { c.Messaging.RetryInterval = 0 }},
		{"oversize message limit", func(c *Config) { c.Messaging.MaxMessageSize = 1 << 16 }},
		{"zero dedup capacity", func(c *Config) { c.Messaging.DedupCapacity = 0 }},
		{"zero chunk size", func(c *Config) { c.Transfer.ChunkSize = 0 }},
		{"chunk over frame budget", func(c *Config) { c.Transfer.ChunkSize = maxChunkData() + 1 }},
		{"zero window", func(c *Config) { c.Transfer.WindowSize = 0 }},
		{"zero inactivity timeout", func(c *Config) { c.Transfer.InactivityTimeout = 0 }},
		{"blank downloads dir", func(c *Config) { c.DownloadsDir = "  " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, Validate(cfg))
		})
	}
}

func TestChunkSizeFitsDefaultFrame(t *testing.T) {
	// The default chunk plus its envelope must fit one frame payload.
	require.LessOrEqual(t, Default().Transfer.ChunkSize, maxChunkData())
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, d.Std())

	out, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(out))
}
