// Package config loads protocol timing and sizing knobs. The retry
// ceilings, intervals and window sizes here are deliberately
// configuration rather than constants baked into the engines.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danls/lanlink/internal/protocol"
)

// Duration is a time.Duration that unmarshals from toml strings such
// as "35s" or "200ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Interface    string `toml:"interface"`
	DownloadsDir string `toml:"downloads_dir"`

	Discovery DiscoveryConfig `toml:"discovery"`
	Messaging MessagingConfig `toml:"messaging"`
	Transfer  TransferConfig  `toml:"transfer"`
}

type DiscoveryConfig struct {
	Interval          Duration `toml:"interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	LivenessTimeout   Duration `toml:"liveness_timeout"`
	SweepInterval     Duration `toml:"sweep_interval"`
}

type MessagingConfig struct {
	RetryInterval  Duration `toml:"retry_interval"`
	MaxAttempts    int      `toml:"max_attempts"`
	MaxMessageSize int      `toml:"max_message_size"`
	DedupCapacity  int      `toml:"dedup_capacity"`
	QueueCapacity  int      `toml:"queue_capacity"`
}

type TransferConfig struct {
	ChunkSize         int      `toml:"chunk_size"`
	WindowSize        int      `toml:"window_size"`
	MaxAttempts       int      `toml:"max_attempts"`
	RetryInterval     Duration `toml:"retry_interval"`
	InactivityTimeout Duration `toml:"inactivity_timeout"`
	SweepInterval     Duration `toml:"sweep_interval"`
}

// Default returns the values used when no config file overrides them.
func Default() Config {
	return Config{
		DownloadsDir: "received_files",
		Discovery: DiscoveryConfig{
			Interval:          Duration(35 * time.Second),
			HeartbeatInterval: Duration(35 * time.Second),
			LivenessTimeout:   Duration(60 * time.Second),
			SweepInterval:     Duration(5 * time.Second),
		},
		Messaging: MessagingConfig{
			RetryInterval:  Duration(2 * time.Second),
			MaxAttempts:    10,
			MaxMessageSize: 1024,
			DedupCapacity:  1000,
			QueueCapacity:  128,
		},
		Transfer: TransferConfig{
			ChunkSize:         1400,
			WindowSize:        8,
			MaxAttempts:       10,
			RetryInterval:     Duration(2 * time.Second),
			InactivityTimeout: Duration(30 * time.Second),
			SweepInterval:     Duration(1 * time.Second),
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.Discovery.Interval <= 0 || cfg.Discovery.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: discovery intervals must be positive")
	}
	if cfg.Discovery.LivenessTimeout <= 0 || cfg.Discovery.SweepInterval <= 0 {
		return fmt.Errorf("config: liveness timeout and sweep interval must be positive")
	}
	if cfg.Messaging.MaxAttempts < 1 {
		return fmt.Errorf("config: messaging max_attempts must be at least 1")
	}
	if cfg.Messaging.RetryInterval <= 0 {
		return fmt.Errorf("config: messaging retry_interval must be positive")
	}
	if cfg.Messaging.MaxMessageSize < 1 || cfg.Messaging.MaxMessageSize > protocol.MaxPayload {
		return fmt.Errorf("config: max_message_size must be within (0, %d]", protocol.MaxPayload)
	}
	if cfg.Messaging.DedupCapacity < 1 || cfg.Messaging.QueueCapacity < 1 {
		return fmt.Errorf("config: dedup_capacity and queue_capacity must be positive")
	}
	if cfg.Transfer.ChunkSize < 1 || cfg.Transfer.ChunkSize > maxChunkData() {
		return fmt.Errorf("config: chunk_size must be within (0, %d]", maxChunkData())
	}
	if cfg.Transfer.WindowSize < 1 {
		return fmt.Errorf("config: window_size must be at least 1")
	}
	if cfg.Transfer.MaxAttempts < 1 {
		return fmt.Errorf("config: transfer max_attempts must be at least 1")
	}
	if cfg.Transfer.RetryInterval <= 0 || cfg.Transfer.InactivityTimeout <= 0 || cfg.Transfer.SweepInterval <= 0 {
		return fmt.Errorf("config: transfer intervals must be positive")
	}
	if strings.TrimSpace(cfg.DownloadsDir) == "" {
		return fmt.Errorf("config: downloads_dir must not be empty")
	}
	return nil
}

// maxChunkData is the chunk payload budget left after the transfer
// envelope inside a maximum frame payload.
func maxChunkData() int {
	return protocol.MaxPayload - protocol.ChunkOverhead
}
