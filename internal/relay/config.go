package relay

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
)

// PortEnvVar overrides the configured listen port when set.
const PortEnvVar = "VOICELINK_RELAY_PORT"

// Config holds the relay's startup parameters.
type Config struct {
	Port                  int    `yaml:"port"`
	SessionTimeoutSeconds int    `yaml:"sessionTimeoutSeconds"`
	CleanupPacketInterval int    `yaml:"cleanupPacketInterval"`
	LogPath               string `yaml:"logPath"`
}

// DefaultConfig returns the stock relay parameters: port 9000, 5 minute
// session timeout, reap every 1000 packets.
func DefaultConfig() Config {
	return Config{
		Port:                  9000,
		SessionTimeoutSeconds: 300,
		CleanupPacketInterval: 1000,
	}
}

// LoadConfig reads a YAML config file over the defaults, then applies the
// port environment override. An empty path yields defaults plus override.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read relay config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse relay config: %w", err)
		}
	}

	if env := os.Getenv(PortEnvVar); env != "" {
		port, err := strconv.Atoi(env)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", PortEnvVar, err)
		}
		cfg.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the numeric ranges.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid relay port %d", c.Port)
	}
	if c.SessionTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid session timeout %d", c.SessionTimeoutSeconds)
	}
	if c.CleanupPacketInterval <= 0 {
		return fmt.Errorf("invalid cleanup interval %d", c.CleanupPacketInterval)
	}
	return nil
}
