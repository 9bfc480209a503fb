package voice

import (
	"errors"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
)

const (
	// MaxFrameSamples is the largest PCM frame Opus will decode for a
	// single channel (120 ms at 48 kHz).
	MaxFrameSamples = 5760

	defaultSampleRate = 48000
	frameDurationMs   = 20
)

var supportedSampleRates = []int{8000, 12000, 16000, 24000, 48000}

var supportedFrameDurations = []int{10, 20, 40, 60}

// Config holds the audio pipeline parameters. It is immutable once the
// engine has started.
type Config struct {
	SampleRate      int `json:"sampleRate"`
	Channels        int `json:"channels"`
	FrameDurationMs int `json:"frameDurationMs"`
	OpusBitrateBps  int `json:"opusBitrateBps"`
	JitterTargetMs  int `json:"jitterTargetMs"`
	JitterMaxMs     int `json:"jitterMaxMs"`

	// Capture gating and gain, applied inside the audio callback.
	VADEnabled        bool    `json:"vadEnabled"`
	VADThreshold      float64 `json:"vadThreshold"`
	VADHangoverFrames int     `json:"vadHangoverFrames"`
	MicGain           float64 `json:"micGain"`
	OutputGain        float64 `json:"outputGain"`
}

// DefaultConfig returns the 48 kHz mono 20 ms profile.
func DefaultConfig() Config {
	return Config{
		SampleRate:        defaultSampleRate,
		Channels:          1,
		FrameDurationMs:   frameDurationMs,
		OpusBitrateBps:    48000,
		JitterTargetMs:    60,
		JitterMaxMs:       200,
		VADEnabled:        false,
		VADThreshold:      1200,
		VADHangoverFrames: 30,
		MicGain:           1.0,
		OutputGain:        1.0,
	}
}

var errConfig = errors.New("invalid audio config")

// Validate checks the numeric fields against what the codec and device
// layer will accept.
func (c Config) Validate() error {
	if !containsInt(supportedSampleRates, c.SampleRate) {
		return fmt.Errorf("%w: sample rate %d (supported: %v)", errConfig, c.SampleRate, supportedSampleRates)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: channels %d (must be 1 or 2)", errConfig, c.Channels)
	}
	if !containsInt(supportedFrameDurations, c.FrameDurationMs) {
		return fmt.Errorf("%w: frame duration %d ms (supported: %v)", errConfig, c.FrameDurationMs, supportedFrameDurations)
	}
	if c.OpusBitrateBps <= 0 {
		return fmt.Errorf("%w: bitrate %d", errConfig, c.OpusBitrateBps)
	}
	if c.JitterTargetMs <= 0 || c.JitterMaxMs < c.JitterTargetMs {
		return fmt.Errorf("%w: jitter window target=%dms max=%dms", errConfig, c.JitterTargetMs, c.JitterMaxMs)
	}
	if n := c.FrameSamples(); n <= 0 || n > MaxFrameSamples {
		return fmt.Errorf("%w: %d samples per frame exceeds codec limit %d", errConfig, n, MaxFrameSamples)
	}
	if c.MicGain < 0 || c.MicGain > 4 || c.OutputGain < 0 || c.OutputGain > 4 {
		return fmt.Errorf("%w: gain out of range [0, 4]", errConfig)
	}
	return nil
}

// FrameSamples is the per-channel PCM sample count of one frame, e.g. 960
// for 20 ms at 48 kHz.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameDurationMs / 1000
}

// TargetPackets is the jitter buffer playout threshold in packets.
func (c Config) TargetPackets() int {
	return maxInt(1, c.JitterTargetMs/maxInt(1, c.FrameDurationMs))
}

// MaxPackets is the jitter buffer capacity in packets, never below the
// target.
func (c Config) MaxPackets() int {
	return maxInt(c.TargetPackets(), c.JitterMaxMs/maxInt(1, c.FrameDurationMs))
}

// LoadConfig reads a JSON config file, filling in defaults for a missing
// file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config as indented JSON.
func SaveConfig(path string, cfg Config) error {
	data, err := sonic.ConfigDefault.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
