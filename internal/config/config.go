package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/screa/bitrecover/pkg/device"
	"github.com/screa/bitrecover/pkg/types"
)

// DefaultPath is read when no config file is given on the command line.
const DefaultPath = "bitrecover.yaml"

// Errors
var (
	ErrNoTargetsFile  = errors.New("search.targets_file must be set")
	ErrBadInterval    = errors.New("intervals must be positive")
	ErrNoDeviceCount  = errors.New("devices.count must be positive")
	ErrUnknownBackend = errors.New("unknown device backend")
)

// Config holds the application configuration
type Config struct {
	Devices DevicesConfig `yaml:"devices"`
	Search  SearchConfig  `yaml:"search"`
	Display DisplayConfig `yaml:"display"`
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Sentry  SentryConfig  `yaml:"sentry"`
}

// DevicesConfig selects the devices to search on.
type DevicesConfig struct {
	Backend         string `yaml:"backend"` // cpu, cuda, opencl
	UseAll          bool   `yaml:"use_all"`
	IDs             []int  `yaml:"ids"`
	Count           int    `yaml:"count"` // devices present for the backend
	ThreadsPerBlock int    `yaml:"threads_per_block"`
	Blocks          int    `yaml:"blocks"` // 0 lets the backend decide
	PointsPerThread int    `yaml:"points_per_thread"`
}

// SearchConfig configures the campaign.
type SearchConfig struct {
	TargetsFile      string `yaml:"targets_file"`
	OutputFile       string `yaml:"output_file"`
	Compression      string `yaml:"compression"`
	StatusIntervalMS int    `yaml:"status_interval_ms"`

	// Checkpointing is not implemented; these are carried so existing
	// config files still parse.
	CheckpointFile       string `yaml:"checkpoint_file"`
	CheckpointIntervalMS int    `yaml:"checkpoint_interval_ms"`
}

// DisplayConfig configures the status poller.
type DisplayConfig struct {
	UpdateIntervalMS  int  `yaml:"update_interval_ms"`
	ShowDeviceDetails bool `yaml:"show_device_details"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // empty logs to stderr
}

// HTTPConfig configures the status endpoint. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SentryConfig configures fault reporting. An empty DSN disables it.
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		Devices: DevicesConfig{
			Backend:         string(device.TypeCPU),
			UseAll:          true,
			Count:           1,
			ThreadsPerBlock: 256,
			PointsPerThread: 32,
		},
		Search: SearchConfig{
			TargetsFile:      "address.txt",
			OutputFile:       "Success.txt",
			Compression:      types.Uncompressed.String(),
			StatusIntervalMS: 1000,
		},
		Display: DisplayConfig{
			UpdateIntervalMS:  1000,
			ShowDeviceDetails: true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML (or JSON) config file over the defaults. A missing file
// is an error only when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := types.ParseCompression(c.Search.Compression); err != nil {
		return err
	}
	if strings.TrimSpace(c.Search.TargetsFile) == "" {
		return ErrNoTargetsFile
	}
	if c.Search.StatusIntervalMS <= 0 || c.Display.UpdateIntervalMS <= 0 {
		return ErrBadInterval
	}
	if c.Search.CheckpointIntervalMS < 0 {
		return ErrBadInterval
	}
	switch device.Type(c.Devices.Backend) {
	case device.TypeCPU, device.TypeCUDA, device.TypeOpenCL:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Devices.Backend)
	}
	if c.Devices.Count <= 0 {
		return ErrNoDeviceCount
	}
	if c.Devices.ThreadsPerBlock < 0 || c.Devices.Blocks < 0 || c.Devices.PointsPerThread < 0 {
		return errors.New("device tuning values must not be negative")
	}
	return nil
}

// Compression returns the parsed compression mode. Call after Validate.
func (c *Config) Compression() types.Compression {
	mode, _ := types.ParseCompression(c.Search.Compression)
	return mode
}

// StatusInterval returns the worker status interval.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Search.StatusIntervalMS) * time.Millisecond
}

// DisplayInterval returns the status poller interval.
func (c *Config) DisplayInterval() time.Duration {
	return time.Duration(c.Display.UpdateIntervalMS) * time.Millisecond
}

// CheckpointRequested reports whether any checkpoint setting was given.
func (c *Config) CheckpointRequested() bool {
	return c.Search.CheckpointFile != "" || c.Search.CheckpointIntervalMS > 0
}

// Selection returns the device selection described by the devices section.
func (c *Config) Selection() device.Selection {
	return device.Selection{
		Type:      device.Type(c.Devices.Backend),
		Available: c.Devices.Count,
		UseAll:    c.Devices.UseAll,
		IDs:       append([]int(nil), c.Devices.IDs...),
		Tuning: device.Tuning{
			ThreadsPerBlock: c.Devices.ThreadsPerBlock,
			Blocks:          c.Devices.Blocks,
			PointsPerThread: c.Devices.PointsPerThread,
		},
	}
}
