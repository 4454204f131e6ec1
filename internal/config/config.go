// Package config loads the daemon's tuning parameters from a JSON file.
// Fields omitted from the file keep their defaults, so partial configs are
// safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/flowmeter/internal/serialport"
)

// Config is the root configuration. All fields are pointers so the Get*
// accessors can distinguish "unset" from an explicit zero.
type Config struct {
	// Serial link params
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`

	// Pipeline params
	WindowSize     *int    `json:"window_size,omitempty"`
	SeriesCapacity *int    `json:"series_capacity,omitempty"`
	MinFrameFields *int    `json:"min_frame_fields,omitempty"`
	Delimiter      *string `json:"delimiter,omitempty"`

	// Timing params, duration strings like "5s"
	StaleTimeout *string `json:"stale_timeout,omitempty"`
	ReadTimeout  *string `json:"read_timeout,omitempty"`

	// Archive params
	DatabasePath   *string `json:"database_path,omitempty"`
	ArchiveEnabled *bool   `json:"archive_enabled,omitempty"`
}

// Empty returns a Config with all fields unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and stay under the size cap.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.WindowSize != nil && *c.WindowSize < 1 {
		return fmt.Errorf("window_size must be positive, got %d", *c.WindowSize)
	}
	if c.SeriesCapacity != nil && *c.SeriesCapacity < 1 {
		return fmt.Errorf("series_capacity must be positive, got %d", *c.SeriesCapacity)
	}
	if c.MinFrameFields != nil && *c.MinFrameFields < 4 {
		return fmt.Errorf("min_frame_fields must be at least 4, got %d", *c.MinFrameFields)
	}
	if c.StaleTimeout != nil && *c.StaleTimeout != "" {
		if _, err := time.ParseDuration(*c.StaleTimeout); err != nil {
			return fmt.Errorf("invalid stale_timeout '%s': %w", *c.StaleTimeout, err)
		}
	}
	if c.ReadTimeout != nil && *c.ReadTimeout != "" {
		if _, err := time.ParseDuration(*c.ReadTimeout); err != nil {
			return fmt.Errorf("invalid read_timeout '%s': %w", *c.ReadTimeout, err)
		}
	}
	if _, err := c.PortOptions().Normalize(); err != nil {
		return err
	}
	return nil
}

// GetPort returns the configured serial port path, empty when unset.
func (c *Config) GetPort() string {
	if c.Port == nil {
		return ""
	}
	return *c.Port
}

// PortOptions assembles the serial link options.
func (c *Config) PortOptions() serialport.Options {
	opts := serialport.Options{}
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetWindowSize returns the smoothing window size or the default.
func (c *Config) GetWindowSize() int {
	if c.WindowSize == nil {
		return 10
	}
	return *c.WindowSize
}

// GetSeriesCapacity returns the series store capacity or the default.
func (c *Config) GetSeriesCapacity() int {
	if c.SeriesCapacity == nil {
		return 500
	}
	return *c.SeriesCapacity
}

// GetMinFrameFields returns the minimum required frame field count. The
// exact count is a contract with the firmware: older sketches omit the two
// pulse diagnostics.
func (c *Config) GetMinFrameFields() int {
	if c.MinFrameFields == nil {
		return 4
	}
	return *c.MinFrameFields
}

// GetDelimiter returns the frame field delimiter or the default comma.
func (c *Config) GetDelimiter() string {
	if c.Delimiter == nil || *c.Delimiter == "" {
		return ","
	}
	return *c.Delimiter
}

// GetStaleTimeout parses and returns the staleness timeout.
func (c *Config) GetStaleTimeout() time.Duration {
	if c.StaleTimeout == nil || *c.StaleTimeout == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.StaleTimeout)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// GetReadTimeout parses and returns the bounded read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	if c.ReadTimeout == nil || *c.ReadTimeout == "" {
		return time.Second // default
	}
	d, err := time.ParseDuration(*c.ReadTimeout)
	if err != nil {
		return time.Second // default on parse error
	}
	return d
}

// GetDatabasePath returns the archive path or the default.
func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "flowmeter.db"
	}
	return *c.DatabasePath
}

// GetArchiveEnabled reports whether the sqlite archive is on.
func (c *Config) GetArchiveEnabled() bool {
	if c.ArchiveEnabled == nil {
		return true
	}
	return *c.ArchiveEnabled
}
