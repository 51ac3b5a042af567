package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical scan defaults file.
// This is the single source of truth for all default scan values.
const DefaultConfigPath = "config/scan.defaults.json"

// ScanConfig represents the root configuration for the scan daemon. Fields
// are pointers so a partial JSON file overrides only what it names; the Get*
// methods provide fallback defaults for anything left unset.
type ScanConfig struct {
	// Bus timing params
	AdcHalfPeriod *int `json:"adc_half_period,omitempty"`
	AdcLatency    *int `json:"adc_latency,omitempty"`

	// Pipeline params
	FIFODepth     *int    `json:"fifo_depth,omitempty"`
	InFlightLimit *int    `json:"in_flight_limit,omitempty"`
	Loopback      *string `json:"loopback,omitempty"` // "off", "x", or "dwell"

	// Default raster region
	XCount *int `json:"x_count,omitempty"`
	YCount *int `json:"y_count,omitempty"`

	// Host params
	ListenAddr *string `json:"listen_addr,omitempty"`
	DBPath     *string `json:"db_path,omitempty"`

	// Serial link params
	SerialBaudRate *int `json:"serial_baud_rate,omitempty"`
}

// EmptyScanConfig returns a ScanConfig with all fields set to nil.
// Use LoadScanConfig to load actual values from a config file.
func EmptyScanConfig() *ScanConfig {
	return &ScanConfig{}
}

// LoadScanConfig loads a ScanConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadScanConfig(path string) (*ScanConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
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

	cfg := EmptyScanConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *ScanConfig) Validate() error {
	if c.AdcHalfPeriod != nil && *c.AdcHalfPeriod < 2 {
		return fmt.Errorf("adc_half_period must be at least 2, got %d", *c.AdcHalfPeriod)
	}

	if c.AdcLatency != nil && *c.AdcLatency < 1 {
		return fmt.Errorf("adc_latency must be at least 1, got %d", *c.AdcLatency)
	}

	if c.FIFODepth != nil && *c.FIFODepth < 1 {
		return fmt.Errorf("fifo_depth must be at least 1, got %d", *c.FIFODepth)
	}

	if c.InFlightLimit != nil && *c.InFlightLimit < 1 {
		return fmt.Errorf("in_flight_limit must be at least 1, got %d", *c.InFlightLimit)
	}

	if c.Loopback != nil {
		switch *c.Loopback {
		case "", "off", "x", "dwell":
		default:
			return fmt.Errorf("loopback must be one of off, x, dwell; got %q", *c.Loopback)
		}
	}

	if c.XCount != nil && (*c.XCount < 1 || *c.XCount > 16384) {
		return fmt.Errorf("x_count must be between 1 and 16384, got %d", *c.XCount)
	}
	if c.YCount != nil && (*c.YCount < 1 || *c.YCount > 16384) {
		return fmt.Errorf("y_count must be between 1 and 16384, got %d", *c.YCount)
	}

	if c.SerialBaudRate != nil && *c.SerialBaudRate <= 0 {
		return fmt.Errorf("serial_baud_rate must be positive, got %d", *c.SerialBaudRate)
	}

	return nil
}

// GetAdcHalfPeriod returns the adc_half_period value or the default.
func (c *ScanConfig) GetAdcHalfPeriod() int {
	if c.AdcHalfPeriod == nil {
		return 3 // default
	}
	return *c.AdcHalfPeriod
}

// GetAdcLatency returns the adc_latency value or the default.
func (c *ScanConfig) GetAdcLatency() int {
	if c.AdcLatency == nil {
		return 6 // default
	}
	return *c.AdcLatency
}

// GetFIFODepth returns the fifo_depth value or the default.
func (c *ScanConfig) GetFIFODepth() int {
	if c.FIFODepth == nil {
		return 512 // default
	}
	return *c.FIFODepth
}

// GetInFlightLimit returns the in_flight_limit value or the default.
func (c *ScanConfig) GetInFlightLimit() int {
	if c.InFlightLimit == nil {
		return 16 // default
	}
	return *c.InFlightLimit
}

// GetLoopback returns the loopback mode or the default.
func (c *ScanConfig) GetLoopback() string {
	if c.Loopback == nil || *c.Loopback == "" {
		return "x" // default: echo X coordinate in dev mode
	}
	return *c.Loopback
}

// GetXCount returns the x_count value or the default.
func (c *ScanConfig) GetXCount() int {
	if c.XCount == nil {
		return 512
	}
	return *c.XCount
}

// GetYCount returns the y_count value or the default.
func (c *ScanConfig) GetYCount() int {
	if c.YCount == nil {
		return 512
	}
	return *c.YCount
}

// GetListenAddr returns the listen_addr value or the default.
func (c *ScanConfig) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return ":8980"
	}
	return *c.ListenAddr
}

// GetDBPath returns the db_path value or the default.
func (c *ScanConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "scan.db"
	}
	return *c.DBPath
}

// GetSerialBaudRate returns the serial_baud_rate value or the default.
func (c *ScanConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 921600
	}
	return *c.SerialBaudRate
}
