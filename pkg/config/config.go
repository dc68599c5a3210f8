// Package config provides configuration loading and management for shapedesc.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Supported mesh artifact formats
const (
	MeshFormatVTK = "vtk"
	MeshFormatSTL = "stl"
)

// Supported aggregate table formats
const (
	FormatCSV    = "csv"
	FormatSQLite = "sqlite"
	FormatArrow  = "arrow"
)

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Processing parameters
	Processing struct {
		// TargetLabel is the label value of the structure to extract
		TargetLabel int `yaml:"targetLabel" toml:"target_label"`

		// Workers is the size of the worker pool. Zero or less means half
		// of the available CPU cores.
		Workers int `yaml:"workers" toml:"workers"`

		// MeshFormat selects the surface artifact format (vtk or stl)
		MeshFormat string `yaml:"meshFormat" toml:"mesh_format"`

		// DescribeOnly recomputes descriptors from existing surface meshes
		// instead of extracting them from label volumes
		DescribeOnly bool `yaml:"describeOnly" toml:"describe_only"`
	} `yaml:"processing" toml:"processing"`

	// Paths for inputs and artifacts
	Paths struct {
		// LabelsDir holds one label volume per scan
		LabelsDir string `yaml:"labelsDir" toml:"labels_dir"`

		// ScanList is a text file with one scan id per line. When empty the
		// ids are discovered from LabelsDir (or SurfacesDir in describe-only mode).
		ScanList string `yaml:"scanList" toml:"scan_list"`

		// SurfacesDir receives one surface mesh per scan
		SurfacesDir string `yaml:"surfacesDir" toml:"surfaces_dir"`

		// DescriptorsDir receives one descriptor record per scan and the
		// combined table
		DescriptorsDir string `yaml:"descriptorsDir" toml:"descriptors_dir"`

		// QCDir receives mask slice previews when enabled
		QCDir string `yaml:"qcDir" toml:"qc_dir"`
	} `yaml:"paths" toml:"paths"`

	// Output parameters
	Output struct {
		// Formats lists the aggregate table formats to write
		Formats []string `yaml:"formats" toml:"formats"`

		// SaveQCSlices writes orthogonal mask slices for every extracted scan
		SaveQCSlices bool `yaml:"saveQCSlices" toml:"save_qc_slices"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"output" toml:"output"`

	// Logging parameters
	Logging struct {
		// Logfile is a rotating log file; empty logs to stderr
		Logfile string `yaml:"logfile" toml:"logfile"`

		// MaxSize is the size in megabytes before the log file is rotated
		MaxSize int `yaml:"maxSize" toml:"max_log_size"`

		// MaxAge is the number of days rotated log files are kept
		MaxAge int `yaml:"maxAge" toml:"max_log_age"`

		// Level is one of debug, info, warn, error
		Level string `yaml:"level" toml:"level"`
	} `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.TargetLabel = 1
	cfg.Processing.Workers = DefaultWorkers()
	cfg.Processing.MeshFormat = MeshFormatVTK

	cfg.Paths.LabelsDir = "segmentations"
	cfg.Paths.SurfacesDir = "surfaces"
	cfg.Paths.DescriptorsDir = "descriptors"
	cfg.Paths.QCDir = "qc"

	cfg.Output.Formats = []string{FormatCSV}
	cfg.Output.SaveQCSlices = false
	cfg.Output.Verbose = true

	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 30
	cfg.Logging.Level = "info"

	return cfg
}

// DefaultWorkers returns half of the available cores, leaving headroom for
// the host machine.
func DefaultWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	defer f.Close()

	if isTOML(configPath) {
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		return nil
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	return enc.Close()
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Processing.MeshFormat {
	case MeshFormatVTK, MeshFormatSTL:
	default:
		return fmt.Errorf("unsupported mesh format %q (want %s or %s)",
			c.Processing.MeshFormat, MeshFormatVTK, MeshFormatSTL)
	}
	if !c.Processing.DescribeOnly && c.Paths.LabelsDir == "" {
		return fmt.Errorf("labels directory is required")
	}
	if c.Paths.SurfacesDir == "" || c.Paths.DescriptorsDir == "" {
		return fmt.Errorf("surfaces and descriptors directories are required")
	}
	for _, f := range c.Output.Formats {
		switch strings.ToLower(f) {
		case FormatCSV, FormatSQLite, FormatArrow:
		default:
			return fmt.Errorf("unsupported output format %q", f)
		}
	}
	return nil
}

// WantsFormat reports whether the given table format is enabled.
func (c *Config) WantsFormat(format string) bool {
	for _, f := range c.Output.Formats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
