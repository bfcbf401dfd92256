// Package config loads the YAML job file for dicomharvest runs. All values
// are optional; command line flags override them.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transfer syntax policies.
const (
	// TransferAuto writes raw payloads uncompressed and keeps recognised
	// codestreams encapsulated.
	TransferAuto = "auto"
	// TransferRawOnly rejects any payload that is not raw sized.
	TransferRawOnly = "raw_only"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is a dicomharvest job file.
type Config struct {
	// Output is the root under which study directories are created.
	Output string `yaml:"output"`
	// Extension of assembled files, without the dot.
	Extension string `yaml:"extension"`
	// UniqueSeriesDirs makes every series get a fresh directory, adding a
	// " (N)" suffix when the name is taken.
	UniqueSeriesDirs *bool `yaml:"unique_series_dirs,omitempty"`
	// Workers is the number of series assembled in parallel; 0 means one per
	// CPU.
	Workers        int               `yaml:"workers"`
	TransferSyntax string            `yaml:"transfer_syntax"`
	Overrides      map[string]string `yaml:"overrides,omitempty"`
	Index          bool              `yaml:"index"`
	Log            LogConfig         `yaml:"log"`
}

// LogConfig controls the run logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, receives the log through a size rotated writer.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no job file is given.
func Default() Config {
	unique := true
	return Config{
		Output:           "out",
		Extension:        "dcm",
		UniqueSeriesDirs: &unique,
		TransferSyntax:   TransferAuto,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Unique reports whether series directories must be fresh.
func (c Config) Unique() bool {
	return c.UniqueSeriesDirs == nil || *c.UniqueSeriesDirs
}

// Load reads a YAML job file, expands ${VAR} and ${VAR:-default} references
// and fills unset values from Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config file not found: %s", path)
		}
		return Config{}, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a job file held in memory.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills unset values from Default and canonicalises spelling.
func (c *Config) Normalize() {
	def := Default()
	if strings.TrimSpace(c.Output) == "" {
		c.Output = def.Output
	}
	c.Extension = strings.TrimPrefix(strings.TrimSpace(c.Extension), ".")
	if c.Extension == "" {
		c.Extension = def.Extension
	}
	if c.UniqueSeriesDirs == nil {
		c.UniqueSeriesDirs = def.UniqueSeriesDirs
	}
	c.TransferSyntax = strings.ToLower(strings.TrimSpace(c.TransferSyntax))
	if c.TransferSyntax == "" {
		c.TransferSyntax = def.TransferSyntax
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = def.Log.MaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = def.Log.MaxAgeDays
	}
}

// Validate reports the first invalid value.
func (c Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must be >= 0, got %d", ErrInvalidConfig, c.Workers)
	case strings.ContainsAny(c.Extension, `/\`):
		return fmt.Errorf("%w: extension %q contains a path separator", ErrInvalidConfig, c.Extension)
	case c.TransferSyntax != TransferAuto && c.TransferSyntax != TransferRawOnly:
		return fmt.Errorf("%w: transfer_syntax must be %q or %q, got %q",
			ErrInvalidConfig, TransferAuto, TransferRawOnly, c.TransferSyntax)
	case c.Log.Format != "text" && c.Log.Format != "json":
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalidConfig, c.Log.Format)
	case c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0:
		return fmt.Errorf("%w: log rotation values must be >= 0", ErrInvalidConfig)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level must be debug, info, warn or error, got %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default}. Unset variables without a
// default expand to the empty string.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		return groups[2]
	})
}
