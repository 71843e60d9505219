// Package config handles widow.toml VM configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/chazu/widow/pkg/bytecode"
	"github.com/chazu/widow/vm"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "widow.toml"

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents a widow.toml file.
type Config struct {
	VM  VMSection  `toml:"vm"`
	GC  GCSection  `toml:"gc"`
	Log LogSection `toml:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// VMSection configures the interpreter.
type VMSection struct {
	RegisterFileSize int  `toml:"register-file-size"`
	MaxCallDepth     int  `toml:"max-call-depth"`
	Trace            bool `toml:"trace"`
}

// GCSection configures the heap and collector.
type GCSection struct {
	YoungSize          int     `toml:"young-size"`
	OldSize            int     `toml:"old-size"`
	PromotionThreshold int     `toml:"promotion-threshold"`
	Verify             bool    `toml:"verify"`
	ManualCollect      bool    `toml:"manual-collect"`
	MajorThreshold     float64 `toml:"major-threshold"`
}

// LogSection configures logging.
type LogSection struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	vc := vm.DefaultConfig()
	return &Config{
		VM: VMSection{
			RegisterFileSize: vc.RegisterFileSize,
			MaxCallDepth:     vc.MaxCallDepth,
		},
		GC: GCSection{
			YoungSize:          vc.Heap.YoungSize,
			OldSize:            vc.Heap.OldSize,
			PromotionThreshold: vc.Heap.PromotionThreshold,
		},
	}
}

// Load parses a widow.toml file from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses the configuration file at path. Keys missing from the
// file keep their defaults; unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes configuration text over the defaults and validates it.
func Parse(text string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(text, c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a widow.toml file, then loads
// and returns it. Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	switch {
	case c.VM.RegisterFileSize < bytecode.NumRegisters:
		return fmt.Errorf("%w: vm.register-file-size %d is smaller than one %d-register window",
			ErrInvalid, c.VM.RegisterFileSize, bytecode.NumRegisters)
	case c.VM.MaxCallDepth <= 0:
		return fmt.Errorf("%w: vm.max-call-depth must be positive, got %d", ErrInvalid, c.VM.MaxCallDepth)
	case c.GC.YoungSize <= 0:
		return fmt.Errorf("%w: gc.young-size must be positive, got %d", ErrInvalid, c.GC.YoungSize)
	case c.GC.OldSize <= 0:
		return fmt.Errorf("%w: gc.old-size must be positive, got %d", ErrInvalid, c.GC.OldSize)
	case c.GC.PromotionThreshold <= 0 || c.GC.PromotionThreshold > 255:
		return fmt.Errorf("%w: gc.promotion-threshold must be in 1..255, got %d", ErrInvalid, c.GC.PromotionThreshold)
	case c.GC.MajorThreshold < 0 || c.GC.MajorThreshold > 1:
		return fmt.Errorf("%w: gc.major-threshold must be in 0..1, got %g", ErrInvalid, c.GC.MajorThreshold)
	case c.Log.Verbosity < 0:
		return fmt.Errorf("%w: log.verbosity must not be negative, got %d", ErrInvalid, c.Log.Verbosity)
	}
	return nil
}

// VMConfig converts the file settings into a vm.Config.
func (c *Config) VMConfig() vm.Config {
	return vm.Config{
		RegisterFileSize: c.VM.RegisterFileSize,
		MaxCallDepth:     c.VM.MaxCallDepth,
		Trace:            c.VM.Trace,
		Heap: vm.HeapConfig{
			YoungSize:          c.GC.YoungSize,
			OldSize:            c.GC.OldSize,
			PromotionThreshold: c.GC.PromotionThreshold,
			Verify:             c.GC.Verify,
			ManualCollect:      c.GC.ManualCollect,
			MajorThreshold:     c.GC.MajorThreshold,
		},
	}
}

// LogFile returns the configured log file, or nil for stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	path := c.Log.File
	if !filepath.IsAbs(path) && c.Path != "" {
		path = filepath.Join(filepath.Dir(c.Path), path)
	}
	return &path
}
