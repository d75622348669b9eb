// Package manifest handles kernelize.toml and kernelize.yaml project
// configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// FileNames are the manifest names searched for, in order.
var FileNames = []string{"kernelize.toml", "kernelize.yaml", "kernelize.yml"}

// ErrInvalid reports a manifest that does not match the schema.
var ErrInvalid = errors.New("invalid manifest")

// Manifest represents a kernelize project configuration.
type Manifest struct {
	Project   Project   `toml:"project" yaml:"project"`
	Translate Translate `toml:"translate" yaml:"translate"`
	Toolchain Toolchain `toml:"toolchain" yaml:"toolchain"`
	Cache     Cache     `toml:"cache" yaml:"cache"`
	Emulator  Emulator  `toml:"emulator" yaml:"emulator"`
	Log       Log       `toml:"log" yaml:"log"`

	// Dir is the directory containing the manifest (set at load time).
	Dir string `toml:"-" yaml:"-"`
	// Path is the manifest file (set at load time).
	Path string `toml:"-" yaml:"-"`
}

// Project names the assembly image and the methods to translate.
type Project struct {
	Name    string   `toml:"name" yaml:"name"`
	Image   string   `toml:"image" yaml:"image"`
	Methods []string `toml:"methods" yaml:"methods"`
}

// Translate selects the translation target.
type Translate struct {
	Dialect  string `toml:"dialect" yaml:"dialect"`
	Arch     string `toml:"arch" yaml:"arch"`
	FailFast bool   `toml:"fail_fast" yaml:"fail_fast"`
	Workers  int    `toml:"workers" yaml:"workers"`
}

// Toolchain configures the native toolchains.
type Toolchain struct {
	NVCC      string   `toml:"nvcc" yaml:"nvcc"`
	NVCCFlags []string `toml:"nvcc_flags" yaml:"nvcc_flags"`
	// OpenCLChecker is a command run on emitted OpenCL source.
	OpenCLChecker []string `toml:"opencl_checker" yaml:"opencl_checker"`
}

// Cache configures the durable module cache.
type Cache struct {
	Enabled *bool  `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Emulator sizes the emulated devices.
type Emulator struct {
	// Memory is a byte size such as "512MiB".
	Memory             string `toml:"memory" yaml:"memory"`
	WarpSize           int    `toml:"warp_size" yaml:"warp_size"`
	MaxThreadsPerBlock int    `toml:"max_threads_per_block" yaml:"max_threads_per_block"`
	Devices            int    `toml:"devices" yaml:"devices"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity"`
	File      string `toml:"file" yaml:"file"`
}

// Load parses the manifest in the given directory.
func Load(dir string) (*Manifest, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("no manifest in %s: %w", dir, os.ErrNotExist)
}

// LoadFile parses and validates a manifest file. The format follows the
// file extension.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var (
		m   Manifest
		raw map[string]any
	)
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	} else {
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	}
	if err := Validate(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	m.Dir = filepath.Dir(m.Path)
	m.applyDefaults()
	return &m, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (m *Manifest) applyDefaults() {
	if m.Project.Name == "" {
		m.Project.Name = filepath.Base(m.Dir)
	}
	if m.Project.Image == "" {
		m.Project.Image = m.Project.Name + ".kzim"
	}
	if m.Translate.Dialect == "" {
		m.Translate.Dialect = "cuda"
	}
	if m.Translate.Arch == "" {
		m.Translate.Arch = "emulator"
	}
	if m.Toolchain.NVCC == "" {
		m.Toolchain.NVCC = "nvcc"
	}
	if m.Cache.Path == "" {
		m.Cache.Path = filepath.Join(".kernelize", "modules.db")
	}
	if m.Emulator.Memory == "" {
		m.Emulator.Memory = "1GiB"
	}
}

// FindAndLoad walks up from startDir to find a manifest, then loads and
// returns it. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return LoadFile(path)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ImagePath returns the absolute path of the assembly image.
func (m *Manifest) ImagePath() string {
	return m.resolve(m.Project.Image)
}

// CachePath returns the absolute path of the module cache database.
func (m *Manifest) CachePath() string {
	return m.resolve(m.Cache.Path)
}

// CacheEnabled reports whether translations go through the module cache.
// The cache is on unless disabled explicitly.
func (m *Manifest) CacheEnabled() bool {
	return m.Cache.Enabled == nil || *m.Cache.Enabled
}

// LogPath returns the absolute path of the log file, or "" for stderr.
func (m *Manifest) LogPath() string {
	if m.Log.File == "" {
		return ""
	}
	return m.resolve(m.Log.File)
}

// EmulatorMemory returns the emulated device memory in bytes.
func (m *Manifest) EmulatorMemory() (int64, error) {
	n, err := humanize.ParseBytes(m.Emulator.Memory)
	if err != nil {
		return 0, fmt.Errorf("%w: emulator memory %q: %v", ErrInvalid, m.Emulator.Memory, err)
	}
	return int64(n), nil
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
