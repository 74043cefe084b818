// Package config holds the sandbox configuration and its YAML encoding.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/memory"
	"github.com/wippyai/wasm-sandbox/pool"
)

// Defaults applied by WithDefaults.
const (
	DefaultEngine             = "interpreter"
	DefaultHeapPages          = 2048
	DefaultPolicy             = pool.PolicyPool
	DefaultCapacity           = 64
	DefaultMaxIdlePerIdentity = 4
)

// Config configures a sandbox runtime.
type Config struct {
	// Engine names the adapter: interpreter, compiler (engine-a) or
	// jit (engine-b).
	Engine string `yaml:"engine"`

	// HeapPages is the linear memory ceiling in 64 KiB pages.
	HeapPages uint32 `yaml:"heap_pages"`

	// ExtraHeapPages extends the initial memory of every module.
	ExtraHeapPages uint32 `yaml:"extra_heap_pages,omitempty"`

	// OptLevel is default, none or speed.
	OptLevel string `yaml:"opt_level,omitempty"`

	InstanceReusePolicy pool.Policy `yaml:"instance_reuse_policy"`

	Pool Pool `yaml:"pool"`

	// CacheDir lets the engine keep compiled code on disk.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// ArtifactDir persists serialized artifacts by code identity.
	ArtifactDir string `yaml:"artifact_dir,omitempty"`

	// TableDispatcher is the export called by index based invocations. It
	// receives the table index as its first argument.
	TableDispatcher string `yaml:"table_dispatcher,omitempty"`

	// AllowMissingImports binds unresolved imports to functions that trap
	// when called instead of failing instantiation.
	AllowMissingImports bool `yaml:"allow_missing_imports,omitempty"`
}

// Pool bounds the instance pool.
type Pool struct {
	Capacity           int `yaml:"capacity"`
	MaxIdlePerIdentity int `yaml:"max_idle_per_identity"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Engine == "" {
		c.Engine = DefaultEngine
	}
	if c.HeapPages == 0 {
		c.HeapPages = DefaultHeapPages
	}
	if c.InstanceReusePolicy == "" {
		c.InstanceReusePolicy = DefaultPolicy
	}
	if c.Pool.Capacity == 0 {
		c.Pool.Capacity = DefaultCapacity
	}
	if c.Pool.MaxIdlePerIdentity == 0 {
		c.Pool.MaxIdlePerIdentity = DefaultMaxIdlePerIdentity
	}
	return c
}

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	if c.Engine == "" {
		return invalid("engine is required")
	}
	if c.HeapPages == 0 || c.HeapPages > memory.MaxPages {
		return invalid(fmt.Sprintf("heap_pages must be between 1 and %d, got %d", memory.MaxPages, c.HeapPages))
	}
	if c.ExtraHeapPages > memory.MaxPages {
		return invalid(fmt.Sprintf("extra_heap_pages must not exceed %d, got %d", memory.MaxPages, c.ExtraHeapPages))
	}
	if _, err := engine.ParseOptLevel(c.OptLevel); err != nil {
		return err
	}
	if _, err := pool.ParsePolicy(string(c.InstanceReusePolicy)); err != nil {
		return err
	}
	if c.Pool.Capacity < 0 {
		return invalid("pool.capacity must not be negative")
	}
	if c.Pool.MaxIdlePerIdentity < 0 {
		return invalid("pool.max_idle_per_identity must not be negative")
	}
	if c.Pool.Capacity > 0 && c.Pool.MaxIdlePerIdentity > c.Pool.Capacity {
		return invalid(fmt.Sprintf("pool.max_idle_per_identity %d exceeds pool.capacity %d",
			c.Pool.MaxIdlePerIdentity, c.Pool.Capacity))
	}
	return nil
}

// Policy returns the parsed reuse policy.
func (c Config) Policy() pool.Policy {
	p, err := pool.ParsePolicy(string(c.InstanceReusePolicy))
	if err != nil {
		return DefaultPolicy
	}
	return p
}

// EngineName returns the canonical engine name.
func (c Config) EngineName() string {
	return engine.Canonical(c.Engine)
}

// CompileConfig returns the compile settings derived from c.
func (c Config) CompileConfig() engine.CompileConfig {
	level, _ := engine.ParseOptLevel(c.OptLevel)
	return engine.CompileConfig{HeapPages: c.HeapPages, ExtraHeapPages: c.ExtraHeapPages, OptLevel: level}
}

// Parse decodes YAML, applies defaults and validates the result. Unknown
// fields are rejected.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !stderrors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode config")
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read config")
	}
	return Parse(data)
}

// Marshal encodes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func invalid(detail string) error {
	return errors.InvalidInput(errors.PhaseConfig, detail)
}
