package pollcache

import (
	"context"
	_ "embed"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"gopkg.in/yaml.v3"

	"github.com/jmgilman/pollcache/internal/logging"
	"github.com/jmgilman/pollcache/internal/retry"
	"github.com/jmgilman/pollcache/internal/store"
)

//go:embed schema.cue
var configSchema string

// Default configuration values.
const (
	DefaultPath = "data/poll_cache.db"
	DefaultTTL  = time.Hour

	maxDefaultTTL = 30 * 24 * time.Hour
)

// Compression settings.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Config holds the settings for a Cache.
type Config struct {
	// Path is the location of the backing file.
	Path string
	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration
	// BusyTimeout is how long a single store operation waits on a locked file.
	BusyTimeout time.Duration
	// MaxOpenConns bounds the store's connection pool.
	MaxOpenConns int
	// Compression selects the codec for new entries: "none" or "zstd".
	Compression string
	// Retry bounds retries of transient store failures.
	Retry RetryConfig
	// Log configures the built-in logger. It is ignored when WithLogger is used.
	Log LogConfig
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// LogConfig configures the built-in logger.
type LogConfig struct {
	// Level is one of debug, info, warn or error. Empty disables logging.
	Level string
}

// DefaultConfig returns a configuration with every field set to its default.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero fields with default values.
func (c *Config) SetDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = store.DefaultBusyTimeout
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = store.DefaultMaxOpenConns
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = retry.DefaultBaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = retry.DefaultMaxDelay
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch {
	case c.Path == "":
		return errors.New(errors.CodeInvalidConfig, "path must not be empty")
	case c.DefaultTTL <= 0:
		return errors.New(errors.CodeInvalidConfig, "default TTL must be positive")
	case c.DefaultTTL > maxDefaultTTL:
		return errors.Newf(errors.CodeInvalidConfig, "default TTL must not exceed %s", maxDefaultTTL)
	case c.BusyTimeout < 0:
		return errors.New(errors.CodeInvalidConfig, "busy timeout must not be negative")
	case c.MaxOpenConns < 0:
		return errors.New(errors.CodeInvalidConfig, "max open connections must not be negative")
	case c.Retry.MaxAttempts < 1:
		return errors.New(errors.CodeInvalidConfig, "retry max attempts must be at least 1")
	case c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0:
		return errors.New(errors.CodeInvalidConfig, "retry delays must not be negative")
	case c.Retry.MaxDelay < c.Retry.BaseDelay:
		return errors.New(errors.CodeInvalidConfig, "retry max delay must not be less than base delay")
	}

	if c.Compression != CompressionNone && c.Compression != CompressionZstd {
		return errors.Newf(errors.CodeInvalidConfig, "unknown compression %q", c.Compression)
	}
	if c.Log.Level != "" {
		if _, err := logging.ParseLogLevel(c.Log.Level); err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "invalid log level")
		}
	}
	return nil
}

func (c Config) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// fileConfig is the on-disk shape of a configuration file.
type fileConfig struct {
	Path         string `yaml:"path"`
	DefaultTTL   string `yaml:"default_ttl"`
	BusyTimeout  string `yaml:"busy_timeout"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Compression  string `yaml:"compression"`
	Retry        struct {
		MaxAttempts int    `yaml:"max_attempts"`
		BaseDelay   string `yaml:"base_delay"`
		MaxDelay    string `yaml:"max_delay"`
	} `yaml:"retry"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// LoadConfig reads a YAML configuration file, checks it against the embedded
// CUE schema and returns the validated configuration with defaults applied.
// A relative path inside the file is resolved against the file's directory.
func LoadConfig(ctx context.Context, path string) (Config, error) {
	return loadConfig(ctx, billy.NewLocal(), path)
}

func loadConfig(ctx context.Context, fsys core.FS, path string) (Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "failed to resolve config path")
	}

	data, err := fsys.ReadFile(abs)
	if err != nil {
		return Config{}, errors.WithContext(
			errors.Wrap(err, errors.CodeInvalidConfig, "failed to read config file"),
			"path", abs,
		)
	}

	cfg, err := ParseConfig(ctx, data)
	if err != nil {
		return Config{}, errors.WithContext(err, "path", abs)
	}
	if !filepath.IsAbs(cfg.Path) {
		cfg.Path = filepath.Join(filepath.Dir(abs), cfg.Path)
	}
	return cfg, nil
}

// ParseConfig parses and validates YAML configuration data.
func ParseConfig(ctx context.Context, data []byte) (Config, error) {
	if err := validateSchema(ctx, data); err != nil {
		return Config{}, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "failed to parse config file")
	}

	cfg := Config{
		Path:         fc.Path,
		MaxOpenConns: fc.MaxOpenConns,
		Compression:  fc.Compression,
		Retry:        RetryConfig{MaxAttempts: fc.Retry.MaxAttempts},
		Log:          LogConfig{Level: fc.Log.Level},
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"default_ttl", fc.DefaultTTL, &cfg.DefaultTTL},
		{"busy_timeout", fc.BusyTimeout, &cfg.BusyTimeout},
		{"retry.base_delay", fc.Retry.BaseDelay, &cfg.Retry.BaseDelay},
		{"retry.max_delay", fc.Retry.MaxDelay, &cfg.Retry.MaxDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, errors.WithContext(
				errors.Wrap(err, errors.CodeInvalidConfig, "invalid duration"),
				"field", d.name,
			)
		}
		*d.dst = parsed
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateSchema(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.CodeCUEValidationFailed, "context cancelled")
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "failed to parse config file")
	}
	if raw == nil {
		raw = map[string]any{}
	}

	cueCtx := cuecontext.New()
	schema := cueCtx.CompileString(configSchema).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return errors.Wrap(err, errors.CodeCUEBuildFailed, "config schema is invalid")
	}

	value := cueCtx.Encode(raw)
	if err := value.Err(); err != nil {
		return errors.Wrap(err, errors.CodeCUEValidationFailed, "config data is invalid")
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true), cue.Final(), cue.All()); err != nil {
		return errors.WithContext(
			errors.Wrap(err, errors.CodeCUEValidationFailed, "config file does not match schema"),
			"details", cueerrors.Details(err, nil),
		)
	}
	return nil
}
