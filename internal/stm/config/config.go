// Package config loads runtime configuration from a TOML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"golang.org/x/mod/semver"

	"github.com/kolkov/orecstm/internal/stm/orec"
)

// Environment variables consulted by Load.
const (
	EnvConfig    = "STM_CONFIG"
	EnvAlgorithm = "STM_ALGORITHM"
	EnvLogLevel  = "STM_LOG_LEVEL"
)

// SchemaVersion is the configuration schema this build understands. Files
// declaring another major version are rejected.
const SchemaVersion = "v1.0.0"

const (
	defaultAlgorithm        = "OrecELA"
	defaultOrecTableBits    = 16
	defaultWriteSetCapacity = 64
	defaultReadLogCapacity  = 64
	defaultMaxThreads       = 256
	defaultMinBackoff       = time.Microsecond
	defaultMaxBackoff       = time.Millisecond
	defaultSampleRate       = 100
	defaultNamespace        = "stm"

	// maxThreadLimit keeps thread ids well inside the lock word's owner field.
	maxThreadLimit = 1 << 20
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("stm: invalid config")

// Config is the runtime configuration.
type Config struct {
	SchemaVersion string `toml:"schema-version" json:"schema-version"`

	Algorithm        string `toml:"algorithm" json:"algorithm"`
	OrecTableBits    uint   `toml:"orec-table-bits" json:"orec-table-bits"`
	OrecHash         string `toml:"orec-hash" json:"orec-hash"`
	WriteSetCapacity int    `toml:"write-set-capacity" json:"write-set-capacity"`
	ReadLogCapacity  int    `toml:"read-log-capacity" json:"read-log-capacity"`
	// LazyReadHashing logs read addresses and maps them to orecs only when
	// validating.
	LazyReadHashing bool `toml:"lazy-read-hashing" json:"lazy-read-hashing"`
	MaxThreads      int  `toml:"max-threads" json:"max-threads"`
	// MaxRetries bounds attempts per Atomically call. Zero retries forever.
	MaxRetries int `toml:"max-retries" json:"max-retries"`

	Contention ContentionConfig `toml:"contention" json:"contention"`
	Trace      TraceConfig      `toml:"trace" json:"trace"`
	Metrics    MetricsConfig    `toml:"metrics" json:"metrics"`
	Log        log.Config       `toml:"log" json:"log"`

	// WarningMsgs collects non-fatal problems found while loading.
	WarningMsgs []string `toml:"-" json:"-"`
}

// ContentionConfig selects the contention manager.
type ContentionConfig struct {
	Policy     string   `toml:"policy" json:"policy"`
	MinBackoff Duration `toml:"min-backoff" json:"min-backoff"`
	MaxBackoff Duration `toml:"max-backoff" json:"max-backoff"`
}

// TraceConfig controls abort-site sampling.
type TraceConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	SampleRate uint64 `toml:"sample-rate" json:"sample-rate"`
}

// MetricsConfig controls prometheus export.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	Namespace string `toml:"namespace" json:"namespace"`
}

// Duration is a time.Duration written as a string such as "10us" in TOML.
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration { return Duration{d} }

// MarshalText renders the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.adjust()
	return c
}

// Load builds a configuration from defaults, the TOML file at path (or at
// $STM_CONFIG when path is empty), and environment overrides, then
// validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	c := &Config{}
	if path != "" {
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, errors.Annotatef(err, "load config %s", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			c.WarningMsgs = append(c.WarningMsgs,
				"config contains undefined item: "+strings.Join(keys, ", "))
		}
	}
	c.applyEnv()
	c.adjust()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes TOML text, applies defaults and validates. Environment
// variables are not consulted.
func Parse(text string) (*Config, error) {
	c := &Config{}
	if _, err := toml.Decode(text, c); err != nil {
		return nil, errors.Trace(err)
	}
	c.adjust()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAlgorithm); v != "" {
		c.Algorithm = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func adjustString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func adjustInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func adjustDuration(v *Duration, def time.Duration) {
	if v.Duration == 0 {
		v.Duration = def
	}
}

// adjust fills zero fields with defaults.
func (c *Config) adjust() {
	adjustString(&c.SchemaVersion, SchemaVersion)
	adjustString(&c.Algorithm, defaultAlgorithm)
	if c.OrecTableBits == 0 {
		c.OrecTableBits = defaultOrecTableBits
	}
	adjustString(&c.OrecHash, string(orec.HashFibonacci))
	adjustInt(&c.WriteSetCapacity, defaultWriteSetCapacity)
	adjustInt(&c.ReadLogCapacity, defaultReadLogCapacity)
	adjustInt(&c.MaxThreads, defaultMaxThreads)

	adjustString(&c.Contention.Policy, "backoff")
	adjustDuration(&c.Contention.MinBackoff, defaultMinBackoff)
	adjustDuration(&c.Contention.MaxBackoff, defaultMaxBackoff)

	if c.Trace.SampleRate == 0 {
		c.Trace.SampleRate = defaultSampleRate
	}
	adjustString(&c.Metrics.Namespace, defaultNamespace)
	adjustString(&c.Log.Level, "info")
}

func invalid(format string, args ...any) error {
	return errors.Annotate(ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if !semver.IsValid(c.SchemaVersion) {
		return invalid("schema-version %q is not a semantic version", c.SchemaVersion)
	}
	if semver.Major(c.SchemaVersion) != semver.Major(SchemaVersion) {
		return invalid("schema-version %s is incompatible with %s", c.SchemaVersion, SchemaVersion)
	}
	if c.OrecTableBits < orec.MinBits || c.OrecTableBits > orec.MaxBits {
		return invalid("orec-table-bits %d out of range [%d, %d]", c.OrecTableBits, orec.MinBits, orec.MaxBits)
	}
	switch orec.HashKind(c.OrecHash) {
	case orec.HashFibonacci, orec.HashFarm:
	default:
		return invalid("orec-hash %q", c.OrecHash)
	}
	if c.WriteSetCapacity < 0 || c.ReadLogCapacity < 0 {
		return invalid("log capacities must not be negative")
	}
	if c.MaxThreads < 1 || c.MaxThreads > maxThreadLimit {
		return invalid("max-threads %d out of range [1, %d]", c.MaxThreads, maxThreadLimit)
	}
	if c.MaxRetries < 0 {
		return invalid("max-retries %d is negative", c.MaxRetries)
	}
	switch c.Contention.Policy {
	case "none", "backoff":
	default:
		return invalid("contention policy %q", c.Contention.Policy)
	}
	if c.Contention.MinBackoff.Duration > c.Contention.MaxBackoff.Duration {
		return invalid("min-backoff %s exceeds max-backoff %s",
			c.Contention.MinBackoff, c.Contention.MaxBackoff)
	}
	return nil
}

// String renders the configuration as TOML.
func (c *Config) String() string {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "<invalid config>"
	}
	return b.String()
}
