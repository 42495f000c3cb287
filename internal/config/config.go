// Package config loads workspace settings from .htmlgraph/config.yaml.
//
// Precedence, lowest first: Default(), the YAML file, HTMLGRAPH_*
// environment variables. Command-line flags are applied by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

const (
	// Dir is the workspace state directory, relative to the project root.
	Dir = ".htmlgraph"
	// FileName is the config file inside Dir.
	FileName = "config.yaml"
)

// Environment variables read by Load and FindRoot.
const (
	EnvRoot         = "HTMLGRAPH_ROOT"
	EnvAgent        = "HTMLGRAPH_AGENT"
	EnvSession      = "HTMLGRAPH_SESSION_ID"
	EnvAddr         = "HTMLGRAPH_ADDR"
	EnvPollInterval = "HTMLGRAPH_POLL_INTERVAL"
	EnvLogLevel     = "HTMLGRAPH_LOG_LEVEL"
)

// Config is the resolved configuration of one workspace.
type Config struct {
	// Root is the project directory holding Dir. It is never read from
	// the file.
	Root string `yaml:"-"`

	Agent     string          `yaml:"agent,omitempty"`
	Session   string          `yaml:"-"`
	LogLevel  string          `yaml:"log_level"`
	Index     IndexConfig     `yaml:"index"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// IndexConfig tunes the analytics index.
type IndexConfig struct {
	// Path is relative to the state directory unless absolute.
	Path         string   `yaml:"path"`
	BusyTimeout  Duration `yaml:"busy_timeout"`
	RetryBase    Duration `yaml:"retry_base"`
	MaxRetries   int      `yaml:"max_retries"`
	BusyDeadline Duration `yaml:"busy_deadline"`
}

// BroadcastConfig tunes the push server.
type BroadcastConfig struct {
	Addr         string   `yaml:"addr"`
	PollInterval Duration `yaml:"poll_interval"`
	SendTimeout  Duration `yaml:"send_timeout"`
	Buffer       int      `yaml:"buffer"`
	BatchSize    int      `yaml:"batch_size"`
	Retention    Duration `yaml:"retention"`
}

// AnalyticsConfig tunes dependency analytics.
type AnalyticsConfig struct {
	SPOFThreshold int `yaml:"spof_threshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Index: IndexConfig{
			Path:         "index.db",
			BusyTimeout:  Duration(250 * time.Millisecond),
			RetryBase:    Duration(10 * time.Millisecond),
			MaxRetries:   8,
			BusyDeadline: Duration(2 * time.Second),
		},
		Broadcast: BroadcastConfig{
			Addr:         "127.0.0.1:8765",
			PollInterval: Duration(250 * time.Millisecond),
			SendTimeout:  Duration(2 * time.Second),
			Buffer:       64,
			BatchSize:    200,
			Retention:    Duration(24 * time.Hour),
		},
		Analytics: AnalyticsConfig{SPOFThreshold: 2},
	}
}

// Load resolves the configuration of the workspace at root.
// getenv is usually os.Getenv.
func Load(root string, getenv func(string) string) (Config, error) {
	cfg := Default()
	cfg.Root = root

	data, err := os.ReadFile(filepath.Join(root, Dir, FileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", FileName, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("reading %s: %w", FileName, err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvAgent); v != "" {
		c.Agent = v
	}
	if v := getenv(EnvSession); v != "" {
		c.Session = v
	}
	if v := getenv(EnvAddr); v != "" {
		c.Broadcast.Addr = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		c.Broadcast.PollInterval = Duration(d)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return ir.NewError(ir.ErrCodeInvalidArgument, "config.Validate", "", fmt.Sprintf(format, args...))
	}
	if _, err := c.Level(); err != nil {
		return invalid("log_level: %v", err)
	}
	if c.Index.Path == "" {
		return invalid("index.path is required")
	}
	if c.Index.BusyTimeout <= 0 || c.Index.BusyDeadline <= 0 {
		return invalid("index busy_timeout and busy_deadline must be positive")
	}
	if c.Index.MaxRetries < 0 {
		return invalid("index.max_retries must not be negative")
	}
	if c.Broadcast.PollInterval <= 0 {
		return invalid("broadcast.poll_interval must be positive")
	}
	if c.Broadcast.SendTimeout <= 0 {
		return invalid("broadcast.send_timeout must be positive")
	}
	if c.Broadcast.Buffer < 1 || c.Broadcast.BatchSize < 1 {
		return invalid("broadcast buffer and batch_size must be at least 1")
	}
	if c.Analytics.SPOFThreshold < 0 {
		return invalid("analytics.spof_threshold must not be negative")
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}

// StateDir is <root>/.htmlgraph.
func (c Config) StateDir() string { return filepath.Join(c.Root, Dir) }

// NodesDir holds one subdirectory per node type.
func (c Config) NodesDir() string { return filepath.Join(c.StateDir(), "nodes") }

// EventsDir holds the per-session journals.
func (c Config) EventsDir() string { return filepath.Join(c.StateDir(), "events") }

// SessionsDir holds session records.
func (c Config) SessionsDir() string { return filepath.Join(c.StateDir(), "sessions") }

// IndexPath is the analytics database file.
func (c Config) IndexPath() string {
	if filepath.IsAbs(c.Index.Path) {
		return c.Index.Path
	}
	return filepath.Join(c.StateDir(), c.Index.Path)
}

// FindRoot picks the project root: flag, then HTMLGRAPH_ROOT, then the
// nearest ancestor of cwd containing .htmlgraph.
func FindRoot(flag string, getenv func(string) string, cwd string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := getenv(EnvRoot); env != "" {
		return filepath.Abs(env)
	}
	dir, err := filepath.Abs(cwd)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, Dir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ir.NewError(ir.ErrCodeNotFound, "config.FindRoot", cwd,
				"no "+Dir+" directory found; run `htmlgraph init`")
		}
		dir = parent
	}
}

// Init creates the state directory under root and writes a default config
// file unless one exists. It returns the config file path.
func Init(root string) (string, error) {
	dir := filepath.Join(root, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", Dir, err)
	}
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", FileName, err)
	}
	return path, nil
}

// Duration is a time.Duration written as a Go duration string in YAML.
// Bare integers are read as milliseconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	s := strings.TrimSpace(value.Value)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}
