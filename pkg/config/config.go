// Package config loads canvasflow settings.
//
// Precedence, lowest first: Defaults, the YAML file, CANVASFLOW_* environment
// variables, command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ravi-parthasarathy/canvasflow/pkg/graph"
	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

// Config is the full settings file.
type Config struct {
	// DefaultModel is a "provider:model" id used by call nodes that name none.
	DefaultModel string `yaml:"default_model"`
	// Models maps short aliases to "provider:model" ids.
	Models map[string]string `yaml:"models"`
	// CallDefaults sit under every call node's own config
	// (temperature, max_tokens, system, ...).
	CallDefaults map[string]string `yaml:"call_defaults"`

	VaultDir string `yaml:"vault_dir"`

	ReceiverURL  string        `yaml:"receiver_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	// HTTPTemplates are named requests HTTP nodes can refer to.
	HTTPTemplates map[string]graph.HTTPTemplate `yaml:"http_templates"`

	Log LogConfig `yaml:"log"`

	MetricsAddr string `yaml:"metrics_addr"`
	Mock        bool   `yaml:"mock"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Defaults returns a configuration that works without a file.
func Defaults() *Config {
	return &Config{
		DefaultModel: "anthropic:claude-sonnet-4-6",
		Models:       map[string]string{},
		CallDefaults: map[string]string{},
		VaultDir:     ".",
		PollInterval: 2 * time.Second,
		HTTPTimeout:  30 * time.Second,
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over Defaults and applies the environment. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer func() { _ = f.Close() }()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	for name, t := range cfg.HTTPTemplates {
		if t.Name == "" {
			t.Name = name
			cfg.HTTPTemplates[name] = t
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const envPrefix = "CANVASFLOW_"

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"DEFAULT_MODEL": &c.DefaultModel,
		"VAULT_DIR":     &c.VaultDir,
		"RECEIVER_URL":  &c.ReceiverURL,
		"METRICS_ADDR":  &c.MetricsAddr,
		"LOG_LEVEL":     &c.Log.Level,
		"LOG_FORMAT":    &c.Log.Format,
	}
	for k, p := range strs {
		if v := getenv(envPrefix + k); v != "" {
			*p = v
		}
	}
	if v := getenv(envPrefix + "MOCK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMOCK: %w", envPrefix, err)
		}
		c.Mock = b
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultModel != "" {
		if _, err := c.resolve(c.DefaultModel); err != nil {
			errs = append(errs, fmt.Errorf("default_model: %w", err))
		}
	}
	for alias, id := range c.Models {
		if _, _, err := llm.ParseModelID(id); err != nil {
			errs = append(errs, fmt.Errorf("models.%s: %w", alias, err))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("poll_interval: must not be negative"))
	}
	for name, t := range c.HTTPTemplates {
		if t.URL == "" {
			errs = append(errs, fmt.Errorf("http_templates.%s: url is required", name))
		}
	}
	return errors.Join(errs...)
}

// resolve maps an alias to its model id and checks the result. Call nodes
// qualify a bare model name with the default provider, so the name part of
// "provider:alias" is looked up too.
func (c *Config) resolve(id string) (string, error) {
	if full, ok := c.Models[id]; ok {
		id = full
	} else if _, name, err := llm.ParseModelID(id); err == nil {
		if full, ok := c.Models[name]; ok {
			id = full
		}
	}
	if _, _, err := llm.ParseModelID(id); err != nil {
		return "", err
	}
	return id, nil
}

// Settings are the run-wide call defaults.
func (c *Config) Settings() graph.Settings {
	defaults := make(map[string]string, len(c.CallDefaults))
	for k, v := range c.CallDefaults {
		defaults[k] = v
	}
	return graph.Settings{DefaultModel: c.DefaultModel, Defaults: defaults}
}

// Clients returns a client factory that understands model aliases.
func (c *Config) Clients() graph.ClientFactory {
	return func(modelID string) (llm.Client, error) {
		id, err := c.resolve(modelID)
		if err != nil {
			return nil, err
		}
		return llm.NewClient(id)
	}
}
