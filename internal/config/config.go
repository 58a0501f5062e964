// Package config handles Kaizen configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nugget/kaizen/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./kaizen.yaml, ~/.config/kaizen/kaizen.yaml, /etc/kaizen/kaizen.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"kaizen.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kaizen", "kaizen.yaml"))
	}

	paths = append(paths, "/etc/kaizen/kaizen.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Kaizen configuration.
type Config struct {
	Listen    ListenConfig      `yaml:"listen"`
	DataDir   string            `yaml:"data_dir"`
	Paths     map[string]string `yaml:"paths"` // named prefixes, e.g. vault: ~/Documents/Finance
	LogLevel  string            `yaml:"log_level"`
	LogFormat string            `yaml:"log_format"` // text (default) or json
	Engine    EngineConfig      `yaml:"engine"`
	Backend   BackendConfig     `yaml:"backend"`
	Providers ProvidersConfig   `yaml:"providers"`
	Activity  ActivityConfig    `yaml:"activity"`
	MQTT      MQTTConfig        `yaml:"mqtt"`
}

// ListenConfig defines the control API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// EngineConfig is the YAML form of the improvement loop settings.
// Durations are Go duration strings; engine.ParseConfig converts them.
type EngineConfig struct {
	Autostart    bool `yaml:"autostart"`
	ResetEpsilon bool `yaml:"reset_epsilon"`

	Epsilon EpsilonConfig `yaml:"epsilon"`
	Rest    RestConfig    `yaml:"rest"`

	PausePoll        string `yaml:"pause_poll"`
	ExecutionTimeout string `yaml:"execution_timeout"`
	ObserveTimeout   string `yaml:"observe_timeout"`
	StaleAfter       string `yaml:"stale_after"`
	RecentWindow     int    `yaml:"recent_window"`
	BestLimit        int    `yaml:"best_limit"`
	FailureThreshold int    `yaml:"failure_threshold"`

	HandoffFile string             `yaml:"handoff_file"` // relative to data_dir
	Weights     map[string]float64 `yaml:"weights"`
	Actions     []ActionConfig     `yaml:"actions"`
	Keywords    []KeywordConfig    `yaml:"keywords"`
}

// EpsilonConfig controls the exploration schedule.
type EpsilonConfig struct {
	Initial float64 `yaml:"initial"`
	Min     float64 `yaml:"min"`
	Decay   float64 `yaml:"decay"`
}

// RestConfig controls inter-cycle delays.
type RestConfig struct {
	Default  string `yaml:"default"`
	Min      string `yaml:"min"`
	Max      string `yaml:"max"`
	Fallback string `yaml:"fallback"` // after failed cycles
}

// ActionConfig overrides one catalog entry.
type ActionConfig struct {
	ID        string `yaml:"id"`
	Dimension string `yaml:"dimension"`
	Label     string `yaml:"label"`
}

// KeywordConfig maps a phrase in a handoff's next task to an action.
type KeywordConfig struct {
	Phrase string `yaml:"phrase"`
	Action string `yaml:"action"`
}

// BackendConfig selects and configures the execution backend.
type BackendConfig struct {
	Kind   string              `yaml:"kind"` // claude (default) or ollama
	Claude ClaudeConfig        `yaml:"claude"`
	Ollama OllamaBackendConfig `yaml:"ollama"`
}

// ClaudeConfig configures the Claude Code CLI subprocess backend.
type ClaudeConfig struct {
	Bin          string   `yaml:"bin"`
	WorkDir      string   `yaml:"work_dir"`
	AllowedTools []string `yaml:"allowed_tools"`
	ExtraArgs    []string `yaml:"extra_args"`
}

// OllamaBackendConfig configures the Ollama streaming chat backend.
type OllamaBackendConfig struct {
	URL         string  `yaml:"url"`
	Model       string  `yaml:"model"`
	System      string  `yaml:"system"`
	Temperature float64 `yaml:"temperature"`
	NumCtx      int     `yaml:"num_ctx"`
}

// ProvidersConfig configures where dimension values are read from.
// Providers are consulted in order: file first, then Home Assistant.
type ProvidersConfig struct {
	File          FileProviderConfig          `yaml:"file"`
	HomeAssistant HomeAssistantProviderConfig `yaml:"homeassistant"`
}

// FileProviderConfig points at a YAML/JSON metrics document.
type FileProviderConfig struct {
	Path string `yaml:"path"`
}

// HomeAssistantProviderConfig maps dimensions to HA sensor entities.
type HomeAssistantProviderConfig struct {
	URL      string            `yaml:"url"`
	Token    string            `yaml:"token"`
	Entities map[string]string `yaml:"entities"` // dimension → entity_id or entity_id#attribute
}

// Configured reports whether Home Assistant reads are enabled.
func (c HomeAssistantProviderConfig) Configured() bool {
	return c.URL != "" && c.Token != "" && len(c.Entities) > 0
}

// ActivityConfig configures user-activity and data-change context.
type ActivityConfig struct {
	WatchDirs    []string `yaml:"watch_dirs"`
	WakeOnChange bool     `yaml:"wake_on_change"`
	Window       string   `yaml:"window"`
}

// MQTTConfig configures the optional MQTT status publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file, expands ${ENV} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8484
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	e := &c.Engine
	if e.Epsilon.Initial == 0 {
		e.Epsilon.Initial = 0.3
	}
	if e.Epsilon.Min == 0 {
		e.Epsilon.Min = 0.05
	}
	if e.Epsilon.Decay == 0 {
		e.Epsilon.Decay = 0.995
	}
	if e.Rest.Default == "" {
		e.Rest.Default = "15m"
	}
	if e.Rest.Min == "" {
		e.Rest.Min = "2m"
	}
	if e.Rest.Max == "" {
		e.Rest.Max = "2h"
	}
	if e.Rest.Fallback == "" {
		e.Rest.Fallback = "5m"
	}
	if e.PausePoll == "" {
		e.PausePoll = "30s"
	}
	if e.ExecutionTimeout == "" {
		e.ExecutionTimeout = "10m"
	}
	if e.ObserveTimeout == "" {
		e.ObserveTimeout = "2s"
	}
	if e.StaleAfter == "" {
		e.StaleAfter = "24h"
	}
	if e.RecentWindow == 0 {
		e.RecentWindow = 5
	}
	if e.BestLimit == 0 {
		e.BestLimit = 10
	}
	if e.FailureThreshold == 0 {
		e.FailureThreshold = 3
	}
	if e.HandoffFile == "" {
		e.HandoffFile = "handoff.json"
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = "claude"
	}
	if c.Backend.Claude.Bin == "" {
		c.Backend.Claude.Bin = "claude"
	}
	if c.Backend.Ollama.URL == "" {
		c.Backend.Ollama.URL = "http://localhost:11434"
	}
	if c.Activity.Window == "" {
		c.Activity.Window = "24h"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "kaizen"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// resolvePaths expands ~ and named prefixes in every path setting.
func (c *Config) resolvePaths() {
	r := paths.New(c.Paths)
	c.DataDir = r.Resolve(c.DataDir)
	c.Providers.File.Path = r.Resolve(c.Providers.File.Path)
	c.Backend.Claude.WorkDir = r.Resolve(c.Backend.Claude.WorkDir)
	r.ResolveAll(c.Activity.WatchDirs)
}

// Validate checks the structural constraints that cannot be defaulted.
// Duration strings are validated later by engine.ParseConfig.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	e := c.Engine
	if e.Epsilon.Initial < 0 || e.Epsilon.Initial > 1 {
		return fmt.Errorf("engine.epsilon.initial %v must be within [0, 1]", e.Epsilon.Initial)
	}
	if e.Epsilon.Min < 0 || e.Epsilon.Min > e.Epsilon.Initial {
		return fmt.Errorf("engine.epsilon.min %v must be within [0, initial]", e.Epsilon.Min)
	}
	if e.Epsilon.Decay <= 0 || e.Epsilon.Decay > 1 {
		return fmt.Errorf("engine.epsilon.decay %v must be within (0, 1]", e.Epsilon.Decay)
	}
	if e.RecentWindow < 0 || e.BestLimit < 0 || e.FailureThreshold < 0 {
		return fmt.Errorf("engine window/limit/threshold values must not be negative")
	}
	switch c.Backend.Kind {
	case "claude":
	case "ollama":
		if c.Backend.Ollama.Model == "" {
			return fmt.Errorf("backend.ollama.model is required for the ollama backend")
		}
	default:
		return fmt.Errorf("unknown backend.kind %q (expected claude or ollama)", c.Backend.Kind)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
