// Package config handles Docent configuration loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/docent/config.yaml, /etc/docent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "docent", "config.yaml"))
	}

	paths = append(paths, "/etc/docent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all Docent configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // text (default) or json
	Nav         NavConfig         `yaml:"nav"`
	Tour        TourConfig        `yaml:"tour"`
	TourPlanner TourPlannerConfig `yaml:"tour_planner"`
	Safety      SafetyConfig      `yaml:"safety"`
	Limits      LimitsConfig      `yaml:"limits"`
	Events      EventsConfig      `yaml:"events"`
	Breakpoints BreakpointConfig  `yaml:"breakpoints"`
	Answer      AnswerConfig      `yaml:"answer"`

	// SensitiveWords and Blacklist are legacy top-level spellings of
	// safety.blacklist, consulted only when it is empty.
	SensitiveWords StringList `yaml:"sensitive_words"`
	Blacklist      StringList `yaml:"blacklist"`
}

// ListenConfig defines the operations API bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// NavConfig selects and configures the navigation backend.
type NavConfig struct {
	// Provider is one of disabled, mock, http, mqtt. Empty means disabled.
	Provider string `yaml:"provider"`
	// DefaultTimeoutS bounds a single move when the caller gives none.
	DefaultTimeoutS int           `yaml:"default_timeout_s"`
	Mock            NavMockConfig `yaml:"mock"`
	HTTP            NavHTTPConfig `yaml:"http"`
	MQTT            NavMQTTConfig `yaml:"mqtt"`
}

// NavMockConfig configures the simulated robot.
type NavMockConfig struct {
	ArriveDelayMs int `yaml:"arrive_delay_ms"`
}

// NavHTTPConfig configures the HTTP robot base controller.
type NavHTTPConfig struct {
	BaseURL          string `yaml:"base_url"`
	GoToPath         string `yaml:"go_to_path"`
	CancelPath       string `yaml:"cancel_path"`
	StatePath        string `yaml:"state_path"`
	PollIntervalMs   int    `yaml:"poll_interval_ms"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

// NavMQTTConfig configures the MQTT robot base controller.
type NavMQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// TourConfig holds the legacy flat stop list.
type TourConfig struct {
	Stops []string `yaml:"stops"`
}

// TourPlannerConfig configures zones, profiles and per-stop budgets.
type TourPlannerConfig struct {
	Zones          []string            `yaml:"zones"`
	Profiles       []string            `yaml:"profiles"`
	DefaultZone    string              `yaml:"default_zone"`
	DefaultProfile string              `yaml:"default_profile"`
	Routes         map[string][]string `yaml:"routes"`
	StopDurationsS StopDurations       `yaml:"stop_durations_s"`
	CharsPerSecond float64             `yaml:"chars_per_second"`
	TrimByDuration bool                `yaml:"trim_by_duration"`
}

// SafetyConfig configures the generated-speech blacklist.
type SafetyConfig struct {
	Blacklist StringList `yaml:"blacklist"`
	MaxTerms  int        `yaml:"max_terms"`
	WindowMin int        `yaml:"window_min"`
	WindowMax int        `yaml:"window_max"`
}

// LimitsConfig holds per-kind request rate limits.
type LimitsConfig struct {
	Ask     RateLimit `yaml:"ask"`
	Move    RateLimit `yaml:"move"`
	Command RateLimit `yaml:"command"`
}

// RateLimit admits at most Limit requests per WindowS seconds.
// A zero Limit disables the check.
type RateLimit struct {
	Limit   int     `yaml:"limit"`
	WindowS float64 `yaml:"window_s"`
}

// EventsConfig bounds the in-memory event timeline.
type EventsConfig struct {
	GlobalCapacity  int `yaml:"global_capacity"`
	RequestCapacity int `yaml:"request_capacity"`
	MaxRequests     int `yaml:"max_requests"`
	TTLS            int `yaml:"ttl_s"`
}

// BreakpointConfig selects the tour-progress store.
type BreakpointConfig struct {
	Backend string      `yaml:"backend"` // sqlite (default) or redis
	Path    string      `yaml:"path"`    // SQLite file; default {data_dir}/breakpoints.db
	Driver  string      `yaml:"driver"`  // sqlite3 (cgo, default) or sqlite (pure Go)
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig defines the Redis connection for multi-process deployments.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TTLS      int    `yaml:"ttl_s"`
}

// AnswerConfig selects the model that answers visitor questions.
type AnswerConfig struct {
	Provider     string       `yaml:"provider"` // none (default) or ollama
	SystemPrompt string       `yaml:"system_prompt"`
	Ollama       OllamaConfig `yaml:"ollama"`
}

// OllamaConfig configures the Ollama chat backend.
type OllamaConfig struct {
	URL         string  `yaml:"url"`
	Model       string  `yaml:"model"`
	TimeoutS    int     `yaml:"timeout_s"`
	Temperature float64 `yaml:"temperature"`
	NumPredict  int     `yaml:"num_predict"`
}

// BlacklistTerms returns the raw blacklist entries, preferring
// safety.blacklist over the legacy sensitive_words and blacklist keys.
func (c *Config) BlacklistTerms() []string {
	switch {
	case len(c.Safety.Blacklist) > 0:
		return c.Safety.Blacklist
	case len(c.SensitiveWords) > 0:
		return c.SensitiveWords
	default:
		return c.Blacklist
	}
}

// StringList accepts either a YAML sequence of strings or a single
// scalar. Anything else decodes to an empty list rather than failing
// the whole file.
type StringList []string

// UnmarshalYAML implements [yaml.Unmarshaler].
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	*l = nil
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Value != "" {
			*l = StringList{value.Value}
		}
	case yaml.SequenceNode:
		for _, item := range value.Content {
			if item.Kind == yaml.ScalarNode && item.Value != "" {
				*l = append(*l, item.Value)
			}
		}
	}
	return nil
}

// StopDurations holds the three accepted shapes of
// tour_planner.stop_durations_s:
//
//	stop_durations_s: [60, 90, 120]          # Global
//	stop_durations_s: {展厅A: [60, 90]}      # ByZone
//	stop_durations_s: {公司介绍: 60}          # ByName
//
// A mapping may mix zone lists and per-name seconds. Non-numeric
// values are skipped.
type StopDurations struct {
	Global []float64
	ByZone map[string][]float64
	ByName map[string]float64
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *StopDurations) UnmarshalYAML(value *yaml.Node) error {
	*d = StopDurations{}
	switch value.Kind {
	case yaml.SequenceNode:
		d.Global = parseFloatSeq(value)
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := strings.TrimSpace(value.Content[i].Value)
			v := value.Content[i+1]
			switch v.Kind {
			case yaml.SequenceNode:
				if d.ByZone == nil {
					d.ByZone = make(map[string][]float64)
				}
				d.ByZone[key] = parseFloatSeq(v)
			case yaml.ScalarNode:
				if f, ok := parseSeconds(v.Value); ok {
					if d.ByName == nil {
						d.ByName = make(map[string]float64)
					}
					d.ByName[key] = f
				}
			}
		}
	}
	return nil
}

func parseFloatSeq(n *yaml.Node) []float64 {
	out := make([]float64, 0, len(n.Content))
	for _, item := range n.Content {
		f, ok := parseSeconds(item.Value)
		if !ok {
			f = 0 // keeps positions aligned with stops; planner treats 0 as unset
		}
		out = append(out, f)
	}
	return out
}

func parseSeconds(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, false
	}
	return f, true
}

// Validate reports settings that would otherwise fail later at
// startup. Unknown optional sections are left to their consumers.
func (c *Config) Validate() error {
	var errs []error
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q (expected text or json)", c.LogFormat))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port: %d out of range", c.Listen.Port))
	}
	switch strings.ToLower(c.Nav.Provider) {
	case "", "disabled", "none", "off", "mock", "http", "mqtt":
	default:
		errs = append(errs, fmt.Errorf("nav.provider: unknown provider %q", c.Nav.Provider))
	}
	switch strings.ToLower(c.Breakpoints.Backend) {
	case "", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("breakpoints.backend: unknown backend %q", c.Breakpoints.Backend))
	}
	switch c.Breakpoints.Driver {
	case "", "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("breakpoints.driver: unknown driver %q (expected sqlite3 or sqlite)", c.Breakpoints.Driver))
	}
	switch strings.ToLower(c.Answer.Provider) {
	case "", "none", "ollama":
	default:
		errs = append(errs, fmt.Errorf("answer.provider: unknown provider %q", c.Answer.Provider))
	}
	for name, l := range map[string]RateLimit{"ask": c.Limits.Ask, "move": c.Limits.Move, "command": c.Limits.Command} {
		if l.Limit > 0 && l.WindowS <= 0 {
			errs = append(errs, fmt.Errorf("limits.%s.window_s must be positive when limit is set", name))
		}
	}
	return errors.Join(errs...)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of [Default]. Environment
// variables (${VAR}) are expanded first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.DataDir = ExpandHome(cfg.DataDir)
	cfg.Breakpoints.Path = ExpandHome(cfg.Breakpoints.Path)
	return cfg, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
// Other paths, and ~user forms, are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Default returns a default configuration: navigation disabled, SQLite
// breakpoints under ./data, modest per-client rate limits.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 8090},
		DataDir:   "./data",
		LogFormat: "text",
		Nav: NavConfig{
			Provider:        "disabled",
			DefaultTimeoutS: 120,
			Mock:            NavMockConfig{ArriveDelayMs: 1500},
			HTTP: NavHTTPConfig{
				GoToPath:         "/nav/goto",
				CancelPath:       "/nav/cancel",
				StatePath:        "/nav/state",
				PollIntervalMs:   500,
				RequestTimeoutMs: 5000,
			},
			MQTT: NavMQTTConfig{TopicPrefix: "docent/nav"},
		},
		Limits: LimitsConfig{
			Ask:     RateLimit{Limit: 20, WindowS: 60},
			Move:    RateLimit{Limit: 30, WindowS: 60},
			Command: RateLimit{Limit: 60, WindowS: 60},
		},
		Events: EventsConfig{
			GlobalCapacity:  2000,
			RequestCapacity: 200,
			MaxRequests:     1000,
			TTLS:            1800,
		},
		Breakpoints: BreakpointConfig{
			Backend: "sqlite",
			Redis:   RedisConfig{KeyPrefix: "docent:breakpoint"},
		},
		Answer: AnswerConfig{
			Provider: "none",
			Ollama:   OllamaConfig{URL: "http://localhost:11434", TimeoutS: 120},
		},
	}
}
