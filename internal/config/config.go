// Package config handles configuration loading for the omoi monitoring core.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for omoi.
type Config struct {
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Guardian   GuardianConfig   `mapstructure:"guardian"`
	Conductor  ConductorConfig  `mapstructure:"conductor"`
	Validation ValidationConfig `mapstructure:"validation"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Store      StoreConfig      `mapstructure:"store"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
}

// MonitorConfig holds monitoring loop settings.
type MonitorConfig struct {
	// Interval is the time between ticks.
	Interval time.Duration `mapstructure:"interval"`
	// GracePeriod excludes agents activated less than this long ago.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// AgentTimeout bounds one agent's analysis.
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`
	// FanoutDeadline is the hard deadline for the whole Guardian fan-out.
	FanoutDeadline time.Duration `mapstructure:"fanout_deadline"`
	// HistoryDepth is how many prior snapshots are handed to the Guardian.
	HistoryDepth int `mapstructure:"history_depth"`
	// ActivityWindow is the number of trailing activity entries analysed.
	ActivityWindow int `mapstructure:"activity_window"`
}

// GuardianConfig holds trajectory analysis settings.
type GuardianConfig struct {
	SteeringThreshold  float64 `mapstructure:"steering_threshold"`
	DriftDelta         float64 `mapstructure:"drift_delta"`
	DriftWindow        int     `mapstructure:"drift_window"`
	EmergencyThreshold float64 `mapstructure:"emergency_threshold"`
	// Scorer selects the alignment strategy: keyword or claude.
	Scorer string `mapstructure:"scorer"`
}

// ConductorConfig holds coherence aggregation settings.
type ConductorConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	// Similarity selects the duplicate strategy: lexical or claude.
	Similarity        string  `mapstructure:"similarity"`
	ProgressTolerance float64 `mapstructure:"progress_tolerance"`
	DuplicateMemory   int     `mapstructure:"duplicate_memory"`
}

// ValidationConfig holds validation loop settings.
type ValidationConfig struct {
	MaxIterations                   int           `mapstructure:"max_iterations"`
	Timeout                         time.Duration `mapstructure:"timeout"`
	SpawnTimeout                    time.Duration `mapstructure:"spawn_timeout"`
	ConsecutiveFailuresForDiagnosis int           `mapstructure:"consecutive_failures_for_diagnosis"`
}

// DispatchConfig holds intervention delivery settings.
type DispatchConfig struct {
	MailboxSize int `mapstructure:"mailbox_size"`
	// Mode selects the session channel: memory or file.
	Mode string `mapstructure:"mode"`
	// InboxDir is where the file channel writes per-session inboxes.
	InboxDir string `mapstructure:"inbox_dir"`
}

// StoreConfig holds durable store settings.
type StoreConfig struct {
	// Driver is the database/sql driver name: sqlite (pure Go) or sqlite3 (cgo).
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
}

// FleetConfig points at an optional YAML file seeding agents and tasks.
type FleetConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (OMOI_*, ANTHROPIC_API_KEY)
// 2. Project config (.omoi.yaml in current directory or parent)
// 3. User config (~/.config/omoi/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("OMOI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("anthropic.api_key", "OMOI_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.aws_region", "OMOI_ANTHROPIC_AWS_REGION", "AWS_REGION")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize clamps derived settings.
// The fan-out deadline never exceeds the tick interval and the per-agent
// timeout never exceeds the fan-out deadline.
func (c *Config) normalize() {
	if c.Monitor.FanoutDeadline <= 0 || c.Monitor.FanoutDeadline > c.Monitor.Interval {
		c.Monitor.FanoutDeadline = c.Monitor.Interval
	}
	if c.Monitor.AgentTimeout <= 0 || c.Monitor.AgentTimeout > c.Monitor.FanoutDeadline {
		c.Monitor.AgentTimeout = c.Monitor.FanoutDeadline
	}
}

// Validate checks ranges that would make the monitoring core misbehave.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got %v", c.Monitor.Interval)
	}
	if c.Guardian.SteeringThreshold < 0 || c.Guardian.SteeringThreshold > 1 {
		return fmt.Errorf("guardian.steering_threshold must be in [0,1], got %v", c.Guardian.SteeringThreshold)
	}
	if c.Guardian.DriftWindow < 1 {
		return fmt.Errorf("guardian.drift_window must be at least 1, got %d", c.Guardian.DriftWindow)
	}
	if c.Conductor.SimilarityThreshold <= 0 || c.Conductor.SimilarityThreshold > 1 {
		return fmt.Errorf("conductor.similarity_threshold must be in (0,1], got %v", c.Conductor.SimilarityThreshold)
	}
	if c.Validation.MaxIterations < 1 {
		return fmt.Errorf("validation.max_iterations must be at least 1, got %d", c.Validation.MaxIterations)
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver must be sqlite or sqlite3, got %q", c.Store.Driver)
	}
	switch c.Dispatch.Mode {
	case "memory", "file":
	default:
		return fmt.Errorf("dispatch.mode must be memory or file, got %q", c.Dispatch.Mode)
	}
	return nil
}

// Save writes the given configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	for key, val := range cfg.Settings() {
		v.Set(key, val)
	}

	return v.WriteConfig()
}

// Settings flattens the config into dotted keys, as used by `omoi config`.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"monitor.interval":                              c.Monitor.Interval.String(),
		"monitor.grace_period":                          c.Monitor.GracePeriod.String(),
		"monitor.agent_timeout":                         c.Monitor.AgentTimeout.String(),
		"monitor.fanout_deadline":                       c.Monitor.FanoutDeadline.String(),
		"monitor.history_depth":                         c.Monitor.HistoryDepth,
		"monitor.activity_window":                       c.Monitor.ActivityWindow,
		"guardian.steering_threshold":                   c.Guardian.SteeringThreshold,
		"guardian.drift_delta":                          c.Guardian.DriftDelta,
		"guardian.drift_window":                         c.Guardian.DriftWindow,
		"guardian.emergency_threshold":                  c.Guardian.EmergencyThreshold,
		"guardian.scorer":                               c.Guardian.Scorer,
		"conductor.similarity_threshold":                c.Conductor.SimilarityThreshold,
		"conductor.similarity":                          c.Conductor.Similarity,
		"conductor.progress_tolerance":                  c.Conductor.ProgressTolerance,
		"conductor.duplicate_memory":                    c.Conductor.DuplicateMemory,
		"validation.max_iterations":                     c.Validation.MaxIterations,
		"validation.timeout":                            c.Validation.Timeout.String(),
		"validation.spawn_timeout":                      c.Validation.SpawnTimeout.String(),
		"validation.consecutive_failures_for_diagnosis": c.Validation.ConsecutiveFailuresForDiagnosis,
		"dispatch.mailbox_size":                         c.Dispatch.MailboxSize,
		"dispatch.mode":                                 c.Dispatch.Mode,
		"dispatch.inbox_dir":                            c.Dispatch.InboxDir,
		"store.driver":                                  c.Store.Driver,
		"store.path":                                    c.Store.Path,
		"server.addr":                                   c.Server.Addr,
		"metrics.enabled":                               c.Metrics.Enabled,
		"anthropic.model":                               c.Anthropic.Model,
		"anthropic.use_bedrock":                         c.Anthropic.UseBedrock,
		"anthropic.aws_region":                          c.Anthropic.AWSRegion,
		"fleet.seed_file":                               c.Fleet.SeedFile,
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	for key, val := range d.Settings() {
		v.SetDefault(key, val)
	}
	v.SetDefault("anthropic.api_key", "")
}

// getUserConfigDir returns the XDG config directory for omoi.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "omoi")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "omoi")
	}
	return filepath.Join(home, ".config", "omoi")
}

// findProjectConfig searches for .omoi.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".omoi.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Monitor: MonitorConfig{
			Interval:       60 * time.Second,
			GracePeriod:    60 * time.Second,
			AgentTimeout:   20 * time.Second,
			FanoutDeadline: 50 * time.Second,
			HistoryDepth:   5,
			ActivityWindow: 50,
		},
		Guardian: GuardianConfig{
			SteeringThreshold:  0.5,
			DriftDelta:         0.2,
			DriftWindow:        3,
			EmergencyThreshold: 0.25,
			Scorer:             "keyword",
		},
		Conductor: ConductorConfig{
			SimilarityThreshold: 0.8,
			Similarity:          "lexical",
			ProgressTolerance:   0.05,
			DuplicateMemory:     1024,
		},
		Validation: ValidationConfig{
			MaxIterations:                   3,
			Timeout:                         30 * time.Minute,
			SpawnTimeout:                    2 * time.Minute,
			ConsecutiveFailuresForDiagnosis: 2,
		},
		Dispatch: DispatchConfig{
			MailboxSize: 32,
			Mode:        "memory",
			InboxDir:    filepath.Join(".omoi", "inbox"),
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(".omoi", "state.db"),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8787",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			AWSRegion: "us-east-1",
		},
	}
}
