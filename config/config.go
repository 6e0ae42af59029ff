// Package config loads and validates the brain daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Keys are snake_case in YAML.
type Config struct {
	DataRoot     string `yaml:"data_root"`
	SessionsRoot string `yaml:"sessions_root"`

	// Segment readiness
	IdleTimeoutMinutes         int `yaml:"idle_timeout_minutes"`
	StabilityThresholdMs       int `yaml:"stability_threshold_ms"`
	SyncStabilityThresholdMs   int `yaml:"sync_stability_threshold_ms"`
	WatcherDebounceMs          int `yaml:"watcher_debounce_ms"`
	WatcherPollIntervalSeconds int `yaml:"watcher_poll_interval_seconds"`

	// Queue and workers
	MaxRetries             int `yaml:"max_retries"`
	RetryDelaySeconds      int `yaml:"retry_delay_seconds"`
	AnalysisTimeoutMinutes int `yaml:"analysis_timeout_minutes"`
	QueryTimeoutMinutes    int `yaml:"query_timeout_minutes"`
	MaxConcurrentAnalysis  int `yaml:"max_concurrent_analysis"`
	MaxQueueSize           int `yaml:"max_queue_size"`
	ParallelWorkers        int `yaml:"parallel_workers"`
	LeaseDurationMinutes   int `yaml:"lease_duration_minutes"`

	// Analyzer subprocess
	Analyzer AnalyzerConfig `yaml:"analyzer"`

	// Connection discovery
	ConnectionDiscoveryThreshold          float64 `yaml:"connection_discovery_threshold"`
	ConnectionDiscoveryMaxResults         int     `yaml:"connection_discovery_max_results"`
	ConnectionDiscoveryCooldownHours      int     `yaml:"connection_discovery_cooldown_hours"`
	ConnectionDiscoveryTemporalWindowDays int     `yaml:"connection_discovery_temporal_window_days"`
	ConnectionDiscoveryMinFileOverlap     float64 `yaml:"connection_discovery_min_file_overlap"`

	// Search
	SemanticSearchThreshold float64 `yaml:"semantic_search_threshold"`

	// Embeddings
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Cron schedules
	ScheduleReanalysis          string `yaml:"schedule_reanalysis"`
	ScheduleConnectionDiscovery string `yaml:"schedule_connection_discovery"`
	SchedulePatternAggregation  string `yaml:"schedule_pattern_aggregation"`
	ScheduleClustering          string `yaml:"schedule_clustering"`
	ScheduleEmbeddingBackfill   string `yaml:"schedule_embedding_backfill"`

	// API surface
	API APIConfig `yaml:"api"`

	// Retention
	RetentionMaxVersions int `yaml:"retention_max_versions"`
	RetentionArchiveDays int `yaml:"retention_archive_days"`
}

// AnalyzerConfig identifies the external analyzer agent.
type AnalyzerConfig struct {
	Binary     string `yaml:"binary"`
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	QueryModel string `yaml:"query_model"`
	PromptFile string `yaml:"prompt_file"`
	SkillsRoot string `yaml:"skills_root"`
}

// EmbeddingConfig identifies the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions"`
}

// APIConfig configures the HTTP and WebSocket surface.
type APIConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataRoot:     filepath.Join(home, ".brain"),
		SessionsRoot: filepath.Join(home, ".brain", "sessions"),

		IdleTimeoutMinutes:         10,
		StabilityThresholdMs:       5000,
		SyncStabilityThresholdMs:   30000,
		WatcherDebounceMs:          250,
		WatcherPollIntervalSeconds: 5,

		MaxRetries:             3,
		RetryDelaySeconds:      2,
		AnalysisTimeoutMinutes: 10,
		QueryTimeoutMinutes:    2,
		MaxConcurrentAnalysis:  1,
		MaxQueueSize:           1000,
		ParallelWorkers:        1,
		LeaseDurationMinutes:   15,

		Analyzer: AnalyzerConfig{
			Binary:   "claude",
			Provider: "anthropic",
			Model:    "sonnet",
		},

		ConnectionDiscoveryThreshold:          0.6,
		ConnectionDiscoveryMaxResults:         10,
		ConnectionDiscoveryCooldownHours:      24,
		ConnectionDiscoveryTemporalWindowDays: 7,
		ConnectionDiscoveryMinFileOverlap:     0.1,

		SemanticSearchThreshold: 0.6,

		// Embedding is opt-in: provider and model stay empty until the
		// operator configures them, and the daemon degrades to FTS-only
		// search meanwhile. BaseURL and dimensions are pre-filled for the
		// common local-ollama setup.
		Embedding: EmbeddingConfig{
			BaseURL:    "http://localhost:11434",
			Dimensions: 768,
		},

		ScheduleReanalysis:          "0 3 * * *",
		ScheduleConnectionDiscovery: "30 */6 * * *",
		SchedulePatternAggregation:  "0 4 * * *",
		ScheduleClustering:          "0 5 * * 0",
		ScheduleEmbeddingBackfill:   "*/30 * * * *",

		API: APIConfig{
			Port: 7432,
			Host: "127.0.0.1",
		},

		RetentionMaxVersions: 10,
		RetentionArchiveDays: 90,
	}
}

// Load reads the config file at path, overlays it on the defaults, applies
// environment overrides, and validates the result. A missing file is not an
// error; the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	path = ResolvePath(path)
	return loadFrom(cfg, path)
}

// ResolvePath returns the effective config file location for an optional
// explicit path: the flag value, then $BRAIN_CONFIG, then the default
// location under the data root.
func ResolvePath(path string) string {
	if path == "" {
		path = os.Getenv("BRAIN_CONFIG")
	}
	if path == "" {
		path = filepath.Join(Default().DataRoot, "config.yml")
	}
	return path
}

func loadFrom(cfg *Config, path string) (*Config, error) {

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if root := os.Getenv("BRAIN_DATA_ROOT"); root != "" {
		cfg.DataRoot = root
	}
	if root := os.Getenv("BRAIN_SESSIONS_ROOT"); root != "" {
		cfg.SessionsRoot = root
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Duration helpers. The YAML keys are plain integers per the documented
// option names; these convert them once at the call sites.

func (c *Config) IdleTimeout() time.Duration { return time.Duration(c.IdleTimeoutMinutes) * time.Minute }
func (c *Config) StabilityThreshold() time.Duration {
	return time.Duration(c.StabilityThresholdMs) * time.Millisecond
}
func (c *Config) SyncStabilityThreshold() time.Duration {
	return time.Duration(c.SyncStabilityThresholdMs) * time.Millisecond
}
func (c *Config) WatcherDebounce() time.Duration {
	return time.Duration(c.WatcherDebounceMs) * time.Millisecond
}
func (c *Config) WatcherPollInterval() time.Duration {
	return time.Duration(c.WatcherPollIntervalSeconds) * time.Second
}
func (c *Config) RetryDelay() time.Duration { return time.Duration(c.RetryDelaySeconds) * time.Second }
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutMinutes) * time.Minute
}
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMinutes) * time.Minute
}
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationMinutes) * time.Minute
}
func (c *Config) ConnectionDiscoveryCooldown() time.Duration {
	return time.Duration(c.ConnectionDiscoveryCooldownHours) * time.Hour
}
func (c *Config) TemporalWindow() time.Duration {
	return time.Duration(c.ConnectionDiscoveryTemporalWindowDays) * 24 * time.Hour
}

// DatabasePath returns the sqlite database location under the data root.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataRoot, "brain.db") }

// NodesRoot returns the canonical node JSON directory.
func (c *Config) NodesRoot() string { return filepath.Join(c.DataRoot, "nodes") }

// ArchiveRoot returns the retention archive directory.
func (c *Config) ArchiveRoot() string { return filepath.Join(c.DataRoot, "archive", "nodes") }

// PromptHistoryRoot returns the archived prompt version directory.
func (c *Config) PromptHistoryRoot() string {
	return filepath.Join(c.DataRoot, "prompts", "history")
}

// PromptFile returns the analyzer system prompt path, defaulting under the
// data root when not configured explicitly.
func (c *Config) PromptFile() string {
	if c.Analyzer.PromptFile != "" {
		return c.Analyzer.PromptFile
	}
	return filepath.Join(c.DataRoot, "prompts", "analyzer.md")
}

// SkillsRoot returns the analyzer skills directory.
func (c *Config) SkillsRoot() string {
	if c.Analyzer.SkillsRoot != "" {
		return c.Analyzer.SkillsRoot
	}
	return filepath.Join(c.DataRoot, "skills")
}

// Save writes the config back to the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
