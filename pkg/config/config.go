// Package config loads RestFlow's configuration through a layered
// koanf stack: built-in defaults, then an optional YAML file, then
// RESTFLOW_-prefixed environment variables, then explicit overrides.
// The merged map decodes into the typed Config via mapstructure.
package config

import (
	"os"
	"path/filepath"
)

// Config is the typed configuration the daemon and CLI consume.
type Config struct {
	// Dir is the configuration directory; the database file, master
	// key, skills, and logs live under it.
	Dir string `koanf:"dir"`

	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	Runner    RunnerConfig    `koanf:"runner"`
	Engine    EngineConfig    `koanf:"engine"`
	Session   SessionConfig   `koanf:"session"`
	Security  SecurityConfig  `koanf:"security"`
	Bash      BashConfig      `koanf:"bash"`
	HTTP      HTTPConfig      `koanf:"http"`
	FS        FSConfig        `koanf:"fs"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Retention map[string]int  `koanf:"retention"`
}

// RateLimitConfig feeds the per-agent LLM token/request budget.
type RateLimitConfig struct {
	Enabled bool            `koanf:"enabled"`
	Rules   []RateLimitRule `koanf:"rules"`
}

// RateLimitRule is one budget rule. Zero caps disable that half of the
// rule.
type RateLimitRule struct {
	Window      string `koanf:"window"` // minute, hour, day
	MaxTokens   int64  `koanf:"max_tokens"`
	MaxRequests int64  `koanf:"max_requests"`
}

// DatabaseConfig locates the single embedded database file.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // simple, verbose, json
	File   string `koanf:"file"`
}

// RunnerConfig tunes the Background Runner loop.
type RunnerConfig struct {
	PollIntervalSecs    int `koanf:"poll_interval_secs"`
	MaxConcurrentTasks  int `koanf:"max_concurrent_tasks"`
	TaskTimeoutSecs     int `koanf:"task_timeout_secs"`
	MaxRetries          int `koanf:"max_retries"`
	RetryBaseSecs       int `koanf:"retry_base_secs"`
	HeartbeatSecs       int `koanf:"heartbeat_secs"`
	StaleHeartbeatSecs  int `koanf:"stale_heartbeat_secs"`
	EventBusCapacity    int `koanf:"event_bus_capacity"`
}

// EngineConfig tunes execution defaults applied when an agent
// definition leaves them unset.
type EngineConfig struct {
	MaxIterations int `koanf:"max_iterations"`
	MemoryWindow  int `koanf:"memory_window"`
	MaxToolCalls  int `koanf:"max_tool_calls"`
	MaxWallSecs   int `koanf:"max_wall_secs"`
	MaxDepth      int `koanf:"max_depth"`
}

// SessionConfig bounds chat session transcripts.
type SessionConfig struct {
	Window int `koanf:"window"`
}

// SecurityConfig feeds the Security Gate's policy.
type SecurityConfig struct {
	DefaultAction    string   `koanf:"default_action"` // allow, deny, require_approval
	Blocklist        []string `koanf:"blocklist"`
	Allowlist        []string `koanf:"allowlist"`
	ApprovalRequired []string `koanf:"approval_required"`
}

// BashConfig feeds the shell tool.
type BashConfig struct {
	Allowlist   []string `koanf:"allowlist"`
	Blocklist   []string `koanf:"blocklist"`
	TimeoutSecs int      `koanf:"timeout_secs"`
	Workdir     string   `koanf:"workdir"`
}

// HTTPConfig feeds the HTTP tool.
type HTTPConfig struct {
	AllowLoopback bool `koanf:"allow_loopback"`
	TimeoutSecs   int  `koanf:"timeout_secs"`
}

// FSConfig feeds the filesystem tools.
type FSConfig struct {
	AllowedPaths []string `koanf:"allowed_paths"`
}

// DefaultDir resolves the configuration directory: RESTFLOW_DIR when
// set, else $HOME/.restflow.
func DefaultDir() string {
	if dir := os.Getenv("RESTFLOW_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".restflow"
	}
	return filepath.Join(home, ".restflow")
}

// defaults is the bottom layer of the stack.
func defaults() map[string]any {
	dir := DefaultDir()
	return map[string]any{
		"dir":                         dir,
		"database.path":               filepath.Join(dir, "restflow.db"),
		"log.level":                   "info",
		"log.format":                  "simple",
		"runner.poll_interval_secs":   30,
		"runner.max_concurrent_tasks": 4,
		"runner.task_timeout_secs":    600,
		"runner.max_retries":          3,
		"runner.retry_base_secs":      5,
		"runner.heartbeat_secs":       5,
		"runner.stale_heartbeat_secs": 60,
		"runner.event_bus_capacity":   512,
		"engine.max_iterations":       25,
		"engine.memory_window":        50,
		"engine.max_depth":            3,
		"session.window":              200,
		"security.default_action":     "allow",
		"bash.timeout_secs":           60,
		"http.timeout_secs":           30,
	}
}

// SkillsDir is where per-skill override files live under the config
// directory.
func (c *Config) SkillsDir() string {
	return filepath.Join(c.Dir, "skills")
}

// MasterKeyPath is the fallback master key file used when no OS
// keystore is available.
func (c *Config) MasterKeyPath() string {
	return filepath.Join(c.Dir, "master.key")
}

// LogDir is the log directory under the config directory.
func (c *Config) LogDir() string {
	return filepath.Join(c.Dir, "logs")
}
