// Package config provides configuration loading, validation, and secret
// management for the autopilot runner.
//
// Configuration is strictly separated from run state: budgets, model
// profiles, and provider settings live here; lifecycle state, iteration
// records, and ladder position belong to the run's durable files. A single
// Config is loaded at startup and accessed by value so callers cannot
// mutate shared state.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// ModelInfo contains static pricing and limit information for a known model.
// Hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common
// models. Unknown models fall back to zero-cost estimation with a warning.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 272000,
		MaxOutputTokens:  128000,
	},
	"o3-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 200000,
		MaxOutputTokens:  100000,
	},
	"gemini-2.5-pro": {
		Provider:         ProviderGoogle,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"qwen2.5-coder:14b": {
		Provider:         ProviderOllama,
		InputCPM:         0,
		OutputCPM:        0,
		MaxContextTokens: 32768,
		MaxOutputTokens:  8192,
	},
}

// ModelProfile is a named model configuration referenced by runs. Runs name
// profiles (primary, fallback, doctor); they never hardcode a provider.
type ModelProfile struct {
	Model           string  `yaml:"model"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	// Host is only used by local providers (ollama).
	Host string `yaml:"host,omitempty"`
}

// Budgets are the run stop-condition ceilings. A run is forced to
// stop_failure the first time any ceiling is exceeded.
type Budgets struct {
	MaxIterations        int     `yaml:"max_iterations" json:"max_iterations"`
	MaxWallTimeMinutes   int     `yaml:"max_wall_time_minutes" json:"max_wall_time_minutes"`
	MaxCostUSDEstimate   float64 `yaml:"max_cost_usd_estimate" json:"max_cost_usd_estimate"`
	MaxConsecutiveGutter int     `yaml:"max_consecutive_gutter" json:"max_consecutive_gutter"`
}

// MaxWallTime returns the wall-clock ceiling as a duration.
func (b Budgets) MaxWallTime() time.Duration {
	return time.Duration(b.MaxWallTimeMinutes) * time.Minute
}

// GutterConfig tunes the stagnation detector.
type GutterConfig struct {
	// ScoreThreshold triggers mitigation when loop_score reaches it.
	ScoreThreshold float64 `yaml:"score_threshold"`
	// StagnationLineDelta is the net line delta below which an iteration
	// counts as stagnant.
	StagnationLineDelta int `yaml:"stagnation_line_delta"`
	// WindowSize is the rolling window of iterations scored against.
	WindowSize int `yaml:"window_size"`
}

// SandboxConfig selects and parameterizes the sandbox provider.
type SandboxConfig struct {
	Provider  string `yaml:"provider"` // "local" is the built-in provider
	WorkRoot  string `yaml:"work_root"`
	Image     string `yaml:"image,omitempty"`
	VCPU      int    `yaml:"vcpu"`
	MemoryGiB int    `yaml:"memory_gib"`
	DiskGiB   int    `yaml:"disk_gib"`
}

// SCMConfig selects and parameterizes the source-control host.
type SCMConfig struct {
	Provider     string `yaml:"provider"` // "github"
	RepoURL      string `yaml:"repo_url"`
	BranchPrefix string `yaml:"branch_prefix"`
	DraftPRs     bool   `yaml:"draft_prs"`
	PRLabel      string `yaml:"pr_label,omitempty"`
}

// Config is the root configuration aggregate.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Config struct {
	StateDir string `yaml:"state_dir"`
	DBPath   string `yaml:"db_path"`

	// Profiles maps profile name → model settings. The three well-known
	// names below must exist.
	Profiles map[string]ModelProfile `yaml:"profiles"`

	PrimaryProfile  string `yaml:"primary_profile"`
	FallbackProfile string `yaml:"fallback_profile"`
	DoctorProfile   string `yaml:"doctor_profile"`

	Budgets Budgets       `yaml:"budgets"`
	Gutter  GutterConfig  `yaml:"gutter"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	SCM     SCMConfig     `yaml:"scm"`

	// VerificationCommand must exit cleanly before a run may succeed.
	VerificationCommand string `yaml:"verification_command"`

	// MaxConcurrentRuns bounds the worker pool.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// APIListenAddr is the dashboard/API bind address.
	APIListenAddr string `yaml:"api_listen_addr"`

	// PrometheusURL enables historical metrics queries on the dashboard
	// when set. Empty disables them; live counters are exported either way.
	PrometheusURL string `yaml:"prometheus_url,omitempty"`
}

//nolint:gochecknoglobals // Intentional singleton, loaded once at startup
var (
	loaded *Config
	mu     sync.RWMutex
)

// Set installs the loaded config. Called once by Load at startup.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	loaded = cfg
}

// Get returns the config by value so callers cannot mutate shared state.
func Get() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if loaded == nil {
		return Config{}, fmt.Errorf("config not loaded")
	}
	return *loaded, nil
}

// Validate checks required fields and cross-references.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if len(c.Profiles) == 0 {
		return fmt.Errorf("at least one model profile is required")
	}
	for _, name := range []string{c.PrimaryProfile, c.FallbackProfile, c.DoctorProfile} {
		if name == "" {
			return fmt.Errorf("primary_profile, fallback_profile, and doctor_profile are required")
		}
		if _, ok := c.Profiles[name]; !ok {
			return fmt.Errorf("profile %q referenced but not defined", name)
		}
	}
	for name, p := range c.Profiles {
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("profile %q has no model", name)
		}
	}
	if c.Budgets.MaxIterations <= 0 {
		return fmt.Errorf("budgets.max_iterations must be positive")
	}
	if c.Budgets.MaxWallTimeMinutes <= 0 {
		return fmt.Errorf("budgets.max_wall_time_minutes must be positive")
	}
	if c.Budgets.MaxCostUSDEstimate <= 0 {
		return fmt.Errorf("budgets.max_cost_usd_estimate must be positive")
	}
	if c.Budgets.MaxConsecutiveGutter <= 0 {
		return fmt.Errorf("budgets.max_consecutive_gutter must be positive")
	}
	if c.Gutter.ScoreThreshold <= 0 || c.Gutter.ScoreThreshold > 1 {
		return fmt.Errorf("gutter.score_threshold must be in (0,1]")
	}
	if c.Gutter.WindowSize <= 0 {
		return fmt.Errorf("gutter.window_size must be positive")
	}
	if c.SCM.RepoURL == "" {
		return fmt.Errorf("scm.repo_url is required")
	}
	if c.VerificationCommand == "" {
		return fmt.Errorf("verification_command is required")
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max_concurrent_runs must be positive")
	}
	return nil
}

// ProfileFor resolves a profile by name.
func (c *Config) ProfileFor(name string) (ModelProfile, error) {
	p, ok := c.Profiles[name]
	if !ok {
		return ModelProfile{}, fmt.Errorf("unknown model profile: %s", name)
	}
	return p, nil
}

// CostEstimate returns the USD cost for a token count against a model's
// pricing. Unknown models estimate at zero.
func CostEstimate(model string, promptTokens, outputTokens int) float64 {
	info, ok := KnownModels[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*info.InputCPM + float64(outputTokens)/1e6*info.OutputCPM
}
