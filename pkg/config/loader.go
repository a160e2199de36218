package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigName is the config file looked up under the project dir.
const DefaultConfigName = "autopilot.yaml"

// Load reads, defaults, and validates the config file, then installs it as
// the process-wide config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyDerivedDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	Set(cfg)
	return cfg, nil
}

// Defaults returns a config pre-populated with conservative defaults.
// Fields without defaults (repo URL, profiles) must come from the file.
func Defaults() *Config {
	return &Config{
		StateDir: ".autopilot",
		Budgets: Budgets{
			MaxIterations:        30,
			MaxWallTimeMinutes:   120,
			MaxCostUSDEstimate:   25.0,
			MaxConsecutiveGutter: 4,
		},
		Gutter: GutterConfig{
			ScoreThreshold:      0.7,
			StagnationLineDelta: 2,
			WindowSize:          5,
		},
		Sandbox: SandboxConfig{
			Provider:  "local",
			WorkRoot:  "",
			VCPU:      2,
			MemoryGiB: 4,
			DiskGiB:   20,
		},
		SCM: SCMConfig{
			Provider:     "github",
			BranchPrefix: "autopilot/",
			DraftPRs:     true,
		},
		VerificationCommand: "make test",
		MaxConcurrentRuns:   4,
		APIListenAddr:       "127.0.0.1:8088",
	}
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "autopilot.db")
	}
	if cfg.Sandbox.WorkRoot == "" {
		cfg.Sandbox.WorkRoot = filepath.Join(cfg.StateDir, "sandboxes")
	}
	if cfg.PrimaryProfile == "" && len(cfg.Profiles) > 0 {
		// Profiles named after their role need no explicit mapping.
		if _, ok := cfg.Profiles["primary"]; ok {
			cfg.PrimaryProfile = "primary"
		}
		if _, ok := cfg.Profiles["fallback"]; ok && cfg.FallbackProfile == "" {
			cfg.FallbackProfile = "fallback"
		}
		if _, ok := cfg.Profiles["doctor"]; ok && cfg.DoctorProfile == "" {
			cfg.DoctorProfile = "doctor"
		}
	}
}
