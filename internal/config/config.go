// Package config loads the control plane's single YAML configuration
// document. Grounded on the teacher's internal/agents/config.go
// (LoadTeamsConfig: os.ReadFile + yaml.Unmarshal into a typed struct), with
// Load taking the path as a constructor parameter rather than a flag-parsed
// package global, per spec.md §9's singleton guidance.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
	"gopkg.in/yaml.v3"
)

// Config is the control plane's full runtime configuration: node liveness,
// preemption tunables, the default threshold ladder, and the external
// store connection strings spec.md §6 names.
type Config struct {
	// NodeHeartbeatTTL is loaded and defaulted (60s) here, but no component
	// reads it: node liveness is checked against the fixed
	// types.NodeHeartbeatTTL.
	NodeHeartbeatTTL time.Duration `yaml:"nodeHeartbeatTTL"`

	Preemption PreemptionConfig `yaml:"preemption"`

	// ThresholdLadder is parsed, and set to the default 50/75/90/100/110
	// ladder when empty; the budget engine does not read it and always
	// evaluates types.DefaultLadder().
	ThresholdLadder []types.ThresholdConfig `yaml:"thresholdLadder"`

	RedisURL string `yaml:"redisUrl"`
	NatsURL  string `yaml:"natsUrl"`

	// BudgetsPath is where internal/persistence.JSONStore reads/writes
	// budgets.json (spec.md §6).
	BudgetsPath string `yaml:"budgetsPath"`

	// DecisionLogPath is the SQLite file backing internal/decisionlog.
	DecisionLogPath string `yaml:"decisionLogPath"`
}

// PreemptionConfig holds the preemption planner's tunables (spec.md §4.G).
type PreemptionConfig struct {
	MinPriorityDifference int `yaml:"minPriorityDifference"`
	MaxVictims            int `yaml:"maxVictims"`
	Enabled               bool `yaml:"enabled"`
}

// defaults mirrors spec.md's stated defaults so an empty or partial YAML
// document still produces a usable Config.
func defaults() Config {
	return Config{
		NodeHeartbeatTTL: 60 * time.Second,
		Preemption: PreemptionConfig{
			MinPriorityDifference: 100,
			MaxVictims:            3,
			Enabled:               true,
		},
		ThresholdLadder: types.DefaultLadder(),
		BudgetsPath:     "",
		DecisionLogPath: "",
	}
}

// Load reads and parses the YAML document at path, overlaying it onto
// defaults(). A missing file is not an error — it returns the defaults,
// matching the teacher's pattern of graceful absence for optional config
// (internal/agents/projects.go does the same for projects.yaml).
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(cfg.ThresholdLadder) == 0 {
		cfg.ThresholdLadder = types.DefaultLadder()
	}
	if cfg.NodeHeartbeatTTL <= 0 {
		cfg.NodeHeartbeatTTL = 60 * time.Second
	}
	if cfg.Preemption.MinPriorityDifference == 0 {
		cfg.Preemption.MinPriorityDifference = 100
	}
	if cfg.Preemption.MaxVictims == 0 {
		cfg.Preemption.MaxVictims = 3
	}
	return &cfg, nil
}
