// Package config loads and validates the writerai configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "writerai.yaml"

// Config is the full configuration for a run.
type Config struct {
	// RunDir holds everything a run writes: snapshots, memory db, events.
	RunDir string `yaml:"run_dir"`

	Budget    BudgetConfig             `yaml:"budget"`
	Limits    LimitsConfig             `yaml:"limits"`
	Backends  map[string]BackendConfig `yaml:"backends"`
	Models    map[string]string        `yaml:"models"`
	Stages    []StageConfig            `yaml:"stages"`
	Memory    MemoryConfig             `yaml:"memory"`
	Context   ContextConfig            `yaml:"context"`
	Pricing   map[string]PricingEntry  `yaml:"pricing"`
	Snapshots SnapshotConfig           `yaml:"snapshots"`
}

// BudgetConfig caps run spend.
type BudgetConfig struct {
	CeilingUSD float64 `yaml:"ceiling_usd"`
}

// LimitsConfig bounds outbound traffic.
type LimitsConfig struct {
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
	RequestsPerMinute  int `yaml:"requests_per_minute"`
}

// BackendConfig describes one reachable model server.
type BackendConfig struct {
	// Provider selects the wire protocol: anthropic, openai, or local.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// StageConfig is one step of the pipeline.
type StageConfig struct {
	Name            string   `yaml:"name"`
	Model           string   `yaml:"model"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	Temperature     *float64 `yaml:"temperature"`
	Instruction     string   `yaml:"instruction"`
	ContextQuery    string   `yaml:"context_query"`
}

// MemoryConfig tunes the memory store and summarizer.
type MemoryConfig struct {
	SummaryStage     string `yaml:"summary_stage"`
	SummaryModel     string `yaml:"summary_model"`
	SummaryMaxTokens int    `yaml:"summary_max_tokens"`
	SearchK          int    `yaml:"search_k"`
	RecencyK         int    `yaml:"recency_k"`
	CacheSize        int    `yaml:"cache_size"`
}

// ContextConfig tunes context assembly.
type ContextConfig struct {
	MaxChars     int     `yaml:"max_chars"`
	SummaryShare float64 `yaml:"summary_share"`
	FactShare    float64 `yaml:"fact_share"`
}

// PricingEntry overrides or extends the built-in pricing table.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// SnapshotConfig bounds snapshot retention.
type SnapshotConfig struct {
	// MaxKeep is the number of snapshot files retained per run.
	// Zero or absent selects the default.
	MaxKeep int `yaml:"max_keep"`
}

// FallbackModelKey is the reserved models entry naming the single
// fallback used when a primary backend fails.
const FallbackModelKey = "fallback_model"

// DefaultConfig returns a config that works against Anthropic with a
// modest budget. Callers still need real API keys in the environment.
func DefaultConfig() *Config {
	return &Config{
		RunDir: ".writerai",
		Budget: BudgetConfig{CeilingUSD: 10.0},
		Limits: LimitsConfig{
			CallTimeoutSeconds: 120,
			RequestsPerMinute:  30,
		},
		Backends: map[string]BackendConfig{
			"anthropic": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
		},
		Models: map[string]string{
			"default": "anthropic",
		},
		Stages: []StageConfig{
			{Name: "premise", Model: "default", MaxOutputTokens: 1024,
				Instruction: "Expand the premise into a one-page story seed."},
			{Name: "outline", Model: "default", MaxOutputTokens: 2048,
				Instruction: "Write a chapter outline for the story."},
			{Name: "draft", Model: "default", MaxOutputTokens: 4096,
				Instruction: "Draft the next scene in full prose."},
		},
		Memory: MemoryConfig{
			SummaryStage:     "summarize",
			SummaryModel:     "default",
			SummaryMaxTokens: 512,
			SearchK:          15,
			RecencyK:         5,
			CacheSize:        64,
		},
		Context: ContextConfig{
			MaxChars:     24000,
			SummaryShare: 0.4,
			FactShare:    0.6,
		},
		Snapshots: SnapshotConfig{MaxKeep: 20},
	}
}

// Load reads config from path, falling back to DefaultPath, then applies
// environment overrides and fills unset tuning fields from defaults.
// A missing file at the default path yields DefaultConfig; a missing file
// at an explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	// Start from an empty config so the file's stage list and backends
	// replace the defaults instead of merging with them.
	cfg = &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	fillDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.RunDir == "" {
		cfg.RunDir = def.RunDir
	}
	if cfg.Budget.CeilingUSD == 0 {
		cfg.Budget.CeilingUSD = def.Budget.CeilingUSD
	}
	if cfg.Limits.CallTimeoutSeconds == 0 {
		cfg.Limits.CallTimeoutSeconds = def.Limits.CallTimeoutSeconds
	}
	if cfg.Limits.RequestsPerMinute == 0 {
		cfg.Limits.RequestsPerMinute = def.Limits.RequestsPerMinute
	}
	if cfg.Memory.SummaryStage == "" {
		cfg.Memory.SummaryStage = def.Memory.SummaryStage
	}
	if cfg.Memory.SummaryModel == "" {
		cfg.Memory.SummaryModel = def.Memory.SummaryModel
	}
	if cfg.Memory.SummaryMaxTokens == 0 {
		cfg.Memory.SummaryMaxTokens = def.Memory.SummaryMaxTokens
	}
	if cfg.Memory.SearchK == 0 {
		cfg.Memory.SearchK = def.Memory.SearchK
	}
	if cfg.Memory.RecencyK == 0 {
		cfg.Memory.RecencyK = def.Memory.RecencyK
	}
	if cfg.Memory.CacheSize == 0 {
		cfg.Memory.CacheSize = def.Memory.CacheSize
	}
	if cfg.Context.MaxChars == 0 {
		cfg.Context.MaxChars = def.Context.MaxChars
	}
	if cfg.Context.SummaryShare == 0 {
		cfg.Context.SummaryShare = def.Context.SummaryShare
	}
	if cfg.Context.FactShare == 0 {
		cfg.Context.FactShare = def.Context.FactShare
	}
	if cfg.Snapshots.MaxKeep == 0 {
		cfg.Snapshots.MaxKeep = def.Snapshots.MaxKeep
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WRITERAI_RUN_DIR"); v != "" {
		cfg.RunDir = v
	}
	if v := os.Getenv("WRITERAI_BUDGET_CEILING"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.CeilingUSD = f
		}
	}
}

// Validate checks structural correctness and reports every problem found.
func (c *Config) Validate() error {
	var problems []string

	if c.RunDir == "" {
		problems = append(problems, "run_dir must be set")
	}
	if c.Budget.CeilingUSD <= 0 {
		problems = append(problems, "budget.ceiling_usd must be positive")
	}
	if c.Limits.CallTimeoutSeconds <= 0 {
		problems = append(problems, "limits.call_timeout_seconds must be positive")
	}
	if c.Limits.RequestsPerMinute <= 0 {
		problems = append(problems, "limits.requests_per_minute must be positive")
	}

	if len(c.Backends) == 0 {
		problems = append(problems, "at least one backend must be configured")
	}
	for id, b := range c.Backends {
		switch b.Provider {
		case "anthropic", "openai", "local":
		case "":
			problems = append(problems, fmt.Sprintf("backend %s: provider must be set", id))
		default:
			problems = append(problems, fmt.Sprintf("backend %s: unknown provider %q", id, b.Provider))
		}
		if b.Model == "" {
			problems = append(problems, fmt.Sprintf("backend %s: model must be set", id))
		}
		if b.Provider == "local" && b.BaseURL == "" {
			problems = append(problems, fmt.Sprintf("backend %s: local provider needs base_url", id))
		}
	}

	for key, backendID := range c.Models {
		if _, ok := c.Backends[backendID]; !ok {
			problems = append(problems, fmt.Sprintf("models.%s: unknown backend %q", key, backendID))
		}
	}

	if len(c.Stages) == 0 {
		problems = append(problems, "at least one stage must be configured")
	}
	seen := make(map[string]bool)
	for i, s := range c.Stages {
		if s.Name == "" {
			problems = append(problems, fmt.Sprintf("stage %d: name must be set", i))
			continue
		}
		if seen[s.Name] {
			problems = append(problems, fmt.Sprintf("stage %s: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if s.MaxOutputTokens <= 0 {
			problems = append(problems, fmt.Sprintf("stage %s: max_output_tokens must be positive", s.Name))
		}
		if s.Instruction == "" {
			problems = append(problems, fmt.Sprintf("stage %s: instruction must be set", s.Name))
		}
	}

	if c.Context.SummaryShare < 0 || c.Context.SummaryShare > 1 {
		problems = append(problems, "context.summary_share must be within [0,1]")
	}
	if c.Context.FactShare < 0 || c.Context.FactShare > 1 {
		problems = append(problems, "context.fact_share must be within [0,1]")
	}
	if c.Context.SummaryShare+c.Context.FactShare > 1.0001 {
		problems = append(problems, "context shares must not exceed 1.0 combined")
	}
	if c.Snapshots.MaxKeep < 0 {
		problems = append(problems, "snapshots.max_keep must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// CallTimeout returns the per-call timeout as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Limits.CallTimeoutSeconds) * time.Second
}
