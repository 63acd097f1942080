// Package config assembles runtime settings from defaults, an optional YAML
// file, a .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/polzovatel/browser-autopilot/internal/agent"
	"github.com/polzovatel/browser-autopilot/internal/knowledge"
	"github.com/polzovatel/browser-autopilot/internal/llm"
	"github.com/polzovatel/browser-autopilot/internal/recovery"
	"github.com/polzovatel/browser-autopilot/internal/router"
)

const (
	envProvider = "LLM_PROVIDER"

	envAnthropicKey   = "ANTHROPIC_API_KEY"
	envAnthropicModel = "ANTHROPIC_MODEL"
	envAnthropicURL   = "ANTHROPIC_BASE_URL"
	envOpenAIKey      = "OPENAI_API_KEY"
	envOpenAIModel    = "OPENAI_MODEL"
	envOpenAIURL      = "OPENAI_BASE_URL"

	envHeadless = "AGENT_HEADLESS"
	envStorage  = "AGENT_STORAGE_STATE"

	envDB                  = "AUTOPILOT_DB"
	envMaxSteps            = "AUTOPILOT_MAX_STEPS"
	envSkillThreshold      = "AUTOPILOT_SKILL_THRESHOLD"
	envTrajectoryThreshold = "AUTOPILOT_TRAJECTORY_THRESHOLD"
	envRecoveryAttempts    = "AUTOPILOT_RECOVERY_ATTEMPTS"
	envOracleAttempts      = "AUTOPILOT_ORACLE_ATTEMPTS"
	envActionTimeout       = "AUTOPILOT_ACTION_TIMEOUT"
	envThinkTimeout        = "AUTOPILOT_THINK_TIMEOUT"
	envParallelism         = "AUTOPILOT_PARALLELISM"
	envSynthesize          = "AUTOPILOT_SYNTHESIZE"
	envLogLevel            = "LOG_LEVEL"
)

type LLM struct {
	Provider   string        `yaml:"provider"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type Browser struct {
	Headless bool `yaml:"headless"`
	// StorageState is a Playwright storage state file loaded into every
	// new browser context.
	StorageState string `yaml:"storage_state"`
}

type Store struct {
	Path    string            `yaml:"path"`
	Weights knowledge.Weights `yaml:"weights"`
}

type Routing struct {
	SkillThreshold      float64 `yaml:"skill_threshold"`
	TrajectoryThreshold float64 `yaml:"trajectory_threshold"`
}

type Loop struct {
	MaxSteps       int           `yaml:"max_steps"`
	MinActions     int           `yaml:"min_actions"`
	OracleAttempts int           `yaml:"oracle_attempts"`
	OracleBackoff  time.Duration `yaml:"oracle_backoff"`
	ObserveTimeout time.Duration `yaml:"observe_timeout"`
	ThinkTimeout   time.Duration `yaml:"think_timeout"`
}

type Recovery struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	ObserveTimeout time.Duration `yaml:"observe_timeout"`
	RepairTimeout  time.Duration `yaml:"repair_timeout"`
}

type Runner struct {
	Parallelism   int           `yaml:"parallelism"`
	MaxReroutes   int           `yaml:"max_reroutes"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	Synthesize    bool          `yaml:"synthesize"`
}

type Config struct {
	LLM      LLM      `yaml:"llm"`
	Browser  Browser  `yaml:"browser"`
	Store    Store    `yaml:"store"`
	Routing  Routing  `yaml:"routing"`
	Loop     Loop     `yaml:"loop"`
	Recovery Recovery `yaml:"recovery"`
	Runner   Runner   `yaml:"runner"`
	LogLevel string   `yaml:"log_level"`
}

func Default() Config {
	lc := agent.DefaultConfig()
	return Config{
		LLM:     LLM{Provider: "anthropic", Timeout: 60 * time.Second, MaxRetries: 3},
		Browser: Browser{Headless: true},
		Store:   Store{Path: "autopilot.db", Weights: knowledge.DefaultWeights()},
		Routing: Routing{SkillThreshold: router.DefaultThreshold, TrajectoryThreshold: router.DefaultThreshold},
		Loop: Loop{
			MaxSteps:       lc.MaxSteps,
			MinActions:     lc.MinActions,
			OracleAttempts: lc.OracleAttempts,
			OracleBackoff:  lc.OracleBackoff,
			ObserveTimeout: lc.ObserveTimeout,
			ThinkTimeout:   lc.ThinkTimeout,
		},
		Recovery: Recovery{
			MaxAttempts:    recovery.DefaultMaxAttempts,
			ObserveTimeout: recovery.DefaultObserveTimeout,
			RepairTimeout:  recovery.DefaultRepairTimeout,
		},
		Runner:   Runner{Parallelism: 1, MaxReroutes: 2, ActionTimeout: 10 * time.Second},
		LogLevel: "info",
	}
}

// Load reads file (skipped when empty) and then the environment. envFiles
// default to ".env"; missing env files are ignored. Non-empty variables of
// the process win over env files.
func Load(file string, envFiles ...string) (Config, error) {
	cfg := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", file, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	dotenv := map[string]string{}
	for _, f := range envFiles {
		vals, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("config %s: %w", f, err)
		}
		for k, v := range vals {
			if _, ok := dotenv[k]; !ok {
				dotenv[k] = v
			}
		}
	}
	lookup := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(dotenv[key])
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) string) error {
	if v := lookup(envProvider); v != "" {
		c.LLM.Provider = strings.ToLower(v)
	}
	keyVar, modelVar, urlVar := envAnthropicKey, envAnthropicModel, envAnthropicURL
	if c.LLM.Provider == "openai" {
		keyVar, modelVar, urlVar = envOpenAIKey, envOpenAIModel, envOpenAIURL
	}
	setString(&c.LLM.APIKey, lookup(keyVar))
	setString(&c.LLM.Model, lookup(modelVar))
	setString(&c.LLM.BaseURL, lookup(urlVar))
	setString(&c.Browser.StorageState, lookup(envStorage))
	setString(&c.Store.Path, lookup(envDB))
	setString(&c.LogLevel, lookup(envLogLevel))

	var errs []error
	errs = append(errs,
		setBool(&c.Browser.Headless, envHeadless, lookup(envHeadless)),
		setBool(&c.Runner.Synthesize, envSynthesize, lookup(envSynthesize)),
		setInt(&c.Loop.MaxSteps, envMaxSteps, lookup(envMaxSteps)),
		setInt(&c.Recovery.MaxAttempts, envRecoveryAttempts, lookup(envRecoveryAttempts)),
		setInt(&c.Loop.OracleAttempts, envOracleAttempts, lookup(envOracleAttempts)),
		setInt(&c.Runner.Parallelism, envParallelism, lookup(envParallelism)),
		setFloat(&c.Routing.SkillThreshold, envSkillThreshold, lookup(envSkillThreshold)),
		setFloat(&c.Routing.TrajectoryThreshold, envTrajectoryThreshold, lookup(envTrajectoryThreshold)),
		setDuration(&c.Runner.ActionTimeout, envActionTimeout, lookup(envActionTimeout)),
		setDuration(&c.Loop.ThinkTimeout, envThinkTimeout, lookup(envThinkTimeout)),
	)
	return errors.Join(errs...)
}

// Validate rejects values that would make a run meaningless.
func (c Config) Validate() error {
	var errs []error
	if c.Loop.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("config: max_steps must be positive, got %d", c.Loop.MaxSteps))
	}
	for name, v := range map[string]float64{
		"skill_threshold":      c.Routing.SkillThreshold,
		"trajectory_threshold": c.Routing.TrajectoryThreshold,
	} {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("config: %s must be in (0,1], got %g", name, v))
		}
	}
	if c.Recovery.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("config: recovery max_attempts must be positive, got %d", c.Recovery.MaxAttempts))
	}
	if c.Runner.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("config: parallelism must be positive, got %d", c.Runner.Parallelism))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("config: log_level: %w", err))
	}
	return errors.Join(errs...)
}

// LLMSettings converts the LLM section for llm.New.
func (c Config) LLMSettings() llm.Settings {
	return llm.Settings{
		Provider:   c.LLM.Provider,
		APIKey:     c.LLM.APIKey,
		Model:      c.LLM.Model,
		BaseURL:    c.LLM.BaseURL,
		Timeout:    c.LLM.Timeout,
		MaxRetries: c.LLM.MaxRetries,
	}
}

// LoopConfig converts the loop section for agent.NewLoop.
func (c Config) LoopConfig() agent.Config {
	return agent.Config{
		MaxSteps:       c.Loop.MaxSteps,
		MinActions:     c.Loop.MinActions,
		OracleAttempts: c.Loop.OracleAttempts,
		OracleBackoff:  c.Loop.OracleBackoff,
		ObserveTimeout: c.Loop.ObserveTimeout,
		ThinkTimeout:   c.Loop.ThinkTimeout,
	}
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = strings.Trim(v, "\"'")
	}
}

func setBool(dst *bool, name, v string) error {
	if v == "" {
		return nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("config: %s: invalid boolean %q", name, v)
	}
	return nil
}

func setInt(dst *int, name, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, name, v string) error {
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, name, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = d
	return nil
}
