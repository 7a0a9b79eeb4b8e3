// Package config loads and validates Recall configuration.
//
// Configuration comes from a YAML file with ${ENV} interpolation, then
// well-known environment variables override individual values. Validation
// runs at startup and refuses to start on fatal misconfiguration, most
// importantly an HMAC secret shorter than 32 bytes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/recall/internal/signature"
)

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Organization OrganizationConfig `yaml:"organization"`
	Store        StoreConfig        `yaml:"store"`
	LLM          LLMConfig          `yaml:"llm"`
	Profile      ProfileConfig      `yaml:"profile"`
	Extraction   ExtractionConfig   `yaml:"extraction"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Assembler    AssemblerConfig    `yaml:"assembler"`
	Payloads     PayloadsConfig     `yaml:"payloads"`
	Registry     RegistryConfig     `yaml:"registry"`
}

// ServerConfig configures the HTTP listener and per-endpoint deadlines.
type ServerConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes"`
	PreCallDeadline     time.Duration `yaml:"pre_call_deadline"`
	SearchDeadline      time.Duration `yaml:"search_deadline"`
	PostCallAckDeadline time.Duration `yaml:"post_call_ack_deadline"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OrganizationConfig describes the organization this deployment serves.
// The organization is the isolation boundary: the HMAC secret, privacy rules
// and scoring thresholds are all per-organization.
type OrganizationConfig struct {
	ID                  string            `yaml:"id"`
	HMACSecret          string            `yaml:"hmac_secret"`
	SignatureSkew       time.Duration     `yaml:"signature_skew"`
	ShareThreshold      int               `yaml:"share_threshold"`
	SimilarityThreshold float64           `yaml:"similarity_threshold"`
	ConflictThreshold   float64           `yaml:"conflict_threshold"`
	ProviderPreference  string            `yaml:"llm_provider_preference"` // primary|secondary|auto
	PrivacyRules        map[string]string `yaml:"privacy_rules"`
}

// StoreConfig configures the external vector memory store.
type StoreConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxConns    int           `yaml:"max_conns"`
}

// LLMConfig configures the two LLM providers and call budgets.
type LLMConfig struct {
	OpenAIAPIKey      string        `yaml:"openai_api_key"`
	OpenAIModel       string        `yaml:"openai_model"`
	AnthropicAPIKey   string        `yaml:"anthropic_api_key"`
	AnthropicModel    string        `yaml:"anthropic_model"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	SummarizeMaxToken int           `yaml:"summarize_max_tokens"`
}

// ProfileConfig configures the remote agent-profile API and cache.
type ProfileConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	TTL         time.Duration `yaml:"ttl"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ExtractionConfig configures the transcript extraction pipeline.
type ExtractionConfig struct {
	ChunkTokens int `yaml:"chunk_tokens"`
	Parallelism int `yaml:"parallelism"`
}

// SchedulerConfig configures the extraction worker pool.
type SchedulerConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	MaxAttempts   int           `yaml:"max_attempts"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AssemblerConfig configures the pre-call context assembler.
type AssemblerConfig struct {
	MaxMemories    int `yaml:"max_memories"`
	TokenBudget    int `yaml:"token_budget"`
	RecentMemories int `yaml:"recent_memories"`
}

// PayloadsConfig configures the on-disk payload archive.
type PayloadsConfig struct {
	Root string `yaml:"root"`
}

// RegistryConfig configures the local caller/conversation registry.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// Default returns the documented configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			MaxBodyBytes:        10 << 20, // transcripts and base64 audio
			PreCallDeadline:     2000 * time.Millisecond,
			SearchDeadline:      3000 * time.Millisecond,
			PostCallAckDeadline: 1000 * time.Millisecond,
			ShutdownGrace:       30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Organization: OrganizationConfig{
			ID:                  "default",
			SignatureSkew:       1800 * time.Second,
			ShareThreshold:      8,
			SimilarityThreshold: 0.85,
			ConflictThreshold:   0.70,
			ProviderPreference:  "auto",
		},
		Store: StoreConfig{
			CallTimeout: 10 * time.Second,
			MaxConns:    20, // worker pool + expected inbound concurrency
		},
		LLM: LLMConfig{
			OpenAIModel:       "gpt-4o-mini",
			AnthropicModel:    "claude-3-5-haiku-latest",
			CallTimeout:       30 * time.Second,
			SummarizeMaxToken: 2000,
		},
		Profile: ProfileConfig{
			TTL:         24 * time.Hour,
			CallTimeout: 5 * time.Second,
		},
		Extraction: ExtractionConfig{
			ChunkTokens: 8000,
			Parallelism: 3,
		},
		Scheduler: SchedulerConfig{
			Workers:       10,
			QueueCapacity: 1000,
			MaxAttempts:   3,
			SweepInterval: 5 * time.Minute,
		},
		Assembler: AssemblerConfig{
			MaxMemories:    20,
			TokenBudget:    2000,
			RecentMemories: 10,
		},
		Payloads: PayloadsConfig{Root: "data"},
		Registry: RegistryConfig{Path: "data/recall.db"},
	}
}

// Load reads the config file at path (optional; empty path uses pure
// defaults), applies ${ENV} interpolation, then environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps the documented environment variables onto config
// fields. Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	envString("HMAC_SECRET", &cfg.Organization.HMACSecret)
	envString("ORGANIZATION_ID", &cfg.Organization.ID)
	envString("OPENAI_API_KEY", &cfg.LLM.OpenAIAPIKey)
	envString("ANTHROPIC_API_KEY", &cfg.LLM.AnthropicAPIKey)
	envString("MEMORY_STORE_URL", &cfg.Store.BaseURL)
	envString("MEMORY_STORE_API_KEY", &cfg.Store.APIKey)
	envString("AGENT_PROFILE_URL", &cfg.Profile.BaseURL)
	envString("AGENT_PROFILE_API_KEY", &cfg.Profile.APIKey)
	envString("PAYLOAD_ROOT", &cfg.Payloads.Root)

	envSeconds("SIGNATURE_SKEW_SECONDS", &cfg.Organization.SignatureSkew)
	envSeconds("AGENT_PROFILE_TTL_SECONDS", &cfg.Profile.TTL)
	envSeconds("LLM_CALL_TIMEOUT_SECONDS", &cfg.LLM.CallTimeout)
	envSeconds("STORE_CALL_TIMEOUT_SECONDS", &cfg.Store.CallTimeout)
	envSeconds("SHUTDOWN_GRACE_SECONDS", &cfg.Server.ShutdownGrace)

	envMillis("PRE_CALL_DEADLINE_MS", &cfg.Server.PreCallDeadline)
	envMillis("SEARCH_DEADLINE_MS", &cfg.Server.SearchDeadline)
	envMillis("POST_CALL_ACK_DEADLINE_MS", &cfg.Server.PostCallAckDeadline)

	envInt("SHARE_THRESHOLD", &cfg.Organization.ShareThreshold)
	envInt("CONTEXT_MAX_MEMORIES", &cfg.Assembler.MaxMemories)
	envInt("CONTEXT_TOKEN_BUDGET", &cfg.Assembler.TokenBudget)
	envInt("EXTRACT_PARALLELISM", &cfg.Extraction.Parallelism)
	envInt("CHUNK_TOKENS", &cfg.Extraction.ChunkTokens)
	envInt("WORKER_POOL_SIZE", &cfg.Scheduler.Workers)
	envInt("JOB_QUEUE_CAPACITY", &cfg.Scheduler.QueueCapacity)

	envFloat("SIMILARITY_THRESHOLD", &cfg.Organization.SimilarityThreshold)
	envFloat("CONFLICT_THRESHOLD", &cfg.Organization.ConflictThreshold)
}

// Validate checks invariants that must hold before the process serves
// traffic.
func (c *Config) Validate() error {
	if len(c.Organization.HMACSecret) < signature.MinSecretLen {
		return fmt.Errorf("organization.hmac_secret must be at least %d bytes, got %d",
			signature.MinSecretLen, len(c.Organization.HMACSecret))
	}
	if c.Organization.ID == "" {
		return fmt.Errorf("organization.id is required")
	}
	if c.Organization.ShareThreshold < 1 || c.Organization.ShareThreshold > 10 {
		return fmt.Errorf("organization.share_threshold must be in [1,10], got %d", c.Organization.ShareThreshold)
	}
	if c.Organization.SimilarityThreshold <= 0 || c.Organization.SimilarityThreshold > 1 {
		return fmt.Errorf("organization.similarity_threshold must be in (0,1], got %g", c.Organization.SimilarityThreshold)
	}
	if c.Organization.ConflictThreshold <= 0 || c.Organization.ConflictThreshold > c.Organization.SimilarityThreshold {
		return fmt.Errorf("organization.conflict_threshold must be in (0, similarity_threshold], got %g", c.Organization.ConflictThreshold)
	}
	switch c.Organization.ProviderPreference {
	case "primary", "secondary", "auto":
	default:
		return fmt.Errorf("organization.llm_provider_preference must be primary, secondary or auto, got %q", c.Organization.ProviderPreference)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.QueueCapacity < 1 {
		return fmt.Errorf("scheduler.queue_capacity must be positive, got %d", c.Scheduler.QueueCapacity)
	}
	if c.Extraction.Parallelism < 1 {
		return fmt.Errorf("extraction.parallelism must be positive, got %d", c.Extraction.Parallelism)
	}
	if c.Extraction.ChunkTokens < 100 {
		return fmt.Errorf("extraction.chunk_tokens must be at least 100, got %d", c.Extraction.ChunkTokens)
	}
	if c.Payloads.Root == "" {
		return fmt.Errorf("payloads.root is required")
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envSeconds(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envMillis(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
