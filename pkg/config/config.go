// Package config defines the immutable configuration tree for loom.
//
// Configuration is loaded from a YAML file with ${VAR} environment
// expansion, then defaulted and validated. The resulting Config value is
// passed into constructors explicitly; nothing in this package is
// process-wide state.
package config

import (
	"fmt"
)

// ProviderType identifies an upstream LLM provider implementation.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
)

// ModelTier is the entitlement class required to use a model.
type ModelTier string

const (
	TierFree ModelTier = "free"
	TierPaid ModelTier = "paid"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server,omitempty"`
	Logger    LoggerConfig              `yaml:"logger,omitempty"`
	Store     StoreConfig               `yaml:"store,omitempty"`
	Search    SearchConfig              `yaml:"search,omitempty"`
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
	Models    ModelsConfig              `yaml:"models,omitempty"`
	Chat      ChatConfig                `yaml:"chat,omitempty"`
	Artifacts ArtifactsConfig           `yaml:"artifacts,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string     `yaml:"host,omitempty"`
	Port int        `yaml:"port,omitempty"`
	Auth AuthConfig `yaml:"auth,omitempty"`
}

// AuthConfig configures bearer-token authentication. When Secret is empty,
// all requests run as the anonymous guest user.
type AuthConfig struct {
	// Secret is the HS256 shared secret for verifying bearer JWTs.
	// Supports ${VAR} expansion.
	Secret string `yaml:"secret,omitempty"`
}

// LoggerConfig configures logging.
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // simple, verbose
	File   string `yaml:"file,omitempty"`   // optional log file path
}

// StoreConfig configures the SQL store.
// Driver is one of sqlite, postgres, mysql.
type StoreConfig struct {
	Driver   string `yaml:"driver,omitempty"`
	DSN      string `yaml:"dsn,omitempty"`
	MaxConns int    `yaml:"max_conns,omitempty"`
	MaxIdle  int    `yaml:"max_idle,omitempty"`
}

// SearchConfig configures the web search provider. Search is disabled when
// APIKey is empty; turns requesting search then receive an advisory event
// and proceed without search context.
type SearchConfig struct {
	APIKey        string `yaml:"api_key,omitempty"`
	BaseURL       string `yaml:"base_url,omitempty"`
	MaxResults    int    `yaml:"max_results,omitempty"`
	IncludeAnswer bool   `yaml:"include_answer,omitempty"`
	IncludeImages bool   `yaml:"include_images,omitempty"`
	SearchDepth   string `yaml:"search_depth,omitempty"` // basic or advanced
	Timeout       int    `yaml:"timeout,omitempty"`      // seconds
}

// ProviderConfig configures one upstream LLM provider connection.
type ProviderConfig struct {
	Type        ProviderType `yaml:"type,omitempty"`
	APIKey      string       `yaml:"api_key,omitempty"`
	BaseURL     string       `yaml:"base_url,omitempty"`
	Temperature *float64     `yaml:"temperature,omitempty"`
	MaxTokens   int          `yaml:"max_tokens,omitempty"`
	Timeout     int          `yaml:"timeout,omitempty"` // seconds
	MaxRetries  int          `yaml:"max_retries,omitempty"`
	RetryDelay  int          `yaml:"retry_delay,omitempty"` // seconds
}

// ModelSpec describes one entry of the model catalog.
type ModelSpec struct {
	// ID is the catalog identifier clients request (e.g. "chat-model-small").
	ID string `yaml:"id"`

	// Tier is the entitlement required to use this model. Models absent
	// from the catalog are treated as paid (fail closed).
	Tier ModelTier `yaml:"tier,omitempty"`

	// Provider names an entry of Config.Providers.
	Provider string `yaml:"provider,omitempty"`

	// Upstream is the provider-side model name (e.g. "gpt-4o").
	Upstream string `yaml:"upstream,omitempty"`

	// Reasoning marks a reasoning-model variant. Reasoning models emit
	// reasoning deltas and receive an empty tool set.
	Reasoning bool `yaml:"reasoning,omitempty"`
}

// ModelsConfig is the static model catalog plus the per-tier defaults the
// access gate substitutes on downgrade.
type ModelsConfig struct {
	Catalog     []ModelSpec `yaml:"catalog,omitempty"`
	DefaultFree string      `yaml:"default_free,omitempty"`
	DefaultPaid string      `yaml:"default_paid,omitempty"`
}

// ChatConfig tunes the turn pipeline.
type ChatConfig struct {
	// MaxToolSteps caps tool-invocation rounds per turn.
	MaxToolSteps int `yaml:"max_tool_steps,omitempty"`

	// HistoryTokenBudget trims prior messages oldest-first to this many
	// prompt tokens before the model call. 0 disables trimming.
	HistoryTokenBudget int `yaml:"history_token_budget,omitempty"`

	// TitleModel is the catalog model used to derive chat titles.
	TitleModel string `yaml:"title_model,omitempty"`
}

// ArtifactsConfig selects the models artifact handlers generate with.
type ArtifactsConfig struct {
	// Model is the catalog model artifact handlers call first.
	Model string `yaml:"model,omitempty"`

	// FallbackModel is retried once when the primary call fails
	// (text and image kinds).
	FallbackModel string `yaml:"fallback_model,omitempty"`
}

// SetDefaults applies default values in place.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "simple"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = "loom.db"
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 10
	}
	if c.Store.MaxIdle == 0 {
		c.Store.MaxIdle = 2
	}
	if c.Search.BaseURL == "" {
		c.Search.BaseURL = "https://api.tavily.com"
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 5
	}
	if c.Search.SearchDepth == "" {
		c.Search.SearchDepth = "basic"
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = 20
	}
	if c.Chat.MaxToolSteps == 0 {
		c.Chat.MaxToolSteps = 5
	}
	if c.Chat.HistoryTokenBudget == 0 {
		c.Chat.HistoryTokenBudget = 100_000
	}

	if len(c.Providers) == 0 {
		c.Providers = map[string]ProviderConfig{
			"openai":    {Type: ProviderOpenAI, APIKey: "${OPENAI_API_KEY}"},
			"anthropic": {Type: ProviderAnthropic, APIKey: "${ANTHROPIC_API_KEY}"},
		}
	}
	for name, p := range c.Providers {
		if p.MaxTokens == 0 {
			p.MaxTokens = 4096
		}
		if p.Timeout == 0 {
			p.Timeout = 120
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 3
		}
		if p.RetryDelay == 0 {
			p.RetryDelay = 2
		}
		c.Providers[name] = p
	}

	if len(c.Models.Catalog) == 0 {
		c.Models.Catalog = []ModelSpec{
			{ID: "chat-model-small", Tier: TierFree, Provider: "openai", Upstream: "gpt-4o-mini"},
			{ID: "chat-model-large", Tier: TierPaid, Provider: "openai", Upstream: "gpt-4o"},
			{ID: "chat-model-reasoning", Tier: TierPaid, Provider: "anthropic", Upstream: "claude-sonnet-4-20250514", Reasoning: true},
		}
	}
	if c.Models.DefaultFree == "" {
		c.Models.DefaultFree = "chat-model-small"
	}
	if c.Models.DefaultPaid == "" {
		c.Models.DefaultPaid = "chat-model-large"
	}
	if c.Chat.TitleModel == "" {
		c.Chat.TitleModel = c.Models.DefaultFree
	}
	if c.Artifacts.Model == "" {
		c.Artifacts.Model = c.Models.DefaultFree
	}
	if c.Artifacts.FallbackModel == "" {
		c.Artifacts.FallbackModel = c.Models.DefaultPaid
	}
}

// Validate checks cross-references between sections.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported store driver: %s (supported: sqlite, postgres, mysql)", c.Store.Driver)
	}

	ids := make(map[string]bool, len(c.Models.Catalog))
	for _, spec := range c.Models.Catalog {
		if spec.ID == "" {
			return fmt.Errorf("model catalog entry missing id")
		}
		if ids[spec.ID] {
			return fmt.Errorf("duplicate model catalog id: %s", spec.ID)
		}
		ids[spec.ID] = true

		if _, ok := c.Providers[spec.Provider]; !ok {
			return fmt.Errorf("model %s references unknown provider: %s", spec.ID, spec.Provider)
		}
		switch spec.Tier {
		case TierFree, TierPaid:
		default:
			return fmt.Errorf("model %s has invalid tier: %s", spec.ID, spec.Tier)
		}
	}

	for _, ref := range []struct{ field, id string }{
		{"models.default_free", c.Models.DefaultFree},
		{"models.default_paid", c.Models.DefaultPaid},
		{"chat.title_model", c.Chat.TitleModel},
		{"artifacts.model", c.Artifacts.Model},
		{"artifacts.fallback_model", c.Artifacts.FallbackModel},
	} {
		if !ids[ref.id] {
			return fmt.Errorf("%s references unknown model: %s", ref.field, ref.id)
		}
	}

	for name, p := range c.Providers {
		switch p.Type {
		case ProviderOpenAI, ProviderAnthropic:
		default:
			return fmt.Errorf("provider %s has unsupported type: %s", name, p.Type)
		}
	}

	return nil
}

// ModelByID looks up a catalog entry.
func (c *Config) ModelByID(id string) (ModelSpec, bool) {
	for _, spec := range c.Models.Catalog {
		if spec.ID == id {
			return spec, true
		}
	}
	return ModelSpec{}, false
}
