package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/docsmith/pkg/budget"
	"github.com/pario-ai/docsmith/pkg/job"
	"github.com/pario-ai/docsmith/pkg/models"
	"github.com/pario-ai/docsmith/pkg/prompt"
	"github.com/pario-ai/docsmith/pkg/walker"
)

// APIKeyEnv is consulted when the config does not set api_key.
const APIKeyEnv = "OPENAI_API_KEY"

// Config holds all docsmith configuration.
type Config struct {
	APIKey  string         `yaml:"api_key"`
	BaseURL string         `yaml:"base_url"`
	Model   string         `yaml:"model"`
	Models  []models.Model `yaml:"models"`
	Limits  budget.Limits  `yaml:"limits"`
	Sizing  job.Sizing     `yaml:"sizing"`
	Request RequestConfig  `yaml:"request"`
	Files   walker.Filter  `yaml:"files"`
	Prompt  PromptConfig   `yaml:"prompt"`
	DBPath  string         `yaml:"db_path"`
	Ledger  LedgerConfig   `yaml:"ledger"`
	Cache   CacheConfig    `yaml:"cache"`
	Budget  BudgetConfig   `yaml:"budget"`
	Watch   WatchConfig    `yaml:"watch"`
}

// RequestConfig shapes each completion call.
type RequestConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
}

// PromptConfig selects the few-shot pack. Path wins over Language.
type PromptConfig struct {
	Language string `yaml:"language"`
	Path     string `yaml:"path"`
}

// LedgerConfig controls the run history.
type LedgerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// BudgetConfig controls budget enforcement.
type BudgetConfig struct {
	Enabled  bool                  `yaml:"enabled"`
	Policies []models.BudgetPolicy `yaml:"policies"`
}

// WatchConfig controls watch mode.
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4",
		Limits: budget.Limits{
			Tokens:   90000,
			Requests: 3500,
		},
		Sizing: job.Sizing{
			SkipOnOverflow: true,
			SafetyMargin:   job.DefaultSafetyMargin,
		},
		Request: RequestConfig{
			Timeout:     2 * time.Minute,
			Temperature: 0,
		},
		Files: walker.DefaultFilter(),
		Prompt: PromptConfig{
			Language: "go",
		},
		DBPath: "docsmith.db",
		Ledger: LedgerConfig{
			Enabled: true,
		},
		Cache: CacheConfig{
			Enabled: false,
			TTL:     7 * 24 * time.Hour,
		},
		Budget: BudgetConfig{
			Enabled: false,
		},
		Watch: WatchConfig{
			Debounce: 750 * time.Millisecond,
		},
	}
}

// Load reads a YAML config file and expands environment variables. An empty
// path yields the defaults. In both cases an unset api_key falls back to
// $OPENAI_API_KEY.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := []byte(os.ExpandEnv(string(data)))

		// The files filter defaults by prompt language, so the language is
		// read first and any files section is merged over its filter.
		var peek struct {
			Prompt PromptConfig `yaml:"prompt"`
		}
		if err := yaml.Unmarshal(expanded, &peek); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if peek.Prompt.Language != "" {
			cfg.Files = walker.FilterFor(peek.Prompt.Language)
		}

		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(APIKeyEnv)
	}
	return cfg, nil
}

// Validate reports every structural problem in cfg. The API key is checked
// separately by RequireAPIKey since offline commands do not need it.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ResolveModel(); err != nil {
		errs = append(errs, err)
	}
	if c.Limits.Tokens <= 0 {
		errs = append(errs, fmt.Errorf("limits.tokens must be positive, got %d", c.Limits.Tokens))
	}
	if c.Limits.Requests <= 0 {
		errs = append(errs, fmt.Errorf("limits.requests must be positive, got %d", c.Limits.Requests))
	}
	if c.Sizing.SafetyMargin < 1 {
		errs = append(errs, fmt.Errorf("sizing.safety_margin must be at least 1, got %g", c.Sizing.SafetyMargin))
	}
	if c.Request.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("request.timeout must be positive, got %v", c.Request.Timeout))
	}
	if err := c.Files.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("files: %w", err))
	}
	if _, err := c.PromptBuilder(); err != nil {
		errs = append(errs, err)
	}
	if (c.Ledger.Enabled || c.Cache.Enabled || c.Budget.Enabled) && c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required when ledger, cache or budget is enabled"))
	}
	if c.Budget.Enabled && !c.Ledger.Enabled {
		errs = append(errs, errors.New("budget enforcement requires the ledger"))
	}
	for i, p := range c.Budget.Policies {
		if p.MaxTokens <= 0 {
			errs = append(errs, fmt.Errorf("budget.policies[%d]: max_tokens must be positive", i))
		}
		if p.Period != models.BudgetDaily && p.Period != models.BudgetMonthly {
			errs = append(errs, fmt.Errorf("budget.policies[%d]: unknown period %q", i, p.Period))
		}
	}
	return errors.Join(errs...)
}

// RequireAPIKey fails when no API key is configured.
func (c *Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("no API key: set api_key in the config, pass --key, or export %s", APIKeyEnv)
	}
	return nil
}

// Catalog returns the built-in models plus those declared in the config.
func (c *Config) Catalog() (*models.Catalog, error) {
	return models.NewCatalog(c.Models...)
}

// ResolveModel looks up the configured model.
func (c *Config) ResolveModel() (models.Model, error) {
	cat, err := c.Catalog()
	if err != nil {
		return models.Model{}, err
	}
	return cat.Lookup(c.Model)
}

// PromptBuilder loads the configured prompt pack.
func (c *Config) PromptBuilder() (*prompt.Builder, error) {
	if c.Prompt.Path != "" {
		return prompt.LoadFile(c.Prompt.Path)
	}
	return prompt.Load(c.Prompt.Language)
}
