package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for esma-agent.
//
// NOTE: Secrets (API keys) are never stored here. Each provider names the
// environment variable that carries its key.
type Config struct {
	// ListenAddr is the HTTP listen address for the chat API.
	ListenAddr string `json:"listen_addr,omitempty"`

	// DataDir holds the agent's local SQLite databases (threads, vector index).
	// If empty, a default under the user home dir is used.
	DataDir string `json:"data_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`

	// Providers is the reasoning-provider registry.
	//
	// Notes:
	// - Providers own their allowed model list (provider + model are always configured together).
	// - Exactly one provider model must be marked as default via models[].is_default.
	Providers []Provider `json:"providers"`

	// EmbeddingModel is the embedding model used to build and query the
	// column/documentation index. Resolved against the first provider of type
	// "openai" or "openai_compatible".
	EmbeddingModel string `json:"embedding_model,omitempty"`

	// Datasets lists the survey datasets the agent can answer questions about.
	Datasets []Dataset `json:"datasets"`

	// Limits carries loop, memory, and execution limits. All fields are
	// optional; zero-value config gets the documented defaults.
	Limits *Limits `json:"limits,omitempty"`
}

type Provider struct {
	// ID is a stable internal id (primary key). It must not change once used for model routing.
	ID string `json:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `json:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the provider API key.
	APIKeyEnv string `json:"api_key_env"`

	// Models is the allowed model list for this provider.
	Models []ProviderModel `json:"models,omitempty"`
}

type ProviderModel struct {
	ModelName string `json:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `json:"is_default,omitempty"`
}

// Dataset describes one survey database the agent can be routed to.
type Dataset struct {
	// ID is the routing key (example: "enaho", "geih").
	ID string `json:"id"`

	// Name is a human-friendly label (example: "ENAHO 2024 (Peru)").
	Name string `json:"name,omitempty"`

	// Cues are lowercase keywords that deterministically route a question to
	// this dataset (country names, survey acronyms).
	Cues []string `json:"cues,omitempty"`

	// WarehouseDSN is the read-only SQLite database holding the survey tables.
	WarehouseDSN string `json:"warehouse_dsn"`

	// CatalogPath is the YAML catalog describing tables, columns, and weights.
	CatalogPath string `json:"catalog_path"`
}

// ColumnsNamespace returns the vector-index namespace for column metadata.
func (d Dataset) ColumnsNamespace() string {
	return strings.TrimSpace(strings.ToLower(d.ID)) + "-columns"
}

// DocsNamespace returns the vector-index namespace for methodology documentation.
func (d Dataset) DocsNamespace() string {
	return strings.TrimSpace(strings.ToLower(d.ID)) + "-documentation"
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	format := strings.TrimSpace(strings.ToLower(c.LogFormat))
	switch format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	level := strings.TrimSpace(strings.ToLower(c.LogLevel))
	switch level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if strings.TrimSpace(p.APIKeyEnv) == "" {
			return fmt.Errorf("providers[%d]: missing api_key_env", i)
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			name := strings.TrimSpace(p.Models[j].ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if p.Models[j].IsDefault {
				defaultCount++
			}
		}
	}
	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}

	if len(c.Datasets) == 0 {
		return errors.New("missing datasets")
	}
	dsSeen := make(map[string]struct{}, len(c.Datasets))
	for i := range c.Datasets {
		d := c.Datasets[i]
		id := strings.TrimSpace(strings.ToLower(d.ID))
		if id == "" {
			return fmt.Errorf("datasets[%d]: missing id", i)
		}
		if _, ok := dsSeen[id]; ok {
			return fmt.Errorf("datasets[%d]: duplicate id %q", i, id)
		}
		dsSeen[id] = struct{}{}
		if strings.TrimSpace(d.WarehouseDSN) == "" {
			return fmt.Errorf("datasets[%d]: missing warehouse_dsn", i)
		}
		if strings.TrimSpace(d.CatalogPath) == "" {
			return fmt.Errorf("datasets[%d]: missing catalog_path", i)
		}
	}

	if c.Limits != nil {
		if err := c.Limits.Validate(); err != nil {
			return fmt.Errorf("invalid limits: %w", err)
		}
	}
	return nil
}

// DefaultModelID returns the default model wire id (<provider_id>/<model_name>).
//
// It assumes Validate() has passed. When config is invalid/incomplete, it returns ("", false).
func (c *Config) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if !m.IsDefault {
				continue
			}
			mn := strings.TrimSpace(m.ModelName)
			if mn == "" {
				continue
			}
			return pid + "/" + mn, true
		}
	}
	return "", false
}

// IsAllowedModelID reports whether the given model wire id (<provider_id>/<model_name>) exists in the config allow-list.
func (c *Config) IsAllowedModelID(modelID string) bool {
	if c == nil {
		return false
	}
	raw := strings.TrimSpace(modelID)
	pid, mn, ok := strings.Cut(raw, "/")
	pid = strings.TrimSpace(pid)
	mn = strings.TrimSpace(mn)
	if !ok || pid == "" || mn == "" {
		return false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == mn {
				return true
			}
		}
		return false
	}
	return false
}

// ProviderByID returns the provider with the given id.
func (c *Config) ProviderByID(id string) (*Provider, bool) {
	if c == nil {
		return nil, false
	}
	id = strings.TrimSpace(id)
	for i := range c.Providers {
		if strings.TrimSpace(c.Providers[i].ID) == id {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

const (
	defaultListenAddr     = "127.0.0.1:8080"
	defaultEmbeddingModel = "text-embedding-3-small"
)

func (c *Config) EffectiveListenAddr() string {
	if c == nil {
		return defaultListenAddr
	}
	v := strings.TrimSpace(c.ListenAddr)
	if v == "" {
		return defaultListenAddr
	}
	return v
}

func (c *Config) EffectiveEmbeddingModel() string {
	if c == nil {
		return defaultEmbeddingModel
	}
	v := strings.TrimSpace(c.EmbeddingModel)
	if v == "" {
		return defaultEmbeddingModel
	}
	return v
}

func (c *Config) EffectiveDataDir() string {
	if c != nil {
		if v := strings.TrimSpace(c.DataDir); v != "" {
			return filepath.Clean(v)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".esma-agent"
	}
	return filepath.Join(home, ".esma-agent")
}

// DefaultConfigPath returns the default config path:
//
//	~/.esma-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "esma-agent.config.json"
	}
	return filepath.Join(home, ".esma-agent", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
