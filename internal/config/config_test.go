package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Providers: []Provider{
			{
				ID:        "openai",
				Name:      "OpenAI",
				Type:      "openai",
				APIKeyEnv: "OPENAI_API_KEY",
				Models: []ProviderModel{
					{ModelName: "gpt-4o-mini", IsDefault: true},
				},
			},
		},
		Datasets: []Dataset{
			{
				ID:           "enaho",
				Name:         "ENAHO (Peru)",
				Cues:         []string{"peru", "enaho"},
				WarehouseDSN: "/tmp/enaho.db",
				CatalogPath:  "/tmp/enaho.yaml",
			},
		},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "no providers",
			mutate:  func(c *Config) { c.Providers = nil },
			wantSub: "missing providers",
		},
		{
			name: "provider id with slash",
			mutate: func(c *Config) {
				c.Providers[0].ID = "open/ai"
			},
			wantSub: "must not contain /",
		},
		{
			name: "duplicate provider id",
			mutate: func(c *Config) {
				c.Providers = append(c.Providers, c.Providers[0])
			},
			wantSub: "duplicate id",
		},
		{
			name: "bad provider type",
			mutate: func(c *Config) {
				c.Providers[0].Type = "gemini"
			},
			wantSub: "invalid type",
		},
		{
			name: "openai_compatible without base_url",
			mutate: func(c *Config) {
				c.Providers[0].Type = "openai_compatible"
			},
			wantSub: "base_url is required",
		},
		{
			name: "bad base_url scheme",
			mutate: func(c *Config) {
				c.Providers[0].BaseURL = "ftp://example.com"
			},
			wantSub: "invalid base_url scheme",
		},
		{
			name: "missing api_key_env",
			mutate: func(c *Config) {
				c.Providers[0].APIKeyEnv = ""
			},
			wantSub: "missing api_key_env",
		},
		{
			name: "no models",
			mutate: func(c *Config) {
				c.Providers[0].Models = nil
			},
			wantSub: "missing models",
		},
		{
			name: "no default model",
			mutate: func(c *Config) {
				c.Providers[0].Models[0].IsDefault = false
			},
			wantSub: "missing default model",
		},
		{
			name: "two default models",
			mutate: func(c *Config) {
				c.Providers[0].Models = append(c.Providers[0].Models,
					ProviderModel{ModelName: "gpt-4o", IsDefault: true})
			},
			wantSub: "multiple default models",
		},
		{
			name:    "no datasets",
			mutate:  func(c *Config) { c.Datasets = nil },
			wantSub: "missing datasets",
		},
		{
			name: "duplicate dataset id case-insensitive",
			mutate: func(c *Config) {
				d := c.Datasets[0]
				d.ID = "ENAHO"
				c.Datasets = append(c.Datasets, d)
			},
			wantSub: "duplicate id",
		},
		{
			name: "dataset without warehouse",
			mutate: func(c *Config) {
				c.Datasets[0].WarehouseDSN = ""
			},
			wantSub: "missing warehouse_dsn",
		},
		{
			name: "bad limits",
			mutate: func(c *Config) {
				n := 0
				c.Limits = &Limits{MaxIterations: &n}
			},
			wantSub: "invalid limits",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantSub: "invalid log_format",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tc.wantSub)
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("Validate() = %q, want substring %q", err.Error(), tc.wantSub)
			}
		})
	}
}

func TestDefaultModelID(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	got, ok := cfg.DefaultModelID()
	if !ok || got != "openai/gpt-4o-mini" {
		t.Fatalf("DefaultModelID() = %q, %v; want %q, true", got, ok, "openai/gpt-4o-mini")
	}

	cfg.Providers[0].Models[0].IsDefault = false
	if _, ok := cfg.DefaultModelID(); ok {
		t.Fatalf("DefaultModelID() ok = true without a default model")
	}
}

func TestIsAllowedModelID(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cases := []struct {
		id   string
		want bool
	}{
		{"openai/gpt-4o-mini", true},
		{" openai / gpt-4o-mini ", true},
		{"openai/gpt-4o", false},
		{"anthropic/gpt-4o-mini", false},
		{"gpt-4o-mini", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := cfg.IsAllowedModelID(tc.id); got != tc.want {
			t.Fatalf("IsAllowedModelID(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestDatasetNamespaces(t *testing.T) {
	t.Parallel()

	d := Dataset{ID: " ENAHO "}
	if got := d.ColumnsNamespace(); got != "enaho-columns" {
		t.Fatalf("ColumnsNamespace() = %q, want %q", got, "enaho-columns")
	}
	if got := d.DocsNamespace(); got != "enaho-documentation" {
		t.Fatalf("DocsNamespace() = %q, want %q", got, "enaho-documentation")
	}
}

func TestLimitsEffectiveDefaults(t *testing.T) {
	t.Parallel()

	var l *Limits
	if got := l.EffectiveMaxIterations(); got != 15 {
		t.Fatalf("EffectiveMaxIterations() = %d, want 15", got)
	}
	if got := l.EffectiveMalformedRetryMax(); got != 2 {
		t.Fatalf("EffectiveMalformedRetryMax() = %d, want 2", got)
	}
	if got := l.EffectiveTokenBudget(); got != 24000 {
		t.Fatalf("EffectiveTokenBudget() = %d, want 24000", got)
	}
	if got := l.EffectiveKeepRecentMessages(); got != 6 {
		t.Fatalf("EffectiveKeepRecentMessages() = %d, want 6", got)
	}
	if got := l.EffectiveRouterConfidence(); got != 0.7 {
		t.Fatalf("EffectiveRouterConfidence() = %v, want 0.7", got)
	}
	if got := l.EffectiveSimilarityThreshold(); got != 0.35 {
		t.Fatalf("EffectiveSimilarityThreshold() = %v, want 0.35", got)
	}
	if got := l.EffectiveRetrievalTopK(); got != 15 {
		t.Fatalf("EffectiveRetrievalTopK() = %d, want 15", got)
	}
	if got := l.EffectiveMaxResultRows(); got != 500 {
		t.Fatalf("EffectiveMaxResultRows() = %d, want 500", got)
	}
	if got := l.EffectiveMaxResultBytes(); got != 256*1024 {
		t.Fatalf("EffectiveMaxResultBytes() = %d, want %d", got, 256*1024)
	}

	n := 200
	over := &Limits{MaxIterations: &n}
	if got := over.EffectiveMaxIterations(); got != 100 {
		t.Fatalf("EffectiveMaxIterations() = %d, want clamped 100", got)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	want := validConfig()
	if err := Save(path, want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config perm = %v, want 0600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Providers[0].ID != "openai" || got.Datasets[0].ID != "enaho" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"providers":[]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load() accepted invalid config")
	}
}
