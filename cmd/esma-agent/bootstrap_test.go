package main

import (
	"strings"
	"testing"

	"github.com/andesdata/esma-agent/internal/config"
)

func testModelConfig() *config.Config {
	return &config.Config{
		Providers: []config.Provider{{
			ID:        "openai",
			Name:      "OpenAI",
			Type:      "openai",
			APIKeyEnv: "OPENAI_API_KEY",
			Models: []config.ProviderModel{
				{ModelName: "gpt-4o-mini", IsDefault: true},
				{ModelName: "gpt-4o"},
			},
		}},
	}
}

func TestResolveModelID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		override string
		want     string
	}{
		{name: "default", override: "", want: "openai/gpt-4o-mini"},
		{name: "listed override", override: "openai/gpt-4o", want: "openai/gpt-4o"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveModelID(testModelConfig(), tc.override)
			if err != nil {
				t.Fatalf("resolveModelID: %v", err)
			}
			if got != tc.want {
				t.Fatalf("model id = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveModelIDRejectsUnlistedOverride(t *testing.T) {
	t.Parallel()

	for _, override := range []string{"openai/o3", "mistral/mistral-large", "gpt-4o"} {
		if _, err := resolveModelID(testModelConfig(), override); err == nil {
			t.Fatalf("override %q accepted", override)
		} else if !strings.Contains(err.Error(), "model list") {
			t.Fatalf("override %q: unexpected error %v", override, err)
		}
	}
}
