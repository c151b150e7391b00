package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/andesdata/esma-agent/internal/agent"
	"github.com/andesdata/esma-agent/internal/config"
	"github.com/andesdata/esma-agent/internal/index"
	"github.com/andesdata/esma-agent/internal/memory"
	"github.com/andesdata/esma-agent/internal/oracle"
	"github.com/andesdata/esma-agent/internal/router"
	"github.com/andesdata/esma-agent/internal/schema"
	"github.com/andesdata/esma-agent/internal/server"
	"github.com/andesdata/esma-agent/internal/store"
	"github.com/andesdata/esma-agent/internal/warehouse"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(cfg.LogFormat)) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// app holds the wired runtime behind the serve command.
type app struct {
	store      *store.Store
	idx        *index.Local
	warehouses []*warehouse.SQLite
	server     *server.Server
}

func (a *app) Close() {
	if a == nil {
		return
	}
	for _, wh := range a.warehouses {
		_ = wh.Close()
	}
	if a.idx != nil {
		_ = a.idx.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// resolveModelID picks the reasoning model: an explicit override must be on
// the configured model list, otherwise the config default is used.
func resolveModelID(cfg *config.Config, override string) (string, error) {
	if o := strings.TrimSpace(override); o != "" {
		if !cfg.IsAllowedModelID(o) {
			return "", fmt.Errorf("model %q is not in the configured model list", o)
		}
		return o, nil
	}
	modelID, ok := cfg.DefaultModelID()
	if !ok {
		return "", errors.New("no default model configured")
	}
	return modelID, nil
}

// buildOracle builds the reasoning client for a <provider_id>/<model_name>
// wire id and returns the bare model name alongside it.
func buildOracle(cfg *config.Config, modelID string) (oracle.Oracle, string, error) {
	providerID, modelName, ok := strings.Cut(modelID, "/")
	if !ok {
		return nil, "", fmt.Errorf("malformed model id %q", modelID)
	}
	p, ok := cfg.ProviderByID(providerID)
	if !ok {
		return nil, "", fmt.Errorf("unknown provider %q", providerID)
	}
	apiKey := os.Getenv(p.APIKeyEnv)
	if strings.TrimSpace(apiKey) == "" {
		return nil, "", fmt.Errorf("missing api key: set %s", p.APIKeyEnv)
	}
	orc, err := oracle.New(p.Type, p.BaseURL, apiKey, modelName)
	if err != nil {
		return nil, "", err
	}
	return orc, modelName, nil
}

// embeddingProvider picks the provider backing the embedding model: the
// first OpenAI-compatible one.
func embeddingProvider(cfg *config.Config) (*config.Provider, error) {
	for i := range cfg.Providers {
		switch strings.ToLower(strings.TrimSpace(cfg.Providers[i].Type)) {
		case "openai", "openai_compatible":
			return &cfg.Providers[i], nil
		}
	}
	return nil, errors.New("no openai-compatible provider for embeddings")
}

func openIndex(cfg *config.Config) (*index.Local, error) {
	ep, err := embeddingProvider(cfg)
	if err != nil {
		return nil, err
	}
	apiKey := os.Getenv(ep.APIKeyEnv)
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("missing api key: set %s", ep.APIKeyEnv)
	}
	embedder, err := index.NewOpenAIEmbedder(ep.BaseURL, apiKey, cfg.EffectiveEmbeddingModel())
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	return index.OpenLocal(filepath.Join(cfg.EffectiveDataDir(), "index.sqlite"), embedder)
}

func buildApp(cfg *config.Config, logger *slog.Logger, modelOverride string) (*app, error) {
	modelID, err := resolveModelID(cfg, modelOverride)
	if err != nil {
		return nil, err
	}
	orc, modelName, err := buildOracle(cfg, modelID)
	if err != nil {
		return nil, err
	}

	idx, err := openIndex(cfg)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	a := &app{idx: idx}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := store.Open(filepath.Join(cfg.EffectiveDataDir(), "threads.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}
	a.store = st

	datasets := make(map[string]*agent.DatasetRuntime, len(cfg.Datasets))
	for _, d := range cfg.Datasets {
		cat, err := schema.LoadCatalog(d.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", d.ID, err)
		}
		wh, err := warehouse.OpenSQLite(warehouse.SQLiteOptions{
			Path:         d.WarehouseDSN,
			MaxRows:      cfg.Limits.EffectiveMaxResultRows(),
			MaxBytes:     cfg.Limits.EffectiveMaxResultBytes(),
			QueryTimeout: cfg.Limits.EffectiveToolTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("dataset %s: open warehouse: %w", d.ID, err)
		}
		a.warehouses = append(a.warehouses, wh)

		id := strings.ToLower(strings.TrimSpace(d.ID))
		datasets[id] = &agent.DatasetRuntime{
			ID:               id,
			Catalog:          cat,
			Known:            cat.KnownSchema(),
			Warehouse:        wh,
			Searcher:         idx,
			ColumnsNamespace: d.ColumnsNamespace(),
			DocsNamespace:    d.DocsNamespace(),
		}
	}

	rtr, err := router.New(router.Options{
		Datasets:            cfg.Datasets,
		Oracle:              orc,
		ConfidenceThreshold: cfg.Limits.EffectiveRouterConfidence(),
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init router: %w", err)
	}

	summarizer, err := memory.NewOracleSummarizer(orc)
	if err != nil {
		return nil, fmt.Errorf("init summarizer: %w", err)
	}

	ag, err := agent.New(agent.Options{
		Store:      st,
		Router:     rtr,
		Oracle:     orc,
		Summarizer: summarizer,
		Limits:     cfg.Limits,
		Datasets:   datasets,
		Model:      modelName,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init agent: %w", err)
	}

	srv, err := server.New(server.Options{Agent: ag, Store: st, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("init server: %w", err)
	}
	a.server = srv

	ok = true
	return a, nil
}
