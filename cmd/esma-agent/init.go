package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/andesdata/esma-agent/internal/config"
	"github.com/andesdata/esma-agent/internal/index"
	"github.com/andesdata/esma-agent/internal/schema"
)

func initCmd(args []string) {
	fs := newFlagSet("init")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	force := fs.Bool("force", false, "Overwrite an existing config and demo data")
	skipIndex := fs.Bool("skip-index", false, "Skip building the vector index (no embedding API calls)")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Printf("Config already exists: %s (use -force to overwrite)\n", path)
	} else {
		if err := writeScaffold(path); err != nil {
			fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Config written: %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *skipIndex {
		fmt.Println("Skipped vector index build.")
		return
	}
	if err := buildIndex(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "index build failed: %v\n(use -skip-index to set up without embeddings)\n", err)
		os.Exit(1)
	}
	fmt.Println("Vector index built.")
}

// writeScaffold writes the starter config plus demo catalogs and demo
// warehouse databases for two survey datasets.
func writeScaffold(cfgPath string) error {
	cfg := scaffoldConfig()
	dataDir := cfg.EffectiveDataDir()

	for _, dir := range []string{filepath.Join(dataDir, "catalogs"), filepath.Join(dataDir, "warehouses")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	catalogs := map[string]string{"enaho": enahoCatalogYAML, "geih": geihCatalogYAML}
	for _, d := range cfg.Datasets {
		if err := os.WriteFile(d.CatalogPath, []byte(catalogs[d.ID]), 0o600); err != nil {
			return fmt.Errorf("write catalog %s: %w", d.ID, err)
		}
		cat, err := schema.LoadCatalog(d.CatalogPath)
		if err != nil {
			return fmt.Errorf("verify catalog %s: %w", d.ID, err)
		}
		if err := createDemoWarehouse(d.WarehouseDSN, cat, demoRows[d.ID]); err != nil {
			return fmt.Errorf("build warehouse %s: %w", d.ID, err)
		}
	}

	return config.Save(cfgPath, cfg)
}

func scaffoldConfig() *config.Config {
	cfg := &config.Config{
		LogFormat: "text",
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
	dataDir := cfg.EffectiveDataDir()
	cfg.Datasets = []config.Dataset{
		{
			ID:           "enaho",
			Name:         "ENAHO 2024 (Peru)",
			Cues:         []string{"peru", "peruvian", "enaho"},
			WarehouseDSN: filepath.Join(dataDir, "warehouses", "enaho.sqlite"),
			CatalogPath:  filepath.Join(dataDir, "catalogs", "enaho.yaml"),
		},
		{
			ID:           "geih",
			Name:         "GEIH 2024 (Colombia)",
			Cues:         []string{"colombia", "colombian", "geih"},
			WarehouseDSN: filepath.Join(dataDir, "warehouses", "geih.sqlite"),
			CatalogPath:  filepath.Join(dataDir, "catalogs", "geih.yaml"),
		},
	}
	return cfg
}

// createDemoWarehouse builds a small writable sqlite database matching the
// catalog schema, with a handful of sample rows per table. The serving path
// reopens it read-only.
func createDemoWarehouse(path string, cat *schema.Catalog, rows map[string][][]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	_ = os.Remove(path)

	db, err := sql.Open("sqlite", "file:"+url.PathEscape(path)+"?_pragma=busy_timeout(3000)")
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, t := range cat.Tables {
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			typ := strings.TrimSpace(c.Type)
			if typ == "" {
				typ = "TEXT"
			}
			cols = append(cols, fmt.Sprintf("%q %s", c.Name, typ))
		}
		ddl := fmt.Sprintf("CREATE TABLE %q (%s)", t.Name, strings.Join(cols, ", "))
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", t.Name, err)
		}

		tableRows := rows[t.Name]
		if len(tableRows) == 0 {
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(t.Columns)), ",")
		insert := fmt.Sprintf("INSERT INTO %q VALUES (%s)", t.Name, placeholders)
		for _, r := range tableRows {
			if _, err := db.ExecContext(ctx, insert, r...); err != nil {
				return fmt.Errorf("seed %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// buildIndex embeds every catalog column and methodology document into the
// local vector index, one namespace pair per dataset.
func buildIndex(cfg *config.Config) error {
	idx, err := openIndex(cfg)
	if err != nil {
		return err
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, d := range cfg.Datasets {
		cat, err := schema.LoadCatalog(d.CatalogPath)
		if err != nil {
			return fmt.Errorf("dataset %s: %w", d.ID, err)
		}
		columns, docs, err := index.CatalogItems(cat)
		if err != nil {
			return fmt.Errorf("dataset %s: %w", d.ID, err)
		}
		if err := idx.Upsert(ctx, d.ColumnsNamespace(), columns); err != nil {
			return fmt.Errorf("dataset %s: index columns: %w", d.ID, err)
		}
		if len(docs) > 0 {
			if err := idx.Upsert(ctx, d.DocsNamespace(), docs); err != nil {
				return fmt.Errorf("dataset %s: index documentation: %w", d.ID, err)
			}
		}
		fmt.Printf("Indexed %s: %d columns, %d documents\n", d.ID, len(columns), len(docs))
	}
	return nil
}

var demoRows = map[string]map[string][][]any{
	"enaho": {
		"enaho01_hogar": {
			{"001", "01", 4, 215.3},
			{"001", "02", 3, 198.7},
			{"002", "01", 5, 240.1},
			{"002", "02", 2, 180.9},
			{"003", "01", 4, 205.5},
		},
		"enaho01_empleo": {
			{"001", "01", 1, 1850.0, 215.3},
			{"001", "02", 2, 0.0, 198.7},
			{"002", "01", 1, 2400.0, 240.1},
			{"003", "01", 1, 1200.0, 205.5},
		},
	},
	"geih": {
		"geih_hogares": {
			{"10001", 3, 310.2},
			{"10002", 4, 295.8},
			{"10003", 2, 330.4},
			{"10004", 5, 288.1},
		},
		"geih_ocupados": {
			{"10001", 1, 1650000.0, 310.2},
			{"10002", 2, 0.0, 295.8},
			{"10003", 1, 2100000.0, 330.4},
		},
	},
}

const enahoCatalogYAML = `dataset: enaho
description: ENAHO 2024 national household survey (Peru).
tables:
  - name: enaho01_hogar
    description: Household roster and dwelling characteristics
    domain: households
    weight_column: factor07
    columns:
      - name: conglome
        type: TEXT
        description: Primary sampling unit (cluster) id
      - name: vivienda
        type: TEXT
        description: Dwelling number within the cluster
      - name: mieperho
        type: INTEGER
        description: Number of household members
      - name: factor07
        type: REAL
        description: Household expansion factor for population estimates
  - name: enaho01_empleo
    description: Employment and income module for persons 14 and older
    domain: labor
    weight_column: factor07
    columns:
      - name: conglome
        type: TEXT
        description: Primary sampling unit (cluster) id
      - name: codperso
        type: TEXT
        description: Person number within the household
      - name: ocu500
        type: INTEGER
        description: Occupational status
        valid_values:
          "1": employed
          "2": unemployed looking for work
          "3": unemployed not looking
          "4": out of the labor force
      - name: ingtot
        type: REAL
        description: Total monthly income in soles
      - name: factor07
        type: REAL
        description: Person expansion factor for population estimates
documentation:
  - id: enaho-weights
    title: Expansion factors
    text: >
      ENAHO is a stratified multistage sample. Every population estimate must
      be weighted by the expansion factor column factor07; unweighted
      aggregates describe the sample only.
  - id: enaho-employment
    title: Employment classification
    text: >
      Occupational status ocu500 follows the PEA definition. Employed persons
      are code 1; the unemployed are codes 2 and 3.
`

const geihCatalogYAML = `dataset: geih
description: GEIH 2024 national household survey (Colombia).
tables:
  - name: geih_hogares
    description: Household-level records with dwelling characteristics
    domain: households
    weight_column: fex_c
    columns:
      - name: directorio
        type: TEXT
        description: Dwelling identifier
      - name: personas_hogar
        type: INTEGER
        description: Number of persons in the household
      - name: fex_c
        type: REAL
        description: Household expansion factor for population estimates
  - name: geih_ocupados
    description: Employed-persons module with occupation and income
    domain: labor
    weight_column: fex_c
    columns:
      - name: directorio
        type: TEXT
        description: Dwelling identifier
      - name: oficio
        type: INTEGER
        description: Occupation code
      - name: ingtot
        type: REAL
        description: Total monthly income in pesos
      - name: fex_c
        type: REAL
        description: Person expansion factor for population estimates
documentation:
  - id: geih-weights
    title: Expansion factors
    text: >
      GEIH population estimates must be weighted by the expansion factor
      fex_c. Unweighted aggregates describe the sample only.
`
