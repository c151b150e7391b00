package tools

import (
	"errors"

	"github.com/andesdata/esma-agent/internal/index"
	"github.com/andesdata/esma-agent/internal/schema"
	"github.com/andesdata/esma-agent/internal/warehouse"
)

// Deps are the shared backends a dataset's toolset runs against.
type Deps struct {
	Catalog   *schema.Catalog
	Known     *schema.Known
	Searcher  index.Searcher
	Warehouse warehouse.Warehouse

	// ColumnsNamespace / DocsNamespace scope index searches to the dataset.
	ColumnsNamespace string
	DocsNamespace    string

	RetrievalTopK       int
	SimilarityThreshold float64
}

// NewToolset builds the registry for one reasoning loop. The gate is
// loop-scoped: a fresh one per turn means a verdict never outlives the loop
// that produced it.
func NewToolset(deps Deps, gate *VerdictGate) (*Registry, error) {
	if deps.Catalog == nil {
		return nil, errors.New("missing catalog")
	}
	if deps.Known == nil {
		deps.Known = deps.Catalog.KnownSchema()
	}
	if deps.Searcher == nil {
		return nil, errors.New("missing searcher")
	}
	if deps.Warehouse == nil {
		return nil, errors.New("missing warehouse")
	}
	if gate == nil {
		return nil, errors.New("missing verdict gate")
	}
	if deps.RetrievalTopK < 1 {
		deps.RetrievalTopK = 15
	}

	return NewRegistry(
		&tableRetriever{catalog: deps.Catalog},
		&columnRetriever{
			searcher:  deps.Searcher,
			namespace: deps.ColumnsNamespace,
			topK:      deps.RetrievalTopK,
			minScore:  deps.SimilarityThreshold,
		},
		&schemaGatherer{warehouse: deps.Warehouse, catalog: deps.Catalog},
		&schemaValidatorTool{known: deps.Known, gate: gate},
		&sqlExecutor{warehouse: deps.Warehouse, gate: gate},
		&methodologyRetriever{
			searcher:  deps.Searcher,
			namespace: deps.DocsNamespace,
			topK:      deps.RetrievalTopK,
			minScore:  deps.SimilarityThreshold,
		},
	)
}
