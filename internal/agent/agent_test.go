package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andesdata/esma-agent/internal/config"
	"github.com/andesdata/esma-agent/internal/index"
	"github.com/andesdata/esma-agent/internal/oracle"
	"github.com/andesdata/esma-agent/internal/router"
	"github.com/andesdata/esma-agent/internal/schema"
	"github.com/andesdata/esma-agent/internal/store"
	"github.com/andesdata/esma-agent/internal/warehouse"
)

func testCatalog() *schema.Catalog {
	return &schema.Catalog{
		Dataset:     "enaho",
		Description: "Peru national household survey.",
		Tables: []schema.Table{
			{
				Name:         "enaho01_hogar",
				Description:  "Household roster and dwelling characteristics",
				Domain:       "households",
				WeightColumn: "factor07",
				Columns: []schema.Column{
					{Name: "conglome", Type: "TEXT"},
					{Name: "mieperho", Type: "INTEGER", Description: "number of household members"},
					{Name: "factor07", Type: "REAL", Description: "expansion factor"},
				},
			},
		},
		Documentation: []schema.DocEntry{
			{ID: "weights", Title: "Expansion factors", Text: "Population estimates must be weighted by factor07."},
		},
	}
}

type stubWarehouse struct {
	queries []string
	result  *warehouse.Result
}

func (w *stubWarehouse) Query(_ context.Context, sqlText string) (*warehouse.Result, *warehouse.QueryError) {
	w.queries = append(w.queries, sqlText)
	if w.result != nil {
		return w.result, nil
	}
	return &warehouse.Result{Columns: []string{"value"}, Rows: [][]any{{3.7}}}, nil
}

func (w *stubWarehouse) TableColumns(_ context.Context, _ string) ([]warehouse.ColumnInfo, *warehouse.QueryError) {
	return []warehouse.ColumnInfo{
		{Name: "conglome", Type: "TEXT"},
		{Name: "mieperho", Type: "INTEGER"},
		{Name: "factor07", Type: "REAL"},
	}, nil
}

func (w *stubWarehouse) ListTables(context.Context) ([]string, *warehouse.QueryError) {
	return []string{"enaho01_hogar"}, nil
}

func (w *stubWarehouse) Close() error { return nil }

type stubSearcher struct{}

func (stubSearcher) Search(_ context.Context, q index.Query) ([]index.Match, error) {
	if !strings.HasSuffix(q.Namespace, "-columns") {
		return nil, nil
	}
	return []index.Match{{
		ID:      "enaho01_hogar.mieperho",
		TableID: "enaho01_hogar",
		Score:   0.91,
		Metadata: []byte(`{"table":"enaho01_hogar","column":"mieperho","type":"INTEGER",` +
			`"description":"number of household members","provenance":"index"}`),
	}}, nil
}

func newTestAgent(t *testing.T, o oracle.Oracle, wh warehouse.Warehouse) (*Agent, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "threads.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rtr, err := router.New(router.Options{
		Datasets: []config.Dataset{
			{ID: "enaho", Name: "ENAHO 2024 (Peru)", Cues: []string{"peru", "enaho"}},
			{ID: "geih", Name: "GEIH 2024 (Colombia)", Cues: []string{"colombia", "geih"}},
		},
		Oracle:              o,
		ConfidenceThreshold: 0.7,
	})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	cat := testCatalog()
	a, err := New(Options{
		Store:  st,
		Router: rtr,
		Oracle: o,
		Limits: &config.Limits{},
		Datasets: map[string]*DatasetRuntime{
			"enaho": {
				ID:               "enaho",
				Catalog:          cat,
				Known:            cat.KnownSchema(),
				Warehouse:        wh,
				Searcher:         stubSearcher{},
				ColumnsNamespace: "enaho-columns",
				DocsNamespace:    "enaho-documentation",
			},
		},
		Model: "test-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, st
}

const weightedAvgSQL = "SELECT SUM(mieperho*factor07)/SUM(factor07) AS avg_size FROM enaho01_hogar"

func TestTurnHouseholdSizeScenario(t *testing.T) {
	t.Parallel()

	o := &scriptedOracle{steps: []step{
		toolCallStep("table_retriever", `{"query":"household size"}`),
		toolCallStep("column_retriever", `{"query":"household size","tables":["enaho01_hogar"]}`),
		toolCallStep("schema_validator", `{"sql":"`+weightedAvgSQL+`"}`),
		toolCallStep("sql_executor", `{"sql":"`+weightedAvgSQL+`"}`),
		answerStep("The average household size in Peru is 3.7, weighted by factor07."),
	}}
	wh := &stubWarehouse{}
	a, st := newTestAgent(t, o, wh)

	res, err := a.HandleTurn(context.Background(), "th-1", "What is the average household size in Peru?", Events{})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Status != StatusDone {
		t.Fatalf("status = %v (%+v)", res.Status, res)
	}
	if res.Dataset != "enaho" {
		t.Fatalf("dataset = %q", res.Dataset)
	}
	if !strings.Contains(res.Answer, "factor07") {
		t.Fatalf("answer does not cite the weight column: %q", res.Answer)
	}
	if len(wh.queries) != 1 || wh.queries[0] != weightedAvgSQL {
		t.Fatalf("warehouse queries = %v", wh.queries)
	}

	th, err := st.Load(context.Background(), "th-1")
	if err != nil || th == nil {
		t.Fatalf("Load: %v / %v", th, err)
	}
	if th.Dataset != "enaho" || th.RunStatus != store.RunStatusIdle {
		t.Fatalf("thread = %+v", th)
	}
	// user + 4 tool calls + 4 observations + final answer
	if len(th.Messages) != 10 {
		t.Fatalf("len(messages) = %d, want 10", len(th.Messages))
	}
	if th.Messages[0].Role != "user" || th.Messages[len(th.Messages)-1].Role != "assistant" {
		t.Fatalf("message roles = %q ... %q", th.Messages[0].Role, th.Messages[len(th.Messages)-1].Role)
	}
}

func TestTurnNoCountryCueAsksForClarification(t *testing.T) {
	t.Parallel()

	o := &scriptedOracle{completion: `{"dataset":"unclear","confidence":0.2}`}
	a, st := newTestAgent(t, o, &stubWarehouse{})

	res, err := a.HandleTurn(context.Background(), "th-1", "What is the average income?", Events{})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Status != StatusClarification || res.Code != CodeClarificationNeeded {
		t.Fatalf("result = %+v", res)
	}
	if o.invokeCalls != 0 {
		t.Fatalf("tool loop was entered: %d oracle invocations", o.invokeCalls)
	}
	th, err := st.Load(context.Background(), "th-1")
	if err != nil || th == nil {
		t.Fatalf("Load: %v / %v", th, err)
	}
	if len(th.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want question + clarification", len(th.Messages))
	}
}

func TestTurnDeleteStatementSelfCorrects(t *testing.T) {
	t.Parallel()

	o := &scriptedOracle{steps: []step{
		toolCallStep("schema_validator", `{"sql":"DELETE FROM enaho01_hogar"}`),
		toolCallStep("schema_validator", `{"sql":"`+weightedAvgSQL+`"}`),
		toolCallStep("sql_executor", `{"sql":"`+weightedAvgSQL+`"}`),
		answerStep("Average household size is 3.7 (weighted by factor07)."),
	}}
	wh := &stubWarehouse{}
	a, st := newTestAgent(t, o, wh)

	res, err := a.HandleTurn(context.Background(), "th-1", "average household size in peru", Events{})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Status != StatusDone {
		t.Fatalf("status = %v (%+v)", res.Status, res)
	}
	if len(wh.queries) != 1 {
		t.Fatalf("warehouse queries = %v (rejected statement must never execute)", wh.queries)
	}

	th, _ := st.Load(context.Background(), "th-1")
	var sawViolation bool
	for _, m := range th.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "non_select_statement") {
			sawViolation = true
		}
	}
	if !sawViolation {
		t.Fatalf("no validation verdict with violations recorded")
	}
}

func TestTurnExecutorRefusesUnvalidatedStatement(t *testing.T) {
	t.Parallel()

	o := &scriptedOracle{steps: []step{
		toolCallStep("sql_executor", `{"sql":"`+weightedAvgSQL+`"}`),
		toolCallStep("schema_validator", `{"sql":"`+weightedAvgSQL+`"}`),
		toolCallStep("sql_executor", `{"sql":"`+weightedAvgSQL+`"}`),
		answerStep("Done, weighted by factor07."),
	}}
	wh := &stubWarehouse{}
	a, st := newTestAgent(t, o, wh)

	res, err := a.HandleTurn(context.Background(), "th-1", "household size in peru", Events{})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Status != StatusDone {
		t.Fatalf("status = %v (%+v)", res.Status, res)
	}
	if len(wh.queries) != 1 {
		t.Fatalf("warehouse queries = %v (unvalidated statement must not execute)", wh.queries)
	}

	th, _ := st.Load(context.Background(), "th-1")
	var sawRefusal bool
	for _, m := range th.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "NOT_VALIDATED") {
			sawRefusal = true
		}
	}
	if !sawRefusal {
		t.Fatalf("executor refusal not recorded as an observation")
	}
}

func TestTurnFollowUpReusesDomain(t *testing.T) {
	t.Parallel()

	o := &scriptedOracle{steps: []step{
		answerStep("Answer one."),
		answerStep("Answer two."),
	}}
	a, _ := newTestAgent(t, o, &stubWarehouse{})

	first, err := a.HandleTurn(context.Background(), "th-1", "household size in peru", Events{})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if first.Dataset != "enaho" {
		t.Fatalf("first dataset = %q", first.Dataset)
	}

	second, err := a.HandleTurn(context.Background(), "th-1", "And the median?", Events{})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if second.Status != StatusDone || second.Dataset != "enaho" {
		t.Fatalf("second = %+v", second)
	}
}

func TestTurnExternalFailureLeavesThreadUntouched(t *testing.T) {
	t.Parallel()

	o := &scriptedOracle{steps: []step{{err: errors.New("connection refused")}}}
	a, st := newTestAgent(t, o, &stubWarehouse{})

	res, err := a.HandleTurn(context.Background(), "th-1", "household size in peru", Events{})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Status != StatusFailed || res.Code != CodeExternalServiceFailure {
		t.Fatalf("result = %+v", res)
	}
	th, err := st.Load(context.Background(), "th-1")
	if err != nil || th == nil {
		t.Fatalf("Load: %v / %v", th, err)
	}
	if len(th.Messages) != 0 {
		t.Fatalf("messages written despite external failure: %+v", th.Messages)
	}
	if th.RunStatus != store.RunStatusFailed || th.RunError != string(CodeExternalServiceFailure) {
		t.Fatalf("run status = %q / %q", th.RunStatus, th.RunError)
	}
}

func TestTurnRunStatusLifecycle(t *testing.T) {
	t.Parallel()

	o := &scriptedOracle{steps: []step{
		toolCallStep("table_retriever", `{"query":"household size"}`),
		answerStep("The average household size is 3.7, weighted by factor07."),
	}}
	a, st := newTestAgent(t, o, &stubWarehouse{})

	var during string
	events := Events{ToolCall: func(string, string, json.RawMessage) {
		th, err := st.Load(context.Background(), "th-run")
		if err != nil || th == nil {
			t.Errorf("Load during run: %v / %v", th, err)
			return
		}
		during = th.RunStatus
	}}

	res, err := a.HandleTurn(context.Background(), "th-run", "household size in peru", events)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Status != StatusDone {
		t.Fatalf("result = %+v", res)
	}
	if during != store.RunStatusRunning {
		t.Fatalf("run status during the loop = %q", during)
	}
	th, err := st.Load(context.Background(), "th-run")
	if err != nil || th == nil {
		t.Fatalf("Load: %v / %v", th, err)
	}
	if th.RunStatus != store.RunStatusIdle || th.RunError != "" {
		t.Fatalf("run status after the turn = %q / %q", th.RunStatus, th.RunError)
	}
}

func TestTurnOutOfScopeRefused(t *testing.T) {
	t.Parallel()

	o := &scriptedOracle{completion: `{"dataset":"out_of_scope","confidence":0.95}`}
	a, _ := newTestAgent(t, o, &stubWarehouse{})

	res, err := a.HandleTurn(context.Background(), "th-1", "write me a poem", Events{})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Status != StatusRefused || res.Code != CodeScopeRefused {
		t.Fatalf("result = %+v", res)
	}
	if o.invokeCalls != 0 {
		t.Fatalf("tool loop entered for an out-of-scope question")
	}
}
