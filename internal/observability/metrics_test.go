package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.CaseFinished(CaseSucceeded)
	m.CaseFinished(CaseSucceeded)
	m.CaseFinished(CaseFailed)
	m.AddTokens("work", 100, 20)
	m.AddTokens("score", 0, 5)
	m.Retried("work")
	m.StoreQuery("chromem", nil)
	m.StoreQuery("chromem", errors.New("down"))
	m.ObserveStage("retrieve", 30*time.Millisecond)

	expected := `
		# HELP ragbench_cases_total Total number of test cases finished by outcome
		# TYPE ragbench_cases_total counter
		ragbench_cases_total{status="failed"} 1
		ragbench_cases_total{status="success"} 2
	`
	if err := testutil.CollectAndCompare(m.CasesTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("cases: %v", err)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("work", "prompt")); got != 100 {
		t.Errorf("work prompt tokens = %v", got)
	}
	if got := testutil.CollectAndCount(m.TokensTotal); got != 3 {
		t.Errorf("token series = %d, want 3 (zero counts skipped)", got)
	}
	if got := testutil.ToFloat64(m.StoreQueries.WithLabelValues("chromem", "error")); got != 1 {
		t.Errorf("store errors = %v", got)
	}
	if got := testutil.CollectAndCount(m.StageDuration); got != 1 {
		t.Errorf("stage series = %d", got)
	}
}

func TestMetricsIsolatedRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.CaseFinished(CaseSucceeded)
	if got := testutil.ToFloat64(b.CasesTotal.WithLabelValues(CaseSucceeded)); got != 0 {
		t.Errorf("registries share state: %v", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.CaseFinished(CaseFailed)
	m.ObserveStage("work", time.Second)
	m.AddTokens("work", 1, 1)
	m.Retried("work")
	m.StoreQuery("pgvector", nil)
	m.RunStarted()()
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	done := m.RunStarted()
	if got := testutil.ToFloat64(m.ActiveRuns); got != 1 {
		t.Errorf("active runs = %v", got)
	}
	done()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "ragbench_active_runs 0") {
		t.Errorf("metrics output missing gauge:\n%s", body)
	}
}
