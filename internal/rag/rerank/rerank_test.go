package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRerankSortsAndDropsUnknownIndices(t *testing.T) {
	var got rerankRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(rerankResponse{Results: []Result{
			{Index: 0, Score: 0.2},
			{Index: 2, Content: "gamma", Score: 0.9},
			{Index: 7, Content: "ghost", Score: 0.99},
			{Index: 1, Score: 0.5},
		}})
	}))
	defer server.Close()

	c, err := New(Config{BaseURL: server.URL + "/", Model: "bge-reranker"})
	if err != nil {
		t.Fatal(err)
	}
	results, err := c.Rerank(context.Background(), "which?", []Candidate{
		{Index: 0, Content: "alpha"},
		{Index: 1, Content: "beta"},
		{Index: 2, Content: "gamma"},
	}, "")
	if err != nil {
		t.Fatalf("Rerank error: %v", err)
	}

	if got.Model != "bge-reranker" || got.Query != "which?" || len(got.Documents) != 3 {
		t.Errorf("request = %+v", got)
	}
	wantOrder := []int{2, 1, 0}
	if len(results) != len(wantOrder) {
		t.Fatalf("got %d results, want %d", len(results), len(wantOrder))
	}
	for i, idx := range wantOrder {
		if results[i].Index != idx {
			t.Errorf("results[%d].Index = %d, want %d", i, results[i].Index, idx)
		}
	}
	if results[2].Content != "alpha" {
		t.Errorf("missing content not filled from candidate: %q", results[2].Content)
	}
}

func TestRerankEmptyInputMakesNoCall(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	c, _ := New(Config{BaseURL: server.URL})
	results, err := c.Rerank(context.Background(), "q", nil, "m")
	if err != nil || len(results) != 0 {
		t.Errorf("Rerank(empty) = %v, %v", results, err)
	}
	if calls != 0 {
		t.Errorf("expected no request, got %d", calls)
	}
}

func TestRerankStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, _ := New(Config{BaseURL: server.URL})
	_, err := c.Rerank(context.Background(), "q", []Candidate{{Index: 0, Content: "x"}}, "m")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Body != "model not loaded" {
		t.Errorf("status error = %+v", statusErr)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without base url")
	}
}
