package testrun

import (
	"context"
	"time"

	"github.com/haasonsaas/ragbench/internal/observability"
	"github.com/haasonsaas/ragbench/internal/rag/rerank"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
)

// retrieval is the outcome of the query and rerank steps for one question.
type retrieval struct {
	docs       []vectorstore.Document
	queryTime  time.Duration
	rerankTime time.Duration
	// degraded is set when the store query failed and the raw question
	// goes to the model without context.
	degraded bool
	note     string
}

// retrieve queries the store, reranks and filters. Every failure degrades
// to less context instead of failing the case.
func (r *Runner) retrieve(ctx context.Context, store vectorstore.Store, question string) retrieval {
	var out retrieval
	backend := r.cfg.Backend.String()

	ctx, span := r.tracer.Start(ctx, "testrun.retrieve", "backend", backend, "top_k", r.cfg.TopK)
	start := r.now()
	raw, err := store.QueryDocuments(ctx, question, r.cfg.TopK)
	out.queryTime = r.now().Sub(start)
	r.metrics.StoreQuery(backend, err)
	r.metrics.ObserveStage("query", out.queryTime)
	observability.RecordError(span, err)
	span.End()
	if err != nil {
		r.logger.Warn("vector store query failed, continuing without context",
			"backend", backend, "error", err)
		out.degraded = true
		out.note = "query failed: " + err.Error()
		return out
	}
	if len(raw) == 0 {
		return out
	}

	docs := raw
	reranked := false
	if r.reranker != nil && r.cfg.RerankModel != "" {
		var rerr error
		docs, out.rerankTime, rerr = r.rerank(ctx, question, raw)
		if rerr != nil {
			r.logger.Warn("rerank failed, using top raw results", "error", rerr)
			out.note = "rerank failed: " + rerr.Error()
			out.docs = head(raw, r.cfg.FallbackTopN)
			return out
		}
		reranked = true
	}

	if !reranked && !store.Capabilities().NativeSimilarity {
		out.docs = docs
		return out
	}

	filtered := make([]vectorstore.Document, 0, len(docs))
	for _, d := range docs {
		if d.Score() >= r.cfg.SimilarityThreshold {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) == 0 {
		out.docs = head(raw, r.cfg.FallbackTopN)
		return out
	}
	out.docs = filtered
	return out
}

func (r *Runner) rerank(ctx context.Context, question string, raw []vectorstore.Document) ([]vectorstore.Document, time.Duration, error) {
	ctx, span := r.tracer.Start(ctx, "testrun.rerank", "model", r.cfg.RerankModel, "candidates", len(raw))
	defer span.End()

	candidates := make([]rerank.Candidate, len(raw))
	for i, d := range raw {
		candidates[i] = rerank.Candidate{Index: i, Content: d.Content}
	}
	start := r.now()
	results, err := r.reranker.Rerank(ctx, question, candidates, r.cfg.RerankModel)
	elapsed := r.now().Sub(start)
	r.metrics.ObserveStage("rerank", elapsed)
	if err != nil {
		observability.RecordError(span, err)
		return nil, elapsed, err
	}

	docs := make([]vectorstore.Document, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(raw) {
			continue
		}
		d := raw[res.Index]
		d.Similarity = vectorstore.Float(res.Score)
		docs = append(docs, d)
	}
	return head(docs, r.cfg.RerankTopN), elapsed, nil
}

func head(docs []vectorstore.Document, n int) []vectorstore.Document {
	if n <= 0 || len(docs) <= n {
		return docs
	}
	return docs[:n]
}
