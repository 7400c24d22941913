package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/ragbench/internal/llm"
)

func TestThinkSplitter(t *testing.T) {
	tests := []struct {
		name          string
		chunks        []string
		wantText      string
		wantReasoning string
	}{
		{"plain", []string{"hello ", "world"}, "hello world", ""},
		{"single chunk", []string{"<think>plan</think>answer"}, "answer", "plan"},
		{"split tags", []string{"<thi", "nk>pl", "an</th", "ink>ans", "wer"}, "answer", "plan"},
		{"unterminated", []string{"<think>still going"}, "", "still going"},
		{"lookalike", []string{"a <b> c <th"}, "a <b> c <th", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s thinkSplitter
			var text, reasoning strings.Builder
			for _, c := range tt.chunks {
				a, r := s.Feed(c)
				text.WriteString(a)
				reasoning.WriteString(r)
			}
			a, r := s.Flush()
			text.WriteString(a)
			reasoning.WriteString(r)
			if text.String() != tt.wantText {
				t.Errorf("text = %q, want %q", text.String(), tt.wantText)
			}
			if reasoning.String() != tt.wantReasoning {
				t.Errorf("reasoning = %q, want %q", reasoning.String(), tt.wantReasoning)
			}
		})
	}
}

func TestSplitThink(t *testing.T) {
	text, reasoning := SplitThink("<think>\nweigh options\n</think>\n\nThe answer is 4.")
	if text != "The answer is 4." || reasoning != "weigh options" {
		t.Fatalf("SplitThink = (%q, %q)", text, reasoning)
	}
}

func TestToOllamaMessages(t *testing.T) {
	msgs := toOllamaMessages("sys", []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}}},
		{Role: llm.RoleTool, Content: "ok", ToolCallID: "c1", Name: "lookup"},
	})
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "sys" {
		t.Errorf("system message mismatch: %+v", msgs[0])
	}
	if string(msgs[2].ToolCalls[0].Function.Arguments) != `{"q":"x"}` {
		t.Errorf("tool args = %s", msgs[2].ToolCalls[0].Function.Arguments)
	}
	if msgs[3].ToolName != "lookup" {
		t.Errorf("tool name = %q, want lookup", msgs[3].ToolName)
	}
}

func TestOllamaCompleteStreams(t *testing.T) {
	var got ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"message":{"role":"assistant","content":"<think>che"}}`,
			`{"message":{"role":"assistant","content":"ck</think>Paris"}}`,
			`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"lookup","arguments":{"city":"Paris"}}}]}}`,
			`{"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":5}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	chunks, err := p.Complete(context.Background(), &llm.CompletionRequest{
		Model:    "qwen3",
		System:   "be brief",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "capital of France?"}},
		Tools:    []llm.ToolDefinition{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}},
		Config:   llm.GenerationConfig{Temperature: 0.2, MaxTokens: 64},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var text, reasoning strings.Builder
	var calls []*llm.ToolCall
	var last *llm.Chunk
	for c := range chunks {
		if c.Error != nil {
			t.Fatalf("chunk error: %v", c.Error)
		}
		text.WriteString(c.Text)
		reasoning.WriteString(c.Reasoning)
		if c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
		last = c
	}

	if text.String() != "Paris" {
		t.Errorf("text = %q, want Paris", text.String())
	}
	if reasoning.String() != "check" {
		t.Errorf("reasoning = %q, want check", reasoning.String())
	}
	if len(calls) != 1 || calls[0].Name != "lookup" || calls[0].Arguments != `{"city":"Paris"}` || calls[0].ID == "" {
		t.Errorf("tool calls = %+v", calls)
	}
	if last == nil || !last.Done || last.Usage == nil || last.Usage.TotalTokens != 17 {
		t.Errorf("final chunk = %+v", last)
	}
	if got.Options["num_predict"] != float64(64) {
		t.Errorf("num_predict = %v, want 64", got.Options["num_predict"])
	}
	if len(got.Tools) != 1 || got.Messages[0].Role != "system" {
		t.Errorf("request = %+v", got)
	}
}

func TestOllamaCompleteStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model \"nope\" not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	_, err := p.Complete(context.Background(), &llm.CompletionRequest{Model: "nope"})
	pe, ok := llm.AsProviderError(err)
	if !ok {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	if pe.Status != http.StatusNotFound || pe.Reason != llm.ReasonModelMissing {
		t.Errorf("provider error = %+v", pe)
	}
}

func TestOllamaRequiresModel(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{})
	if _, err := p.Complete(context.Background(), &llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty model")
	}
}
