package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedProvider replays one turn per Complete call.
type scriptedProvider struct {
	name  string
	mu    sync.Mutex
	turns [][]*Chunk
	reqs  []*CompletionRequest
	block bool
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := *req
	snapshot.Messages = append([]Message(nil), req.Messages...)
	p.reqs = append(p.reqs, &snapshot)

	ch := make(chan *Chunk)
	if p.block {
		go func() {
			defer close(ch)
			<-ctx.Done()
			ch <- &Chunk{Error: ctx.Err(), Done: true}
		}()
		return ch, nil
	}
	if len(p.turns) == 0 {
		return nil, errors.New("no scripted turn left")
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	go func() {
		defer close(ch)
		for _, c := range turn {
			ch <- c
		}
	}()
	return ch, nil
}

type fakeTools struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeTools) ListTools(ctx context.Context, url string) ([]ToolDefinition, error) {
	return []ToolDefinition{{Name: "lookup", Description: "look things up"}}, nil
}

func (f *fakeTools) CallTool(ctx context.Context, url, name, args string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+args)
	if err := f.fail[name]; err != nil {
		return "", err
	}
	return "result for " + args, nil
}

func toolTurn(ids ...string) []*Chunk {
	var out []*Chunk
	for _, id := range ids {
		out = append(out, &Chunk{ToolCall: &ToolCall{ID: id, Name: "lookup", Arguments: fmt.Sprintf(`{"id":%q}`, id)}})
	}
	return append(out, &Chunk{Done: true, Usage: &Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}})
}

func textTurn(text string) []*Chunk {
	return []*Chunk{
		{Reasoning: "hmm"},
		{Text: text},
		{Done: true, Usage: &Usage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25}},
	}
}

func TestGenerateRunsToolLoop(t *testing.T) {
	p := &scriptedProvider{name: "openai", turns: [][]*Chunk{toolTurn("a"), textTurn("  final answer ")}}
	tools := &fakeTools{}
	client := NewClient(tools, nil, p)

	var log bytes.Buffer
	res, err := client.Generate(context.Background(), Request{
		Provider: "openai",
		Model:    "gpt",
		Messages: []Message{{Role: RoleUser, Content: "question"}},
		Config:   GenerationConfig{MCPServerURL: "http://mcp.local/mcp"},
		Log:      &log,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Content != "final answer" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Usage.TotalTokens != 37 {
		t.Errorf("usage = %+v, want total 37", res.Usage)
	}
	if len(res.ToolCalls) != 1 || len(tools.calls) != 1 {
		t.Errorf("tool calls = %v", tools.calls)
	}
	if res.Reasoning != "hmm" {
		t.Errorf("reasoning = %q", res.Reasoning)
	}

	second := p.reqs[1]
	if len(second.Messages) != 3 || second.Messages[2].Role != RoleTool || second.Messages[2].ToolCallID != "a" {
		t.Errorf("second turn messages = %+v", second.Messages)
	}

	transcript := log.String()
	if strings.Count(transcript, LogModelTurn) != 2 {
		t.Errorf("model turns in log = %d, want 2:\n%s", strings.Count(transcript, LogModelTurn), transcript)
	}
	for _, marker := range []string{LogToolCall, LogToolResult, LogFinalReply + "\nfinal answer"} {
		if !strings.Contains(transcript, marker) {
			t.Errorf("log missing %q:\n%s", marker, transcript)
		}
	}
}

func TestGenerateToolCallLimit(t *testing.T) {
	p := &scriptedProvider{name: "openai", turns: [][]*Chunk{toolTurn("a", "b", "c"), textTurn("done")}}
	tools := &fakeTools{}
	client := NewClient(tools, nil, p)

	res, err := client.Generate(context.Background(), Request{
		Model:    "gpt",
		Messages: []Message{{Role: RoleUser, Content: "q"}},
		Config:   GenerationConfig{MCPServerURL: "http://mcp", MaxToolCalls: 2},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(tools.calls) != 2 || len(res.ToolCalls) != 2 {
		t.Errorf("executed = %d, want 2", len(tools.calls))
	}
	last := p.reqs[1]
	if len(last.Tools) != 0 {
		t.Error("tools still offered after the limit")
	}
	if got := last.Messages[len(last.Messages)-1].Content; got != "error: tool call limit reached" {
		t.Errorf("over-limit result = %q", got)
	}
}

func TestGenerateToolErrorIsFedBack(t *testing.T) {
	p := &scriptedProvider{name: "openai", turns: [][]*Chunk{toolTurn("a"), textTurn("ok")}}
	tools := &fakeTools{fail: map[string]error{"lookup": errors.New("boom")}}
	client := NewClient(tools, nil, p)

	if _, err := client.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "q"}},
		Config:   GenerationConfig{MCPServerURL: "http://mcp"},
	}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msgs := p.reqs[1].Messages
	if got := msgs[len(msgs)-1].Content; got != "error: boom" {
		t.Errorf("tool result = %q", got)
	}
}

func TestGenerateTimeoutIsAborted(t *testing.T) {
	p := &scriptedProvider{name: "openai", block: true}
	client := NewClient(nil, nil, p)

	_, err := client.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "q"}},
		Config:   GenerationConfig{Timeout: 20 * time.Millisecond},
	})
	if !IsAborted(err) {
		t.Fatalf("error = %v, want aborted", err)
	}
	if _, ok := AsProviderError(err); ok {
		t.Error("aborted request must not be a provider error")
	}
}

func TestGenerateMalformedFunctionCallLogged(t *testing.T) {
	malformed := NewProviderError("gemini", "m", errors.New("MALFORMED_FUNCTION_CALL")).WithReason(ReasonMalformedTool)
	p := &scriptedProvider{name: "gemini", turns: [][]*Chunk{{{Error: malformed, Done: true}}}}
	client := NewClient(nil, nil, p)

	var log bytes.Buffer
	_, err := client.Generate(context.Background(), Request{Provider: "gemini", Log: &log})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(log.String(), LogMalformed) {
		t.Errorf("log = %q, want malformed marker", log.String())
	}
}

func TestProviderFallback(t *testing.T) {
	openai := &scriptedProvider{name: "openai"}
	gemini := &scriptedProvider{name: "Gemini"}
	client := NewClient(nil, nil, openai, gemini)

	tests := []struct {
		id   string
		want Provider
	}{
		{"gemini", gemini},
		{"GEMINI", gemini},
		{"deepseek", openai},
		{"", openai},
	}
	for _, tt := range tests {
		got, err := client.Provider(tt.id)
		if err != nil {
			t.Fatalf("Provider(%q): %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("Provider(%q) = %s", tt.id, got.Name())
		}
	}

	if _, err := NewClient(nil, nil, gemini).Provider("unknown"); err == nil {
		t.Error("expected error without an openai fallback")
	}
}

func TestStreamYieldsText(t *testing.T) {
	p := &scriptedProvider{name: "openai", turns: [][]*Chunk{{
		{Text: "Hel"}, {Text: "lo"}, {Done: true, Usage: &Usage{TotalTokens: 3}},
	}}}
	client := NewClient(nil, nil, p)

	s, err := client.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var got strings.Builder
	for text := range s.Text {
		got.WriteString(text)
	}
	usage, _, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.String() != "Hello" || usage.TotalTokens != 3 {
		t.Errorf("text = %q usage = %+v", got.String(), usage)
	}
	if s.Result().Content != "Hello" {
		t.Errorf("result = %+v", s.Result())
	}
}

func TestWaitDrainsUnreadText(t *testing.T) {
	p := &scriptedProvider{name: "openai", turns: [][]*Chunk{{
		{Text: "a"}, {Text: "b"}, {Done: true},
	}}}
	s, err := NewClient(nil, nil, p).Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, _, err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
