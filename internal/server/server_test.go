package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/ragbench/internal/observability"
	"github.com/haasonsaas/ragbench/internal/testcase"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

type staticCases []testcase.Case

func (s staticCases) List() ([]testcase.Case, error) { return s, nil }

// fakeRunner emits one state update per case. When block is set it waits
// for cancellation after the first case.
type fakeRunner struct {
	mu      sync.Mutex
	got     []int
	block   bool
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, cases []testcase.Case, emit func(testrun.Event)) (*testrun.Summary, error) {
	f.mu.Lock()
	for _, c := range cases {
		f.got = append(f.got, c.ID)
	}
	f.mu.Unlock()
	if len(cases) == 0 {
		emit(testrun.Event{Type: testrun.EventError, Message: "no test cases"})
		return nil, errors.New("no test cases")
	}
	for i, c := range cases {
		emit(testrun.Event{Type: testrun.EventStateUpdate, QuestionID: c.ID, QuestionText: c.Question})
		if i == 0 && f.block {
			close(f.started)
			<-ctx.Done()
			emit(testrun.Event{Type: testrun.EventDone, Message: "cancelled", Cancelled: true})
			return &testrun.Summary{Cancelled: true}, testrun.ErrCancelled
		}
	}
	emit(testrun.Event{Type: testrun.EventDone, Message: "done"})
	return &testrun.Summary{}, nil
}

var cases = staticCases{
	{ID: 1, Tag: "geo", Question: "capital of France?"},
	{ID: 2, Tag: "hr", Question: "leave policy?"},
	{ID: 3, Tag: "geo", Question: "longest river?"},
}

func newTestServer(r Runner) *Server {
	return New(Config{}, r, cases, observability.NewMetrics(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func readFrames(t *testing.T, body io.Reader) []testrun.Event {
	t.Helper()
	var out []testrun.Event
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		var ev testrun.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("frame %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestRunStreamsNDJSON(t *testing.T) {
	runner := &fakeRunner{}
	srv := httptest.NewServer(newTestServer(runner).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/runs", "application/json", strings.NewReader(`{"tag":"geo"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}
	frames := readFrames(t, resp.Body)
	if len(frames) != 3 {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].QuestionID != 1 || frames[1].QuestionID != 3 || frames[2].Type != testrun.EventDone {
		t.Errorf("frames = %+v", frames)
	}
}

func TestRunErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeRunner{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/runs", "application/json", strings.NewReader(`{"ids":[42]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	frames := readFrames(t, resp.Body)
	if len(frames) != 1 || frames[0].Type != testrun.EventError {
		t.Errorf("frames = %+v", frames)
	}
}

func TestRunRejectsBadRequest(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeRunner{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/runs", "application/json", strings.NewReader(`{"ids":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSecondRunConflictsAndCancel(t *testing.T) {
	runner := &fakeRunner{block: true, started: make(chan struct{})}
	s := newTestServer(runner)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	done := make(chan []testrun.Event, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/api/runs", "application/json", nil)
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()
		done <- readFrames(t, resp.Body)
	}()
	<-runner.started

	resp, err := http.Post(srv.URL+"/api/runs", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second run status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/runs/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("cancel status = %d", resp.StatusCode)
	}

	select {
	case frames := <-done:
		last := frames[len(frames)-1]
		if last.Type != testrun.EventDone || !last.Cancelled {
			t.Errorf("last frame = %+v", last)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestWebsocketRunAndCancel(t *testing.T) {
	runner := &fakeRunner{block: true, started: make(chan struct{})}
	srv := httptest.NewServer(newTestServer(runner).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"ids": []int{2}}); err != nil {
		t.Fatal(err)
	}
	var ev testrun.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != testrun.EventStateUpdate || ev.QuestionID != 2 {
		t.Errorf("first frame = %+v", ev)
	}
	<-runner.started
	if err := conn.WriteJSON(map[string]string{"type": "cancel"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != testrun.EventDone || !ev.Cancelled {
		t.Errorf("terminal frame = %+v", ev)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeRunner{}).Handler())
	defer srv.Close()

	for _, path := range []string{"/metrics", "/healthz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	s := New(Config{AllowedOrigins: []string{"https://bench.example.com"}}, nil, nil, nil, nil)
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "localhost:8080", true},
		{"http://localhost:8080", "localhost:8080", true},
		{"https://bench.example.com", "localhost:8080", true},
		{"https://evil.example.com", "localhost:8080", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/runs/ws", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v", tt.origin, got)
		}
	}
}
