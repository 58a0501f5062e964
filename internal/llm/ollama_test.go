package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/kaizen/internal/executor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Idle keep-alive connections of httptest clients.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

func chunkLines(chunks ...ChatChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		data, _ := json.Marshal(c)
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String()
}

func text(s string) ChatChunk {
	return ChatChunk{Message: Message{Role: "assistant", Content: s}}
}

func toolCall(name string) ChatChunk {
	var tc ToolCall
	tc.Function.Name = name
	return ChatChunk{Message: Message{Role: "assistant", ToolCalls: []ToolCall{tc}}}
}

func TestDecodeStream(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     []executor.Event
		wantDone bool
	}{
		{
			name:  "text then done",
			input: chunkLines(text("Disk at 91%. "), toolCall("shell"), text("Pruned logs."), ChatChunk{Done: true, DoneReason: "stop"}),
			want: []executor.Event{
				{Kind: executor.EventText, Text: "Disk at 91%. "},
				{Kind: executor.EventToolCall, Tool: "shell"},
				{Kind: executor.EventText, Text: "Pruned logs."},
				{Kind: executor.EventComplete, Success: true},
			},
			wantDone: true,
		},
		{
			name:     "length limit still succeeds",
			input:    chunkLines(text("a"), ChatChunk{Done: true, DoneReason: "length"}),
			want:     []executor.Event{{Kind: executor.EventText, Text: "a"}, {Kind: executor.EventComplete, Success: true}},
			wantDone: true,
		},
		{
			name:     "model only loaded",
			input:    chunkLines(ChatChunk{Done: true, DoneReason: "load"}),
			want:     []executor.Event{{Kind: executor.EventComplete, Error: "done: load"}},
			wantDone: true,
		},
		{
			name:     "error chunk",
			input:    chunkLines(text("a"), ChatChunk{Error: "model crashed"}),
			want:     []executor.Event{{Kind: executor.EventText, Text: "a"}, {Kind: executor.EventComplete, Error: "model crashed"}},
			wantDone: true,
		},
		{
			name:  "eof without done",
			input: chunkLines(text("partial")),
			want:  []executor.Event{{Kind: executor.EventText, Text: "partial"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []executor.Event
			done, err := DecodeStream(strings.NewReader(tt.input), func(ev executor.Event) bool {
				got = append(got, ev)
				return true
			})
			if err != nil {
				t.Fatalf("DecodeStream() error = %v", err)
			}
			if done != tt.wantDone {
				t.Errorf("done = %v, want %v", done, tt.wantDone)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeStream_Malformed(t *testing.T) {
	_, err := DecodeStream(strings.NewReader(`{"message":`), func(executor.Event) bool { return true })
	if err == nil {
		t.Error("DecodeStream() accepted truncated JSON")
	}
}

func newServer(t *testing.T, chat http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"qwen3:latest"},{"name":"llama3.2:3b"}]}`)
	})
	if chat != nil {
		mux.HandleFunc("POST /api/chat", chat)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaClient_Ping(t *testing.T) {
	srv := newServer(t, nil)
	tests := []struct {
		model   string
		wantErr bool
	}{
		{"qwen3", false},
		{"llama3.2:3b", false},
		{"mistral", true},
		{"", true},
	}
	for _, tt := range tests {
		c := NewOllamaClient(OllamaConfig{URL: srv.URL, Model: tt.model, HTTPClient: srv.Client()})
		if err := c.Ping(context.Background()); (err != nil) != tt.wantErr {
			t.Errorf("Ping(%q) error = %v, wantErr %v", tt.model, err, tt.wantErr)
		}
	}
}

func TestOllamaClient_Submit(t *testing.T) {
	var got ChatRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, chunkLines(text("## HANDOFF\n"), text("Next: rotate keys"), ChatChunk{Done: true, DoneReason: "stop"}))
	})

	c := NewOllamaClient(OllamaConfig{
		URL:         srv.URL + "/",
		Model:       "qwen3",
		System:      "You are the maintenance agent.",
		Temperature: 0.2,
		HTTPClient:  srv.Client(),
	})
	s, err := c.Submit(context.Background(), "audit credentials", time.Minute)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var events []executor.Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	want := []executor.Event{
		{Kind: executor.EventText, Text: "## HANDOFF\n"},
		{Kind: executor.EventText, Text: "Next: rotate keys"},
		{Kind: executor.EventComplete, Success: true},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	wantReq := ChatRequest{
		Model: "qwen3",
		Messages: []Message{
			{Role: "system", Content: "You are the maintenance agent."},
			{Role: "user", Content: "audit credentials"},
		},
		Stream:  true,
		Options: &Options{Temperature: 0.2},
	}
	if diff := cmp.Diff(wantReq, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestOllamaClient_SubmitHTTPError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})
	c := NewOllamaClient(OllamaConfig{URL: srv.URL, Model: "missing", HTTPClient: srv.Client()})

	_, err := c.Submit(context.Background(), "p", time.Minute)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("Submit() error = %v", err)
	}
}

func TestOllamaClient_AbortStopsStream(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chunkLines(text("thinking")))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	c := NewOllamaClient(OllamaConfig{URL: srv.URL, Model: "qwen3", HTTPClient: srv.Client()})
	s, err := c.Submit(context.Background(), "p", time.Minute)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Text != "thinking" {
			t.Fatalf("first event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event before abort")
	}
	s.Abort()

	select {
	case <-drained(s):
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed after abort")
	}
}

func drained(s executor.Stream) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range s.Events() {
		}
		close(done)
	}()
	return done
}
