package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/kaizen/internal/api"
	"github.com/nugget/kaizen/internal/catalog"
	"github.com/nugget/kaizen/internal/engine"
	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/outcome"
)

// fakeAPI serves canned control API responses and records requests.
type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
	handoff  *handoff.Handoff
}

func (f *fakeAPI) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
	f.bodies = append(f.bodies, string(body))
}

func (f *fakeAPI) last() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return "", ""
	}
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func (f *fakeAPI) handler() http.Handler {
	status := engine.Status{
		State:      engine.StateResting,
		Resting:    true,
		CycleCount: 7,
		Epsilon:    0.27,
		LastReward: 0.4,
		Backend:    "claude",
		LastCycle:  &engine.CycleInfo{Number: 7, Action: "budget_review", Success: true, Reward: 0.4},
	}
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/engine/status", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, status)
	})
	for _, name := range []string{"start", "stop", "pause", "resume", "nudge"} {
		mux.HandleFunc("POST /v1/engine/"+name, func(w http.ResponseWriter, r *http.Request) {
			f.record(r)
			writeJSON(w, status)
		})
	}
	mux.HandleFunc("POST /v1/engine/wake", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, api.WakeResponse{Woken: true})
	})
	mux.HandleFunc("POST /v1/engine/activity", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/engine/cycles", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, map[string]any{"cycles": []outcome.Cycle{{
			ID: "c1", ActionType: "budget_review", Strategy: "exploit", Success: true, Reward: 0.4,
			DurationMs: 90000, StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			FinishedAt: time.Date(2026, 3, 1, 9, 1, 30, 0, time.UTC),
		}}, "count": 1})
	})
	mux.HandleFunc("GET /v1/engine/effectiveness", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, map[string]any{"effectiveness": []outcome.Effectiveness{{
			ActionType: "budget_review", TotalRuns: 3, AvgReward: 0.3, BestReward: 0.5, WorstReward: 0.1,
		}}, "count": 1})
	})
	mux.HandleFunc("GET /v1/engine/handoff", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if f.handoff == nil {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"error": map[string]any{"message": "no pending handoff", "code": 404}})
			return
		}
		writeJSON(w, f.handoff)
	})
	mux.HandleFunc("DELETE /v1/engine/handoff", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/engine/actions", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		cat := catalog.Default()
		writeJSON(w, api.ActionsResponse{Actions: cat.Types(), Keywords: cat.Keywords()})
	})
	return mux
}

func runClient(t *testing.T, f *fakeAPI, args ...string) string {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	full := append([]string{"-server", srv.URL}, args...)
	if err := run(context.Background(), &out, &out, full); err != nil {
		t.Fatalf("run(%v) error = %v", args, err)
	}
	return out.String()
}

func TestClient_Status(t *testing.T) {
	f := &fakeAPI{}
	out := runClient(t, f, "status")
	for _, want := range []string{"resting", "claude", "budget_review", "0.2700"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestClient_StatusJSON(t *testing.T) {
	f := &fakeAPI{}
	out := runClient(t, f, "-o", "json", "status")
	var st engine.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if st.CycleCount != 7 {
		t.Errorf("CycleCount = %d, want 7", st.CycleCount)
	}
}

func TestClient_Control(t *testing.T) {
	for _, cmd := range []string{"start", "stop", "pause", "resume"} {
		t.Run(cmd, func(t *testing.T) {
			f := &fakeAPI{}
			runClient(t, f, cmd)
			if req, _ := f.last(); req != "POST /v1/engine/"+cmd {
				t.Errorf("request = %q", req)
			}
		})
	}
}

func TestClient_Nudge(t *testing.T) {
	f := &fakeAPI{}
	runClient(t, f, "nudge", "budget_review")
	req, body := f.last()
	if req != "POST /v1/engine/nudge" {
		t.Errorf("request = %q", req)
	}
	var nr api.NudgeRequest
	if err := json.Unmarshal([]byte(body), &nr); err != nil || nr.Action != "budget_review" {
		t.Errorf("body = %q (%v)", body, err)
	}
}

func TestClient_NudgeUsage(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-server", "http://127.0.0.1:1", "nudge"})
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("error = %v, want usage", err)
	}
}

func TestClient_WakeAndActivity(t *testing.T) {
	f := &fakeAPI{}
	if out := runClient(t, f, "wake"); !strings.Contains(out, "woke") {
		t.Errorf("wake output = %q", out)
	}

	out := runClient(t, f, "activity", "finished", "the", "report")
	if !strings.Contains(out, "recorded") {
		t.Errorf("activity output = %q", out)
	}
	_, body := f.last()
	if !strings.Contains(body, "finished the report") {
		t.Errorf("activity body = %q", body)
	}
}

func TestClient_CyclesAndBest(t *testing.T) {
	f := &fakeAPI{}
	out := runClient(t, f, "cycles", "5")
	if req, _ := f.last(); req != "GET /v1/engine/cycles?limit=5" {
		t.Errorf("request = %q", req)
	}
	if !strings.Contains(out, "budget_review") || !strings.Contains(out, "1m30s") {
		t.Errorf("cycles output:\n%s", out)
	}

	out = runClient(t, f, "best")
	if req, _ := f.last(); req != "GET /v1/engine/effectiveness?best=10" {
		t.Errorf("request = %q", req)
	}
	if !strings.Contains(out, "+0.300") {
		t.Errorf("best output:\n%s", out)
	}
}

func TestClient_InvalidCount(t *testing.T) {
	srv := httptest.NewServer((&fakeAPI{}).handler())
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-server", srv.URL, "cycles", "many"})
	if err == nil || !strings.Contains(err.Error(), "invalid count") {
		t.Errorf("error = %v, want invalid count", err)
	}
}

func TestClient_Handoff(t *testing.T) {
	f := &fakeAPI{}
	if out := runClient(t, f, "handoff"); !strings.Contains(out, "no pending handoff") {
		t.Errorf("empty handoff output = %q", out)
	}

	f.handoff = &handoff.Handoff{NextTask: "reconcile March", FromAction: "budget_review", Source: "marker"}
	if out := runClient(t, f, "handoff"); !strings.Contains(out, "reconcile March") {
		t.Errorf("handoff output = %q", out)
	}

	runClient(t, f, "handoff", "clear")
	if req, _ := f.last(); req != "DELETE /v1/engine/handoff" {
		t.Errorf("request = %q", req)
	}
}

func TestClient_Actions(t *testing.T) {
	out := runClient(t, &fakeAPI{}, "actions")
	for _, at := range catalog.Default().Types() {
		if !strings.Contains(out, at.ID) {
			t.Errorf("actions output missing %q", at.ID)
		}
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":{"message":"engine is not running","code":409}}`)
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-server", srv.URL, "pause"})
	if err == nil || !strings.Contains(err.Error(), "409: engine is not running") {
		t.Errorf("error = %v", err)
	}
}
