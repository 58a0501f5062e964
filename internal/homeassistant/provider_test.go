package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/kaizen/internal/observe"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	states := map[string]string{
		"sensor.net_worth":      `{"entity_id":"sensor.net_worth","state":"152340.5","attributes":{}}`,
		"sensor.sleep_score":    `{"entity_id":"sensor.sleep_score","state":"unavailable","attributes":{"avg_7d":81.5}}`,
		"sensor.goal_progress":  `{"entity_id":"sensor.goal_progress","state":"on track","attributes":{}}`,
		"sensor.disk_free_pct":  `{"entity_id":"sensor.disk_free_pct","state":"unknown","attributes":{"raw":"12"}}`,
		"sensor.security_score": `{"entity_id":"sensor.security_score","state":"0","attributes":{}}`,
		"sensor.broken_nan":     `{"entity_id":"sensor.broken_nan","state":"NaN","attributes":{"peak":"+Inf"}}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"message":"API running."}`))
	})
	mux.HandleFunc("GET /api/states/{entity}", func(w http.ResponseWriter, r *http.Request) {
		body, ok := states[r.PathValue("entity")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Ping(t *testing.T) {
	srv := newTestServer(t)
	if err := NewClient(srv.URL, "secret", nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if err := NewClient(srv.URL, "wrong", nil).Ping(context.Background()); err == nil {
		t.Error("Ping() with bad token succeeded")
	}
}

func TestProvider_Read(t *testing.T) {
	srv := newTestServer(t)
	p := NewProvider(NewClient(srv.URL+"/", "secret", nil), map[observe.Dimension]Source{
		observe.Finance:   {Entity: "sensor.net_worth"},
		observe.Health:    {Entity: "sensor.sleep_score", Attribute: "avg_7d"},
		observe.Goals:     {Entity: "sensor.goal_progress"},
		observe.System:    {Entity: "sensor.disk_free_pct", Attribute: "raw"},
		observe.Safety:    {Entity: "sensor.security_score"},
		observe.Career:    {Entity: "sensor.missing"},
		observe.Awareness: {},
	}, nil)

	tests := []struct {
		dim    observe.Dimension
		want   float64
		wantOK bool
	}{
		{observe.Finance, 152340.5, true},
		{observe.Health, 81.5, true},
		{observe.Goals, 0, false},
		{observe.System, 12, true},
		{observe.Safety, 0, true},
		{observe.Career, 0, false},
		{observe.Awareness, 0, false},
		{observe.Learning, 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.dim), func(t *testing.T) {
			got, ok := p.Read(context.Background(), tt.dim)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Read(%s) = %v, %v, want %v, %v", tt.dim, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestProvider_FeedsObserver(t *testing.T) {
	srv := newTestServer(t)
	p := NewProvider(NewClient(srv.URL, "secret", nil), map[observe.Dimension]Source{
		observe.Finance: {Entity: "sensor.net_worth"},
		observe.Goals:   {Entity: "sensor.goal_progress"},
	}, nil)

	snap := observe.NewObserver(observe.ObserverConfig{Provider: p}).Observe(context.Background())
	if snap.Len() != 1 {
		t.Errorf("snapshot has %d values, want 1: %v", snap.Len(), snap.Values())
	}
	if v, ok := snap.Get(observe.Finance); !ok || v != 152340.5 {
		t.Errorf("finance = %v, %v", v, ok)
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		want Source
	}{
		{"sensor.net_worth", Source{Entity: "sensor.net_worth"}},
		{" sensor.sleep#avg_7d ", Source{Entity: "sensor.sleep", Attribute: "avg_7d"}},
		{"", Source{}},
	}
	for _, tt := range tests {
		if got := ParseSource(tt.in); got != tt.want {
			t.Errorf("ParseSource(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestProvider_NonFiniteIsAbsent(t *testing.T) {
	srv := newTestServer(t)
	p := NewProvider(NewClient(srv.URL, "secret", nil), map[observe.Dimension]Source{
		observe.Learning: {Entity: "sensor.broken_nan"},
		observe.System:   {Entity: "sensor.broken_nan", Attribute: "peak"},
	}, nil)

	for _, dim := range []observe.Dimension{observe.Learning, observe.System} {
		if v, ok := p.Read(context.Background(), dim); ok {
			t.Errorf("Read(%s) = %v, want absent", dim, v)
		}
	}
}
