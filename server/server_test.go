package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mawnt/renderbot/render"
)

func newTestService(t *testing.T) (*render.Service, *render.Registry) {
	t.Helper()
	reg := render.NewRegistry()
	svc := render.NewService(render.Options{QueueMax: 10}, reg, nil, nil, nil, nil, t.TempDir())
	return svc, reg
}

func newTestHandler(t *testing.T) (http.Handler, *render.Registry) {
	t.Helper()
	svc, reg := newTestService(t)
	return NewMux(NewHandlers(nil, svc, nil)), reg
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

// Without a database configured, readiness degrades to liveness.
func TestReadyzWithoutDB(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	h, reg := newTestHandler(t)

	key := render.Key{User: "alice", BeatmapID: 42, ReplayDigest: render.ReplayDigest("https://x/cookiezi_-_freedom_dive.osr")}
	reg.AdmitOrAttach(key, render.Requester{User: "alice", Channel: "mawnt"}, 0, func() *render.Job {
		return render.NewJob(context.Background(), key, "https://x/cookiezi_-_freedom_dive.osr", render.Settings{}, render.Requester{User: "alice", Channel: "mawnt"})
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		QueueDepth int `json:"queue_depth"`
		Queue      []struct {
			User       string `json:"user"`
			BeatmapID  int    `json:"beatmap_id"`
			ReplayName string `json:"replay_name"`
			State      string `json:"state"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.QueueDepth != 1 || len(body.Queue) != 1 {
		t.Fatalf("queue = %+v", body)
	}
	q := body.Queue[0]
	if q.User != "alice" || q.BeatmapID != 42 || q.State != "queued" {
		t.Fatalf("job = %+v", q)
	}
	if q.ReplayName != "cookiezi - freedom dive" {
		t.Fatalf("replay name = %q", q.ReplayName)
	}
}

func TestCorrelationHeader(t *testing.T) {
	h, _ := newTestHandler(t)

	t.Run("echoes provided id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Correlation-ID", "corr-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
			t.Fatalf("X-Correlation-ID = %q", got)
		}
	})

	t.Run("generates one when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Header().Get("X-Correlation-ID") == "" {
			t.Fatal("missing generated correlation id")
		}
	})
}

func TestYouTubeOAuthUnconfigured(t *testing.T) {
	h, _ := newTestHandler(t)
	for _, path := range []string{"/auth/youtube/start", "/auth/youtube/callback"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
