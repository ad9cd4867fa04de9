package osuapi

import (
	"bytes"
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/mawnt/renderbot/render"
	"github.com/mawnt/renderbot/testutil"
)

func newTestClient(mock *testutil.MockOsuServer) *Client {
	return &Client{
		TokenSource: &TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: mock.URL + "/oauth/token"},
		APIBase:     mock.URL + "/api/v2",
		FileBase:    mock.URL + "/osu",
	}
}

func TestLookupBeatmap(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	mock.MockBeatmap(42, "Insane", "abc123")
	c := newTestClient(mock)

	bm, err := c.LookupBeatmap(context.Background(), 42)
	if err != nil {
		t.Fatalf("LookupBeatmap: %v", err)
	}
	if bm.ID != 42 || bm.Version != "Insane" || bm.Checksum != "abc123" {
		t.Fatalf("beatmap = %+v", bm)
	}
}

func TestLookupBeatmapNotFound(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	c := newTestClient(mock)

	_, err := c.LookupBeatmap(context.Background(), 999)
	if render.KindOf(err) != render.KindNotFound {
		t.Fatalf("kind = %v, err = %v", render.KindOf(err), err)
	}
}

func TestLookupBeatmapSendsBearer(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	var gotAuth atomic.Value
	mock.Handlers["/api/v2/beatmaps/7"] = func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7}`))
	}
	c := newTestClient(mock)

	if _, err := c.LookupBeatmap(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	if gotAuth.Load() != "Bearer test-token" {
		t.Fatalf("Authorization = %v", gotAuth.Load())
	}
}

func TestFetchBeatmapFile(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	mock.MockBeatmapFile(42, testutil.OsuFile())
	c := newTestClient(mock)

	body, err := c.FetchBeatmapFile(context.Background(), 42)
	if err != nil {
		t.Fatalf("FetchBeatmapFile: %v", err)
	}
	if !bytes.Equal(body, testutil.OsuFile()) {
		t.Fatal("body mismatch")
	}
}

// Transient server errors are retried; the fetch eventually succeeds.
func TestFetchBeatmapFileRetriesServerError(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	var calls atomic.Int32
	mock.Handlers["/osu/42"] = func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(testutil.OsuFile())
	}
	c := newTestClient(mock)
	c.MaxFetchAttempts = 5

	if _, err := c.FetchBeatmapFile(context.Background(), 42); err != nil {
		t.Fatalf("FetchBeatmapFile: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

// An HTML body in place of the .osu file means the server rate-limited us.
func TestFetchBeatmapFileHTMLIsRetryable(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	var calls atomic.Int32
	mock.Handlers["/osu/42"] = func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte("<html><body>too many requests</body></html>"))
			return
		}
		_, _ = w.Write(testutil.OsuFile())
	}
	c := newTestClient(mock)

	if _, err := c.FetchBeatmapFile(context.Background(), 42); err != nil {
		t.Fatalf("FetchBeatmapFile: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

// 404 is permanent: no retries.
func TestFetchBeatmapFileNotFoundNoRetry(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	var calls atomic.Int32
	mock.Handlers["/osu/404000"] = func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}
	c := newTestClient(mock)
	c.MaxFetchAttempts = 5

	_, err := c.FetchBeatmapFile(context.Background(), 404000)
	if render.KindOf(err) != render.KindNotFound {
		t.Fatalf("kind = %v", render.KindOf(err))
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}
