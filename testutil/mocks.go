// Package testutil provides httptest mocks shared across package tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockOsuServer mocks the osu! API: token endpoint, beatmap metadata, and
// .osu file downloads. Register handlers by path; unregistered paths 404.
type MockOsuServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockOsuServer builds a mock osu! API server with a working token
// endpoint already registered.
func NewMockOsuServer(t *testing.T) *MockOsuServer {
	t.Helper()
	m := &MockOsuServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	m.MockToken("test-token", 3600)
	return m
}

// MockToken registers the client-credentials token endpoint.
func (m *MockOsuServer) MockToken(accessToken string, expiresIn int) {
	m.Handlers["/oauth/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
		})
	}
}

// MockBeatmap registers metadata for a beatmap id.
func (m *MockOsuServer) MockBeatmap(id int, version, checksum string) {
	m.Handlers[fmt.Sprintf("/api/v2/beatmaps/%d", id)] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":                id,
			"beatmapset_id":     id * 10,
			"version":           version,
			"checksum":          checksum,
			"status":            "ranked",
			"difficulty_rating": 5.5,
		})
	}
}

// MockBeatmapFile registers the raw .osu download for a beatmap id.
func (m *MockOsuServer) MockBeatmapFile(id int, body []byte) {
	m.Handlers[fmt.Sprintf("/osu/%d", id)] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}
}

// MockBeatmapFileError registers a fixed error status for a .osu download.
func (m *MockOsuServer) MockBeatmapFileError(id, status int) {
	m.Handlers[fmt.Sprintf("/osu/%d", id)] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockReplay registers a replay file download at the given path.
func (m *MockOsuServer) MockReplay(path string, body []byte) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}
}

// OsuFile returns a minimal syntactically plausible .osu file body.
func OsuFile() []byte {
	return []byte("osu file format v14\n\n[General]\nMode: 0\n")
}

// ReplayFile returns a minimal .osr body passing the resolver's header check:
// mode byte then a 4-byte version.
func ReplayFile() []byte {
	return []byte{0x00, 0x20, 0x4e, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef}
}
