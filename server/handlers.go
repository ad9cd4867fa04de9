package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mawnt/renderbot/render"
	"github.com/mawnt/renderbot/store"
	"github.com/mawnt/renderbot/youtubeapi"
)

// Handlers carries the dependencies of the HTTP endpoints.
type Handlers struct {
	DB  *sql.DB
	Svc *render.Service
	YT  *youtubeapi.Service

	mu         sync.Mutex
	oauthState string
	stateAge   time.Time
}

func NewHandlers(db *sql.DB, svc *render.Service, yt *youtubeapi.Service) *Handlers {
	return &Handlers{DB: db, Svc: svc, YT: yt}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.Any("err", err))
	}
}

// HandleHealthz reports process liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness: the database must answer a ping.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusJob struct {
	ID          string    `json:"id"`
	User        string    `json:"user"`
	BeatmapID   int       `json:"beatmap_id"`
	ReplayName  string    `json:"replay_name"`
	State       string    `json:"state"`
	Progress    int       `json:"progress"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// HandleStatus returns the in-flight queue (oldest first) and recent history.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snaps := h.Svc.Status()
	jobs := make([]statusJob, 0, len(snaps))
	for _, s := range snaps {
		jobs = append(jobs, statusJob{
			ID:          s.ID,
			User:        s.Key.User,
			BeatmapID:   s.Key.BeatmapID,
			ReplayName:  s.ReplayName,
			State:       s.State.String(),
			Progress:    s.Progress,
			SubmittedAt: s.SubmittedAt,
		})
	}

	resp := map[string]any{
		"queue_depth": len(jobs),
		"queue":       jobs,
	}
	if h.DB != nil {
		if hist, err := store.RecentHistory(r.Context(), h.DB, 20); err == nil {
			resp["history"] = hist
		} else {
			slog.Warn("history query failed", slog.Any("err", err))
		}
		if n, err := store.GetCounter(r.Context(), h.DB, "renders_succeeded_total"); err == nil {
			resp["renders_succeeded_total"] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleYouTubeOAuthStart redirects to Google's consent screen.
func (h *Handlers) HandleYouTubeOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.YT == nil || !h.YT.Configured() {
		http.Error(w, "youtube oauth not configured", http.StatusServiceUnavailable)
		return
	}
	state := uuid.New().String()
	h.mu.Lock()
	h.oauthState = state
	h.stateAge = time.Now()
	h.mu.Unlock()
	http.Redirect(w, r, h.YT.AuthCodeURL(state), http.StatusFound)
}

// HandleYouTubeOAuthCallback exchanges the auth code and persists the token.
func (h *Handlers) HandleYouTubeOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.YT == nil || !h.YT.Configured() {
		http.Error(w, "youtube oauth not configured", http.StatusServiceUnavailable)
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	h.mu.Lock()
	expected, age := h.oauthState, h.stateAge
	h.oauthState = ""
	h.mu.Unlock()
	if code == "" || state == "" || state != expected || time.Since(age) > 10*time.Minute {
		http.Error(w, "invalid oauth state", http.StatusBadRequest)
		return
	}
	if _, err := h.YT.Exchange(r.Context(), code); err != nil {
		slog.Error("youtube oauth exchange failed", slog.Any("err", err))
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "youtube connected"})
}
