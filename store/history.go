package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/mawnt/renderbot/render"
)

// Recorder persists finished render jobs. It satisfies render.HistoryRecorder.
type Recorder struct{ DB *sql.DB }

func (r *Recorder) RecordRender(ctx context.Context, snap render.Snapshot) error {
	user, channel := "", ""
	if len(snap.Requesters) > 0 {
		user = snap.Requesters[0].User
		channel = snap.Requesters[0].Channel
	}
	errKind, errDetail := "", ""
	if snap.Err != nil {
		errKind = snap.Err.Kind.String()
		errDetail = render.Truncate(snap.Err.Error(), 300)
	}
	q := `INSERT INTO render_history(job_id, username, channel, beatmap_id, replay_name, skin, mods, state, error_kind, error_detail, artifact_url, submitted_at, finished_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		  ON CONFLICT(job_id) DO NOTHING`
	_, err := r.DB.ExecContext(ctx, q,
		snap.ID, user, channel, snap.Key.BeatmapID, snap.ReplayName,
		snap.Settings.Skin, snap.Settings.Mods, snap.State.String(), errKind, errDetail,
		snap.ArtifactURL, snap.SubmittedAt)
	if err != nil {
		return err
	}
	if snap.State == render.StateSucceeded {
		if _, cerr := IncrCounter(ctx, r.DB, "renders_succeeded_total"); cerr != nil {
			return cerr
		}
	}
	return nil
}

// HistoryEntry is one finished render as shown on the status page.
type HistoryEntry struct {
	JobID       string    `json:"job_id"`
	Username    string    `json:"username"`
	BeatmapID   int       `json:"beatmap_id"`
	ReplayName  string    `json:"replay_name"`
	State       string    `json:"state"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	ArtifactURL string    `json:"artifact_url,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RecentHistory returns the most recently finished renders, newest first.
func RecentHistory(ctx context.Context, db *sql.DB, limit int) ([]HistoryEntry, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT job_id, username, beatmap_id, replay_name, state, COALESCE(error_kind,''), COALESCE(artifact_url,''), submitted_at, finished_at
		 FROM render_history ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.JobID, &e.Username, &e.BeatmapID, &e.ReplayName, &e.State, &e.ErrorKind, &e.ArtifactURL, &e.SubmittedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
