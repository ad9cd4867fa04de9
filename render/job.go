package render

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a render job's position in its lifecycle. Transitions are
// monotonic; terminal states close the job's done channel exactly once.
type State int

const (
	StateQueued State = iota
	StateResolving
	StateRendering
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateResolving:
		return "resolving"
	case StateRendering:
		return "rendering"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are legal from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// validTransition encodes the state machine. Failed and Cancelled are
// reachable from any non-terminal state; Rendering requires Resolving first.
func validTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateResolving:
		return from == StateQueued
	case StateRendering:
		return from == StateResolving
	case StateSucceeded:
		return from == StateRendering
	case StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Settings is the requester-chosen render configuration. It is part of the
// job identity: two requests differing only in settings are distinct jobs.
type Settings struct {
	Skin  string
	Mods  string
	Start int // seconds into the replay, 0 = beginning
	End   int // seconds, 0 = full length
}

// Hash returns a stable digest of the settings tuple for the identity key.
func (s Settings) Hash() string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d|%d", strings.ToLower(s.Skin), strings.ToUpper(s.Mods), s.Start, s.End)))
	return hex.EncodeToString(h[:8])
}

// Key is the composite job identity. Duplicate submissions with an equal key
// while one is in-flight attach to the existing job instead of re-executing.
type Key struct {
	User         string
	BeatmapID    int
	ReplayDigest string
	SettingsHash string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s/%s", k.User, k.BeatmapID, k.ReplayDigest, k.SettingsHash)
}

// ReplayDigest derives the identity component for a replay reference.
func ReplayDigest(replayRef string) string {
	h := sha1.Sum([]byte(replayRef))
	return hex.EncodeToString(h[:8])
}

// Requester identifies one chat-side submitter awaiting this job's result.
type Requester struct {
	User    string
	Channel string
	Corr    string
}

// AssetBundle holds the resolved local inputs for one render. It is owned
// exclusively by its job; only the beatmap file may be shared (read-only,
// via the beatmap cache).
type AssetBundle struct {
	BeatmapPath string
	ReplayPath  string
	SkinName    string
	SkinDir     string
}

// ResolveRequest is the Asset Resolver contract input.
type ResolveRequest struct {
	BeatmapID int
	ReplayURL string
	Skin      string
	WorkDir   string
}

// AssetResolver fetches and validates the inputs a render needs.
type AssetResolver interface {
	Resolve(ctx context.Context, req ResolveRequest) (*AssetBundle, error)
}

// Job is one in-flight render. State is guarded by mu; the identity fields
// are immutable after construction.
type Job struct {
	ID          string
	Key         Key
	ReplayURL   string
	Settings    Settings
	WorkDir     string
	SubmittedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	progress   int
	errv       *Error
	artifact   string
	artifactTo string
	requesters []Requester
	done       chan struct{}
}

// NewJob creates a job in StateQueued with its own cancellable context
// derived from parent.
func NewJob(parent context.Context, key Key, replayURL string, settings Settings, first Requester) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		ID:          uuid.New().String(),
		Key:         key,
		ReplayURL:   replayURL,
		Settings:    settings,
		SubmittedAt: time.Now().UTC(),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateQueued,
		requesters:  []Requester{first},
		done:        make(chan struct{}),
	}
}

// Context is cancelled when the job is cancelled; every suspension point in
// the pipeline selects on it.
func (j *Job) Context() context.Context { return j.ctx }

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to next, validating against the state machine.
// Invalid transitions fail with KindInvalidTransition and do not mutate.
func (j *Job) Transition(next State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !validTransition(j.state, next) {
		return Ef(KindInvalidTransition, "job.transition", "%s -> %s (job %s)", j.state, next, j.ID)
	}
	j.state = next
	if next.Terminal() {
		close(j.done)
	}
	return nil
}

// Fail moves the job to Failed (or Cancelled, when the cause classifies as a
// cancellation) and records the error. Failing an already-terminal job is a
// no-op so racing failure paths stay safe.
func (j *Job) Fail(err error) {
	kind := KindOf(err)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	if j.errv == nil {
		if re, ok := err.(*Error); ok {
			j.errv = re
		} else {
			j.errv = &Error{Kind: kind, Op: "job", Err: err}
		}
	}
	if kind == KindCancelled {
		j.state = StateCancelled
	} else {
		j.state = StateFailed
	}
	close(j.done)
}

// Cancel flags the job and cancels its context. The transition to Cancelled
// happens at the next observation point (cooperative, eventual).
func (j *Job) Cancel() {
	j.cancel()
}

// Cancelled reports whether cancellation has been requested.
func (j *Job) Cancelled() bool { return j.ctx.Err() != nil }

// AttachIfActive registers another requester awaiting this job's result. It
// reports false once the job is terminal: the delivery fan-out may already be
// snapshotted by then, so a late requester must start a fresh job instead.
func (j *Job) AttachIfActive(r Requester) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.requesters = append(j.requesters, r)
	return true
}

// SetProgress records the renderer's reported percentage (clamped 0-100).
func (j *Job) SetProgress(p int) {
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

// SetArtifact records the produced output path.
func (j *Job) SetArtifact(path string) {
	j.mu.Lock()
	j.artifact = path
	j.mu.Unlock()
}

// SetArtifactURL records the delivered location (upload URL or final path).
func (j *Job) SetArtifactURL(u string) {
	j.mu.Lock()
	j.artifactTo = u
	j.mu.Unlock()
}

// Err returns the recorded failure, if any.
func (j *Job) Err() *Error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errv
}

// ReplayName derives a display title from the replay reference: the base
// file name with underscores mapped to spaces and the extension dropped.
func (j *Job) ReplayName() string {
	name := filepath.Base(j.ReplayURL)
	if i := strings.Index(name, "?"); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSuffix(name, ".osr")
	if i := strings.LastIndex(name, "_Osu"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." {
		return fmt.Sprintf("beatmap %d", j.Key.BeatmapID)
	}
	return strings.ReplaceAll(name, "_", " ")
}

// Snapshot is an immutable view of a job for delivery and status queries.
type Snapshot struct {
	ID           string
	Key          Key
	Settings     Settings
	State        State
	Progress     int
	Err          *Error
	ArtifactPath string
	ArtifactURL  string
	WorkDir      string
	ReplayName   string
	SubmittedAt  time.Time
	Requesters   []Requester
}

// Snapshot copies the current job state under the lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	reqs := make([]Requester, len(j.requesters))
	copy(reqs, j.requesters)
	return Snapshot{
		ID:           j.ID,
		Key:          j.Key,
		Settings:     j.Settings,
		State:        j.state,
		Progress:     j.progress,
		Err:          j.errv,
		ArtifactPath: j.artifact,
		ArtifactURL:  j.artifactTo,
		WorkDir:      j.WorkDir,
		ReplayName:   j.ReplayName(),
		SubmittedAt:  j.SubmittedAt,
		Requesters:   reqs,
	}
}
