package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSender) Say(channel, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, channel+": "+message)
}

func (s *recordingSender) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type stubUploader struct {
	mu       sync.Mutex
	attempts int
	failN    int
	failWith error
	url      string
}

func (u *stubUploader) Upload(ctx context.Context, path, title, description string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.attempts++
	if u.attempts <= u.failN {
		err := u.failWith
		if err == nil {
			err = Ef(KindRemoteUnavailable, "upload", "flaky")
		}
		return "", err
	}
	if u.url == "" {
		return "https://www.youtube.com/watch?v=test123", nil
	}
	return u.url, nil
}

// terminalJob builds a job in the given terminal state with a real workdir
// and, for successes, a real artifact file. Extra requesters are attached
// while the job is still active.
func terminalJob(t *testing.T, state State, failErr error, extra ...Requester) *Job {
	t.Helper()
	j := NewJob(context.Background(), testKey("alice"), "https://x/good_play.osr", Settings{}, Requester{User: "alice", Channel: "#osu"})
	for _, r := range extra {
		if !j.AttachIfActive(r) {
			t.Fatal("attach to an active job must succeed")
		}
	}
	j.WorkDir = filepath.Join(t.TempDir(), "job")
	if err := os.MkdirAll(j.WorkDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := j.Transition(StateResolving); err != nil {
		t.Fatal(err)
	}
	switch state {
	case StateSucceeded:
		if err := j.Transition(StateRendering); err != nil {
			t.Fatal(err)
		}
		artifact := filepath.Join(j.WorkDir, "render.mp4")
		if err := os.WriteFile(artifact, []byte("video"), 0o644); err != nil {
			t.Fatal(err)
		}
		j.SetArtifact(artifact)
		if err := j.Transition(StateSucceeded); err != nil {
			t.Fatal(err)
		}
	default:
		j.Fail(failErr)
	}
	return j
}

func TestNotifierDeliverSuccessUpload(t *testing.T) {
	sender := &recordingSender{}
	up := &stubUploader{}
	n := &Notifier{Sender: sender, Uploader: up, MaxAttempts: 3}
	j := terminalJob(t, StateSucceeded, nil)
	workDir := j.WorkDir

	if err := n.Deliver(context.Background(), j); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	msgs := sender.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "youtube.com/watch") || !strings.Contains(msgs[0], "good play") {
		t.Fatalf("msgs = %v", msgs)
	}
	if j.Snapshot().ArtifactURL == "" {
		t.Fatal("artifact URL not recorded")
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatal("workdir not cleaned up")
	}
}

func TestNotifierUploadRetries(t *testing.T) {
	sender := &recordingSender{}
	up := &stubUploader{failN: 2}
	n := &Notifier{Sender: sender, Uploader: up, MaxAttempts: 4}
	j := terminalJob(t, StateSucceeded, nil)

	if err := n.Deliver(context.Background(), j); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if up.attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (two transient failures then success)", up.attempts)
	}
}

func TestNotifierUploadExhaustion(t *testing.T) {
	sender := &recordingSender{}
	up := &stubUploader{failN: 100}
	n := &Notifier{Sender: sender, Uploader: up, MaxAttempts: 2}
	j := terminalJob(t, StateSucceeded, nil)
	workDir := j.WorkDir

	err := n.Deliver(context.Background(), j)
	if err == nil || KindOf(err) != KindDeliveryFailed {
		t.Fatalf("err = %v, want DeliveryFailed", err)
	}
	if up.attempts != 2 {
		t.Fatalf("attempts = %d, want 2", up.attempts)
	}
	// Requesters still hear about it, and cleanup still runs.
	if msgs := sender.all(); len(msgs) != 1 || !strings.Contains(msgs[0], "could not be delivered") {
		t.Fatalf("msgs = %v", msgs)
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatal("workdir must be cleaned up even when delivery fails")
	}
}

// Permanent upload errors are not retried.
func TestNotifierUploadPermanentError(t *testing.T) {
	up := &stubUploader{failN: 100, failWith: errors.New("invalid credentials")}
	n := &Notifier{Sender: &recordingSender{}, Uploader: up, MaxAttempts: 5}
	j := terminalJob(t, StateSucceeded, nil)

	if err := n.Deliver(context.Background(), j); err == nil {
		t.Fatal("expected delivery failure")
	}
	if up.attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a non-retryable error", up.attempts)
	}
}

func TestNotifierLocalFallback(t *testing.T) {
	sender := &recordingSender{}
	rendersDir := filepath.Join(t.TempDir(), "renders")
	n := &Notifier{Sender: sender, RendersDir: rendersDir, MaxAttempts: 3}
	j := terminalJob(t, StateSucceeded, nil)

	if err := n.Deliver(context.Background(), j); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	dest := filepath.Join(rendersDir, j.ID+".mp4")
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("artifact not moved to renders dir: %v", err)
	}
	if msgs := sender.all(); len(msgs) != 1 || !strings.Contains(msgs[0], dest) {
		t.Fatalf("msgs = %v", msgs)
	}
}

func TestNotifierDeliverFailure(t *testing.T) {
	sender := &recordingSender{}
	n := &Notifier{Sender: sender, MaxAttempts: 3}
	j := terminalJob(t, StateFailed, Ef(KindNotFound, "assets.beatmap", "beatmap 42"))
	workDir := j.WorkDir

	if err := n.Deliver(context.Background(), j); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	msgs := sender.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "couldn't find") {
		t.Fatalf("msgs = %v", msgs)
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatal("workdir not cleaned up on failure")
	}
}

// Coalesced requesters in the same channel each get a mention, but
// duplicates are collapsed.
func TestNotifierBroadcastDedup(t *testing.T) {
	sender := &recordingSender{}
	n := &Notifier{Sender: sender, MaxAttempts: 1}
	j := terminalJob(t, StateFailed, Ef(KindTimeout, "danser", "late"),
		Requester{User: "bob", Channel: "#osu"},
		Requester{User: "alice", Channel: "#osu"}) // duplicate of the first requester

	if err := n.Deliver(context.Background(), j); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if msgs := sender.all(); len(msgs) != 2 {
		t.Fatalf("msgs = %v, want alice and bob once each", msgs)
	}
}
