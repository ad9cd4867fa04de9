package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mawnt/renderbot/telemetry"
)

// MessageSender pushes a chat line to a channel. The chat bot implements it.
type MessageSender interface {
	Say(channel, message string)
}

// Uploader publishes a finished artifact somewhere public and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, path, title, description string) (string, error)
}

// Notifier delivers terminal job outcomes back to every attached requester
// and owns workspace cleanup. Cleanup runs regardless of delivery outcome:
// a job that failed to deliver still releases its working directory.
type Notifier struct {
	Sender      MessageSender
	Uploader    Uploader
	RendersDir  string // local fallback destination when no uploader is wired
	MaxAttempts int
}

// Deliver publishes the outcome of a terminal job. For successes the artifact
// is uploaded (with retries) or moved to the local renders directory, then
// every requester is messaged. Failures and cancellations get the bounded
// user-facing message. The job's working directory is removed on all paths.
func (n *Notifier) Deliver(ctx context.Context, job *Job) error {
	snap := job.Snapshot()
	logger := slog.Default().With(slog.String("job_id", snap.ID), slog.String("component", "notifier"))

	defer func() {
		if snap.WorkDir != "" {
			if err := os.RemoveAll(snap.WorkDir); err != nil {
				logger.Warn("workspace cleanup failed", slog.String("dir", snap.WorkDir), slog.Any("err", err))
			}
		}
	}()

	switch snap.State {
	case StateSucceeded:
		return n.deliverSuccess(ctx, job, snap, logger)
	case StateFailed, StateCancelled:
		n.broadcast(snap, UserMessage(snap.Err))
		return nil
	default:
		return Ef(KindInvalidTransition, "notifier.deliver", "job %s not terminal (%s)", snap.ID, snap.State)
	}
}

func (n *Notifier) deliverSuccess(ctx context.Context, job *Job, snap Snapshot, logger *slog.Logger) error {
	start := time.Now()
	url, err := n.publish(ctx, snap)
	if telemetry.DeliverDuration != nil {
		telemetry.DeliverDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if telemetry.DeliveriesFailed != nil {
			telemetry.DeliveriesFailed.Inc()
		}
		logger.Error("delivery failed", slog.Any("err", err))
		n.broadcast(snap, fmt.Sprintf("render of %s finished but could not be delivered, sorry", snap.ReplayName))
		return E(KindDeliveryFailed, "notifier.deliver", err)
	}
	job.SetArtifactURL(url)
	n.broadcast(snap, fmt.Sprintf("your render of %s is ready: %s", snap.ReplayName, url))
	logger.Info("delivered", slog.String("url", url))
	return nil
}

// publish uploads the artifact with exponential backoff, or falls back to a
// local move when no uploader is configured.
func (n *Notifier) publish(ctx context.Context, snap Snapshot) (string, error) {
	if n.Uploader == nil {
		return n.moveLocal(snap)
	}
	attempts := n.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	title := snap.ReplayName
	desc := fmt.Sprintf("osu! replay render, beatmap %d", snap.Key.BeatmapID)
	return backoff.Retry(ctx, func() (string, error) {
		url, err := n.Uploader.Upload(ctx, snap.ArtifactPath, title, desc)
		if err != nil {
			if !KindOf(err).Retryable() {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return url, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(attempts)))
}

func (n *Notifier) moveLocal(snap Snapshot) (string, error) {
	if err := os.MkdirAll(n.RendersDir, 0o755); err != nil {
		return "", E(KindDeliveryFailed, "notifier.move", err)
	}
	dest := filepath.Join(n.RendersDir, snap.ID+".mp4")
	if err := os.Rename(snap.ArtifactPath, dest); err != nil {
		// Cross-device moves need a copy; keep it simple and surface the error.
		return "", E(KindDeliveryFailed, "notifier.move", err)
	}
	return dest, nil
}

// broadcast sends msg to every requester channel, deduplicating channels so
// coalesced requests from the same room produce one line.
func (n *Notifier) broadcast(snap Snapshot, msg string) {
	if n.Sender == nil {
		return
	}
	seen := map[string]bool{}
	for _, r := range snap.Requesters {
		line := msg
		if r.User != "" {
			line = "@" + r.User + " " + msg
		}
		key := r.Channel + "|" + r.User
		if seen[key] {
			continue
		}
		seen[key] = true
		n.Sender.Say(r.Channel, line)
	}
}
