package render

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mawnt/renderbot/telemetry"
)

// HistoryRecorder persists finished jobs for the status page and counters.
type HistoryRecorder interface {
	RecordRender(ctx context.Context, snap Snapshot) error
}

// Options bound the service's admission behavior.
type Options struct {
	// QueueMax caps concurrently in-flight jobs; submissions beyond it are
	// rejected as overloaded.
	QueueMax int
	// ResolveMaxAttempts bounds retries of transient asset fetch failures.
	ResolveMaxAttempts int
	// DeliveryTimeout bounds the post-render delivery phase.
	DeliveryTimeout time.Duration
}

// Service is the render pipeline façade: admission, dedup, the resolve →
// render → deliver flow, cancellation, and status queries all enter here.
type Service struct {
	opts     Options
	reg      *Registry
	disp     *Dispatcher
	resolver AssetResolver
	notifier *Notifier
	history  HistoryRecorder
	dataDir  string

	root context.Context
	wg   sync.WaitGroup
}

func NewService(opts Options, reg *Registry, disp *Dispatcher, resolver AssetResolver, notifier *Notifier, history HistoryRecorder, dataDir string) *Service {
	if opts.QueueMax < 1 {
		opts.QueueMax = 1
	}
	if opts.ResolveMaxAttempts < 1 {
		opts.ResolveMaxAttempts = 3
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Minute
	}
	return &Service{
		opts:     opts,
		reg:      reg,
		disp:     disp,
		resolver: resolver,
		notifier: notifier,
		history:  history,
		dataDir:  dataDir,
	}
}

// Start launches the worker pool under ctx, which scopes every job's context.
func (s *Service) Start(ctx context.Context) {
	s.root = ctx
	s.disp.Start(ctx)
}

// Request is one chat-side render submission.
type Request struct {
	Requester Requester
	BeatmapID int
	ReplayURL string
	Settings  Settings
}

// Submit admits a render request. A request matching an in-flight job's
// identity attaches to it instead of starting a second render; otherwise a
// new job is created, subject to the in-flight ceiling. Returns the job the
// requester is now attached to, and whether it was freshly created.
func (s *Service) Submit(ctx context.Context, req Request) (*Job, bool, error) {
	key := Key{
		User:         req.Requester.User,
		BeatmapID:    req.BeatmapID,
		ReplayDigest: ReplayDigest(req.ReplayURL),
		SettingsHash: req.Settings.Hash(),
	}

	job, created, err := s.reg.AdmitOrAttach(key, req.Requester, s.opts.QueueMax, func() *Job {
		j := NewJob(s.root, key, req.ReplayURL, req.Settings, req.Requester)
		j.WorkDir = filepath.Join(s.dataDir, "jobs", j.ID)
		return j
	})
	if err != nil {
		if telemetry.RendersRejected != nil {
			telemetry.RendersRejected.Inc()
		}
		return nil, false, err
	}
	if !created {
		if telemetry.RendersCoalesced != nil {
			telemetry.RendersCoalesced.Inc()
		}
		slog.Info("request coalesced onto in-flight job",
			slog.String("job_id", job.ID),
			slog.String("user", req.Requester.User),
			slog.String("correlation_id", req.Requester.Corr))
		return job, false, nil
	}

	if telemetry.RendersStarted != nil {
		telemetry.RendersStarted.Inc()
	}
	telemetry.SetQueueDepth(s.reg.Len())
	slog.Info("render job admitted",
		slog.String("job_id", job.ID),
		slog.Int("beatmap_id", req.BeatmapID),
		slog.String("user", req.Requester.User),
		slog.String("correlation_id", req.Requester.Corr))

	s.wg.Add(1)
	go s.pipeline(job)
	return job, true, nil
}

// pipeline drives one job from Queued to terminal and then finishes it.
func (s *Service) pipeline(job *Job) {
	defer s.wg.Done()

	ctx, span := telemetry.StartSpan(job.Context(), "render", "render.pipeline", telemetry.JobIDAttr(job.ID), telemetry.BeatmapAttr(job.Key.BeatmapID))
	defer span.End()

	if err := s.run(ctx, job); err != nil {
		telemetry.RecordError(span, err)
		job.Fail(err)
	}

	// Terminal either way: a successful run ends via the dispatcher's
	// transition, a failed one via Fail above.
	<-job.Done()
	s.finish(job)
}

func (s *Service) run(ctx context.Context, job *Job) error {
	if err := job.Transition(StateResolving); err != nil {
		return err
	}
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return E(KindRenderError, "service.workdir", err)
	}

	assets, err := s.resolve(ctx, job)
	if err != nil {
		return err
	}

	if err := s.disp.Submit(ctx, job, assets); err != nil {
		return err
	}
	return nil
}

// resolve fetches job inputs, retrying transient remote failures with
// exponential backoff. Any other failure kind aborts immediately.
func (s *Service) resolve(ctx context.Context, job *Job) (*AssetBundle, error) {
	req := ResolveRequest{
		BeatmapID: job.Key.BeatmapID,
		ReplayURL: job.ReplayURL,
		Skin:      job.Settings.Skin,
		WorkDir:   job.WorkDir,
	}
	start := time.Now()
	defer func() {
		if telemetry.ResolveDuration != nil {
			telemetry.ResolveDuration.Observe(time.Since(start).Seconds())
		}
	}()
	return backoff.Retry(ctx, func() (*AssetBundle, error) {
		assets, err := s.resolver.Resolve(ctx, req)
		if err != nil {
			if !KindOf(err).Retryable() {
				return nil, backoff.Permanent(err)
			}
			slog.Warn("asset resolution failed, retrying", slog.String("job_id", job.ID), slog.Any("err", err))
			return nil, err
		}
		return assets, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(s.opts.ResolveMaxAttempts)))
}

// finish records metrics and history, delivers the outcome, and retires the
// job from the registry. Delivery runs on a fresh context so a cancelled job
// still gets its notification and cleanup.
func (s *Service) finish(job *Job) {
	snap := job.Snapshot()
	switch snap.State {
	case StateSucceeded:
		if telemetry.RendersSucceeded != nil {
			telemetry.RendersSucceeded.Inc()
		}
	case StateCancelled:
		if telemetry.RendersCancelled != nil {
			telemetry.RendersCancelled.Inc()
		}
	default:
		if telemetry.RendersFailed != nil {
			telemetry.RendersFailed.Inc()
		}
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(job.Context()), s.opts.DeliveryTimeout)
	defer cancel()
	if err := s.notifier.Deliver(dctx, job); err != nil {
		slog.Error("delivery failed", slog.String("job_id", job.ID), slog.Any("err", err))
	}

	if s.history != nil {
		// Re-snapshot so the recorded row carries the delivery URL.
		if err := s.history.RecordRender(dctx, job.Snapshot()); err != nil {
			slog.Warn("history record failed", slog.String("job_id", job.ID), slog.Any("err", err))
		}
	}

	if _, err := s.reg.Remove(job); err != nil {
		slog.Error("registry remove failed", slog.String("job_id", job.ID), slog.Any("err", err))
	}
	telemetry.SetQueueDepth(s.reg.Len())
}

// CancelUser requests cancellation of all of user's in-flight jobs and
// returns how many were flagged. Cancellation is cooperative: each job
// reaches Cancelled at its next observation point.
func (s *Service) CancelUser(user string) int {
	jobs := s.reg.FindByUser(user)
	for _, j := range jobs {
		j.Cancel()
		slog.Info("cancellation requested", slog.String("job_id", j.ID), slog.String("user", user))
	}
	return len(jobs)
}

// Status returns point-in-time snapshots of all in-flight jobs, oldest first.
func (s *Service) Status() []Snapshot { return s.reg.Snapshots() }

// QueueDepth returns the number of in-flight jobs.
func (s *Service) QueueDepth() int { return s.reg.Len() }

// Shutdown cancels every in-flight job and waits up to grace for pipelines to
// finish delivery and cleanup. Jobs still alive after the grace period are
// force-failed so their requesters hear about the restart.
func (s *Service) Shutdown(grace time.Duration) {
	jobs := s.reg.All()
	slog.Info("render service shutting down", slog.Int("in_flight", len(jobs)), slog.Duration("grace", grace))
	for _, j := range jobs {
		j.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		for _, j := range s.reg.All() {
			j.Fail(Ef(KindCancelled, "service.shutdown", "service restarting"))
		}
		<-done
	}
}
