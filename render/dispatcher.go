package render

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mawnt/renderbot/ratelimit"
	"github.com/mawnt/renderbot/telemetry"
)

// Dispatcher owns the fixed worker pool. Resolved jobs enter a FIFO queue;
// each worker consumes one job at a time, acquires the renderer rate budget,
// and drives the subprocess under the wall-clock timeout. A job occupies a
// worker slot only while rendering.
type Dispatcher struct {
	renderer Renderer
	gate     *ratelimit.Gate
	timeout  time.Duration
	workers  int

	queue chan dispatchItem
	wg    sync.WaitGroup
}

type dispatchItem struct {
	job    *Job
	assets *AssetBundle
}

// NewDispatcher builds a dispatcher with the given pool size and queue
// capacity. Call Start before submitting.
func NewDispatcher(renderer Renderer, gate *ratelimit.Gate, workers, queueCap int, timeout time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueCap < 1 {
		queueCap = 1
	}
	return &Dispatcher{
		renderer: renderer,
		gate:     gate,
		timeout:  timeout,
		workers:  workers,
		queue:    make(chan dispatchItem, queueCap),
	}
}

// Start launches the worker pool; workers exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("render dispatcher starting", slog.Int("workers", d.workers), slog.Duration("timeout", d.timeout))
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Submit places a resolved job on the FIFO queue. It blocks while the queue
// is full (admission ceilings are enforced upstream, so no job is dropped
// here) and aborts if the job or ctx is cancelled first.
func (d *Dispatcher) Submit(ctx context.Context, job *Job, assets *AssetBundle) error {
	select {
	case d.queue <- dispatchItem{job: job, assets: assets}:
		return nil
	case <-job.Context().Done():
		return E(KindCancelled, "dispatch.submit", job.Context().Err())
	case <-ctx.Done():
		return E(KindCancelled, "dispatch.submit", ctx.Err())
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	logger := slog.Default().With(slog.Int("worker", id), slog.String("component", "dispatcher"))
	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopping")
			return
		case it := <-d.queue:
			d.process(it.job, it.assets, logger)
		}
	}
}

func (d *Dispatcher) process(job *Job, assets *AssetBundle, logger *slog.Logger) {
	logger = logger.With(slog.String("job_id", job.ID))

	// Cancellation before the slot is consumed short-circuits: the job never
	// reaches Rendering.
	if job.Cancelled() {
		job.Fail(E(KindCancelled, "dispatch", job.Context().Err()))
		return
	}

	// Renderer throughput budget. Waiting here does not hold the worker's
	// subprocess resources, only its goroutine.
	if err := d.gate.Acquire(job.Context(), ratelimit.ResourceRenderer, 1); err != nil {
		job.Fail(E(KindOf(err), "dispatch.gate", err))
		return
	}

	if err := job.Transition(StateRendering); err != nil {
		// Lost a race with a concurrent failure path; nothing to do.
		job.Fail(err)
		return
	}

	telemetry.WorkerActive(1)
	defer telemetry.WorkerActive(-1)

	rctx, cancel := context.WithTimeout(job.Context(), d.timeout)
	defer cancel()

	start := time.Now()
	path, err := d.renderer.Render(rctx, job, assets)
	dur := time.Since(start)
	if telemetry.RenderDuration != nil {
		telemetry.RenderDuration.Observe(dur.Seconds())
	}

	if err != nil {
		logger.Warn("render failed", slog.Any("err", err), slog.Duration("render_duration", dur))
		job.Fail(err)
		return
	}

	job.SetArtifact(path)
	job.SetProgress(100)
	if terr := job.Transition(StateSucceeded); terr != nil {
		job.Fail(terr)
		return
	}
	logger.Info("render complete", slog.String("artifact", path), slog.Duration("render_duration", dur))
}
