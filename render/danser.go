package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Renderer is the narrow interface over the external render process so it is
// substitutable with a stub in tests.
type Renderer interface {
	// Render produces the artifact for job from the resolved assets and
	// returns its path. The context carries the wall-clock budget.
	Render(ctx context.Context, job *Job, assets *AssetBundle) (string, error)
}

// DanserRenderer invokes the danser binary as a subprocess. On context
// cancellation the process receives SIGTERM, then SIGKILL after KillGrace.
type DanserRenderer struct {
	Bin       string
	KillGrace time.Duration
}

// progress lines look like "Progress: 42%" or "[render] 42.3% done".
var danserProgressRe = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)

func (d *DanserRenderer) Render(ctx context.Context, job *Job, assets *AssetBundle) (string, error) {
	out := filepath.Join(job.WorkDir, "render.mp4")
	args := []string{
		"-replay", assets.ReplayPath,
		"-record",
		"-quickstart",
		"-noupdatecheck",
		"-out", out,
	}
	if assets.SkinDir != "" {
		args = append(args, "-skin", assets.SkinDir)
	}
	if job.Settings.Mods != "" {
		args = append(args, "-mods", job.Settings.Mods)
	}
	if job.Settings.Start > 0 {
		args = append(args, "-start", strconv.Itoa(job.Settings.Start))
	}
	if job.Settings.End > 0 {
		args = append(args, "-end", strconv.Itoa(job.Settings.End))
	}

	cmd := exec.CommandContext(ctx, d.Bin, args...)
	// Graceful stop first; CommandContext would SIGKILL immediately.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = d.KillGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	tail := newTailBuffer(4 << 10)
	cmd.Stderr = tail
	// Stdout goes through a writer rather than a pipe: Wait must not run
	// while a pipe reader is still draining, a writer has no such hazard.
	cmd.Stdout = &progressWriter{tail: tail, report: job.SetProgress}

	if err := cmd.Start(); err != nil {
		return "", E(KindRenderError, "danser.start", err)
	}

	werr := cmd.Wait()
	if werr != nil {
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return "", Ef(KindTimeout, "danser.render", "exceeded render time budget")
		case job.Cancelled():
			return "", E(KindCancelled, "danser.render", job.Context().Err())
		default:
			return "", &Error{Kind: KindRenderError, Op: "danser.render", Detail: Truncate(tail.String(), maxDiagnostic), Err: werr}
		}
	}
	if _, err := os.Stat(out); err != nil {
		return "", &Error{Kind: KindRenderError, Op: "danser.render", Detail: fmt.Sprintf("renderer exited 0 but produced no artifact at %s", out)}
	}
	return out, nil
}

// progressWriter mirrors renderer stdout into the diagnostic tail and parses
// completed lines for progress percentages. Partial lines are buffered until
// their newline arrives.
type progressWriter struct {
	tail   *tailBuffer
	report func(int)

	mu   sync.Mutex
	line []byte
}

func (w *progressWriter) Write(p []byte) (int, error) {
	_, _ = w.tail.Write(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.line = append(w.line, p...)
	for {
		i := bytes.IndexByte(w.line, '\n')
		if i < 0 {
			break
		}
		if m := danserProgressRe.FindStringSubmatch(string(w.line[:i])); len(m) == 2 {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
				w.report(int(pct))
			}
		}
		w.line = w.line[i+1:]
	}
	// A renderer that never prints a newline must not grow the buffer forever.
	if len(w.line) > 64<<10 {
		w.line = w.line[len(w.line)-1024:]
	}
	return len(p), nil
}

// tailBuffer keeps the last n bytes written to it so subprocess diagnostics
// stay bounded no matter how chatty the renderer is.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
