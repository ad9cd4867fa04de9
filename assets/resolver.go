package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mawnt/renderbot/osuapi"
	"github.com/mawnt/renderbot/ratelimit"
	"github.com/mawnt/renderbot/render"
)

// Resolver implements render.AssetResolver. Beatmap lookups go cache-first
// and are rate-gated through the osu! bucket on miss; replay and skin inputs
// are pulled from local storage or downloaded/extracted on demand.
type Resolver struct {
	Client     *osuapi.Client
	Cache      *BeatmapCache
	Gate       *ratelimit.Gate
	HTTPClient *http.Client

	MapsDir  string // shared beatmap file store (cache-owned, read-only to jobs)
	SkinsDir string

	MaxReplayBytes  int64
	MaxArchiveBytes int64
}

func (r *Resolver) http() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

// Resolve fetches and validates all inputs for one job. The returned bundle
// is owned exclusively by that job; only the beatmap path is shared.
func (r *Resolver) Resolve(ctx context.Context, req render.ResolveRequest) (*render.AssetBundle, error) {
	beatmapPath, err := r.resolveBeatmap(ctx, req.BeatmapID)
	if err != nil {
		return nil, err
	}

	replayPath, err := r.resolveReplay(ctx, req.ReplayURL, req.WorkDir)
	if err != nil {
		return nil, err
	}

	skinName, skinDir, err := r.resolveSkin(req.Skin)
	if err != nil {
		return nil, err
	}

	return &render.AssetBundle{
		BeatmapPath: beatmapPath,
		ReplayPath:  replayPath,
		SkinName:    skinName,
		SkinDir:     skinDir,
	}, nil
}

func (r *Resolver) resolveBeatmap(ctx context.Context, id int) (string, error) {
	if id <= 0 {
		return "", render.Ef(render.KindNotFound, "assets.beatmap", "missing beatmap id")
	}
	return r.Cache.Get(ctx, id, func(ctx context.Context) (string, error) {
		if err := r.Gate.Acquire(ctx, ratelimit.ResourceOsuAPI, 1); err != nil {
			return "", render.E(render.KindOf(err), "assets.beatmap", err)
		}
		body, err := r.Client.FetchBeatmapFile(ctx, id)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(r.MapsDir, 0o755); err != nil {
			return "", render.E(render.KindRenderError, "assets.beatmap", err)
		}
		path := filepath.Join(r.MapsDir, fmt.Sprintf("%d.osu", id))
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return "", render.E(render.KindRenderError, "assets.beatmap", err)
		}
		slog.Debug("beatmap fetched", slog.Int("beatmap_id", id), slog.Int("bytes", len(body)), slog.String("component", "assets"))
		return path, nil
	})
}

func (r *Resolver) resolveReplay(ctx context.Context, ref, workDir string) (string, error) {
	if ref == "" {
		return "", render.Ef(render.KindNotFound, "assets.replay", "missing replay reference")
	}
	var path string
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		p, err := r.downloadReplay(ctx, ref, workDir)
		if err != nil {
			return "", err
		}
		path = p
	} else {
		// Local reference: the file must already exist under the data dir.
		if _, err := os.Stat(ref); err != nil {
			return "", render.Ef(render.KindNotFound, "assets.replay", "replay %s", ref)
		}
		path = ref
	}
	if err := validateReplay(path); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Resolver) downloadReplay(ctx context.Context, url, workDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", render.E(render.KindInvalidFormat, "assets.replay", err)
	}
	resp, err := r.http().Do(req)
	if err != nil {
		return "", render.E(render.KindRemoteUnavailable, "assets.replay", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", render.Ef(render.KindNotFound, "assets.replay", "replay url %s", url)
	case resp.StatusCode != http.StatusOK:
		return "", render.Ef(render.KindRemoteUnavailable, "assets.replay", "status %s for %s", resp.Status, url)
	}

	path := filepath.Join(workDir, "replay.osr")
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", render.E(render.KindRenderError, "assets.replay", err)
	}
	defer func() { _ = out.Close() }()

	n, err := io.Copy(out, io.LimitReader(resp.Body, r.MaxReplayBytes+1))
	if err != nil {
		return "", render.E(render.KindRemoteUnavailable, "assets.replay", err)
	}
	if n > r.MaxReplayBytes {
		return "", render.Ef(render.KindTooLarge, "assets.replay", "replay exceeds %d bytes", r.MaxReplayBytes)
	}
	return path, nil
}

// validateReplay performs a minimal .osr header check: the first byte is the
// game mode (0-3) followed by the format version. Full parsing is the
// renderer's job.
func validateReplay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return render.E(render.KindNotFound, "assets.replay", err)
	}
	defer func() { _ = f.Close() }()
	header := make([]byte, 5)
	if _, err := io.ReadFull(f, header); err != nil {
		return render.Ef(render.KindInvalidFormat, "assets.replay", "replay too short")
	}
	if header[0] > 3 {
		return render.Ef(render.KindInvalidFormat, "assets.replay", "bad game mode byte %d", header[0])
	}
	return nil
}

// resolveSkin maps a skin name to an extracted skin directory. An empty name
// selects the renderer's default skin. Named skins must either already be
// extracted under the skins dir or present as an .osk/.zip archive there.
func (r *Resolver) resolveSkin(name string) (string, string, error) {
	if name == "" {
		return "", "", nil
	}
	if strings.ContainsAny(name, "/\\") {
		return "", "", render.Ef(render.KindInvalidFormat, "assets.skin", "bad skin name %q", name)
	}
	dir := filepath.Join(r.SkinsDir, name)
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		return name, dir, nil
	}
	for _, ext := range []string{".osk", ".zip"} {
		archive := filepath.Join(r.SkinsDir, name+ext)
		if _, err := os.Stat(archive); err == nil {
			if err := ExtractSkin(archive, dir, r.MaxArchiveBytes); err != nil {
				return "", "", err
			}
			slog.Info("skin extracted", slog.String("skin", name), slog.String("component", "assets"))
			return name, dir, nil
		}
	}
	return "", "", render.Ef(render.KindNotFound, "assets.skin", "skin %q", name)
}

// ListSkins returns the names of skins available for rendering: extracted
// directories plus archives not yet extracted.
func (r *Resolver) ListSkins() ([]string, error) {
	entries, err := os.ReadDir(r.SkinsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			ext := filepath.Ext(name)
			if ext != ".osk" && ext != ".zip" {
				continue
			}
			name = strings.TrimSuffix(name, ext)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}
