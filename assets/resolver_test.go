package assets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mawnt/renderbot/osuapi"
	"github.com/mawnt/renderbot/ratelimit"
	"github.com/mawnt/renderbot/render"
	"github.com/mawnt/renderbot/testutil"
)

func newTestResolver(t *testing.T, mock *testutil.MockOsuServer) *Resolver {
	t.Helper()
	gate := ratelimit.NewGate()
	gate.SetBudget(ratelimit.ResourceOsuAPI, ratelimit.Budget{PerSecond: 1000, Burst: 1000})
	base := t.TempDir()
	return &Resolver{
		Client: &osuapi.Client{
			TokenSource: &osuapi.TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: mock.URL + "/oauth/token"},
			APIBase:     mock.URL + "/api/v2",
			FileBase:    mock.URL + "/osu",
		},
		Cache:           NewBeatmapCache(8, time.Hour),
		Gate:            gate,
		MapsDir:         filepath.Join(base, "maps"),
		SkinsDir:        filepath.Join(base, "skins"),
		MaxReplayBytes:  1 << 20,
		MaxArchiveBytes: 1 << 20,
	}
}

func TestResolverResolve(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	mock.MockBeatmapFile(42, testutil.OsuFile())
	mock.MockReplay("/replays/play.osr", testutil.ReplayFile())

	r := newTestResolver(t, mock)
	workDir := t.TempDir()

	bundle, err := r.Resolve(context.Background(), render.ResolveRequest{
		BeatmapID: 42,
		ReplayURL: mock.URL + "/replays/play.osr",
		WorkDir:   workDir,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := os.Stat(bundle.BeatmapPath); err != nil {
		t.Errorf("beatmap file missing: %v", err)
	}
	if _, err := os.Stat(bundle.ReplayPath); err != nil {
		t.Errorf("replay file missing: %v", err)
	}
	if bundle.SkinDir != "" {
		t.Errorf("empty skin request should use the default, got %q", bundle.SkinDir)
	}

	// Second resolve for the same beatmap hits the cache, no refetch needed.
	mock.MockBeatmapFileError(42, 500)
	if _, err := r.Resolve(context.Background(), render.ResolveRequest{
		BeatmapID: 42,
		ReplayURL: mock.URL + "/replays/play.osr",
		WorkDir:   t.TempDir(),
	}); err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
}

func TestResolverReplayNotFound(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	mock.MockBeatmapFile(42, testutil.OsuFile())
	r := newTestResolver(t, mock)

	_, err := r.Resolve(context.Background(), render.ResolveRequest{
		BeatmapID: 42,
		ReplayURL: mock.URL + "/replays/missing.osr",
		WorkDir:   t.TempDir(),
	})
	if render.KindOf(err) != render.KindNotFound {
		t.Fatalf("kind = %v, err = %v", render.KindOf(err), err)
	}
}

func TestResolverReplayTooLarge(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	mock.MockBeatmapFile(42, testutil.OsuFile())
	mock.MockReplay("/replays/huge.osr", make([]byte, 4096))
	r := newTestResolver(t, mock)
	r.MaxReplayBytes = 1024

	_, err := r.Resolve(context.Background(), render.ResolveRequest{
		BeatmapID: 42,
		ReplayURL: mock.URL + "/replays/huge.osr",
		WorkDir:   t.TempDir(),
	})
	if render.KindOf(err) != render.KindTooLarge {
		t.Fatalf("kind = %v, err = %v", render.KindOf(err), err)
	}
}

func TestResolverReplayBadHeader(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	mock.MockBeatmapFile(42, testutil.OsuFile())
	mock.MockReplay("/replays/corrupt.osr", []byte{0x09, 1, 2, 3, 4, 5})
	r := newTestResolver(t, mock)

	_, err := r.Resolve(context.Background(), render.ResolveRequest{
		BeatmapID: 42,
		ReplayURL: mock.URL + "/replays/corrupt.osr",
		WorkDir:   t.TempDir(),
	})
	if render.KindOf(err) != render.KindInvalidFormat {
		t.Fatalf("kind = %v, err = %v", render.KindOf(err), err)
	}
}

func TestResolverSkin(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	r := newTestResolver(t, mock)

	t.Run("existing directory", func(t *testing.T) {
		dir := filepath.Join(r.SkinsDir, "clean")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		name, got, err := r.resolveSkin("clean")
		if err != nil || name != "clean" || got != dir {
			t.Fatalf("resolveSkin = %q %q %v", name, got, err)
		}
	})

	t.Run("archive extracted on demand", func(t *testing.T) {
		archive := writeZip(t, map[string][]byte{"skin.ini": []byte("x")})
		target := filepath.Join(r.SkinsDir, "packed.osk")
		if err := os.Rename(archive, target); err != nil {
			t.Fatal(err)
		}
		_, dir, err := r.resolveSkin("packed")
		if err != nil {
			t.Fatalf("resolveSkin: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "skin.ini")); err != nil {
			t.Fatalf("extracted skin missing: %v", err)
		}
	})

	t.Run("missing skin", func(t *testing.T) {
		_, _, err := r.resolveSkin("nonexistent")
		if render.KindOf(err) != render.KindNotFound {
			t.Fatalf("kind = %v", render.KindOf(err))
		}
	})

	t.Run("path separators rejected", func(t *testing.T) {
		_, _, err := r.resolveSkin("../escape")
		if render.KindOf(err) != render.KindInvalidFormat {
			t.Fatalf("kind = %v", render.KindOf(err))
		}
	})
}

func TestListSkins(t *testing.T) {
	mock := testutil.NewMockOsuServer(t)
	r := newTestResolver(t, mock)

	if err := os.MkdirAll(filepath.Join(r.SkinsDir, "alpha"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.SkinsDir, "beta.osk"), []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	// An extracted dir and its source archive count once.
	if err := os.WriteFile(filepath.Join(r.SkinsDir, "alpha.osk"), []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(r.SkinsDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := r.ListSkins()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("ListSkins = %v, want [alpha beta]", names)
	}

	t.Run("missing dir is empty, not an error", func(t *testing.T) {
		r2 := newTestResolver(t, mock)
		r2.SkinsDir = filepath.Join(t.TempDir(), "nope")
		names, err := r2.ListSkins()
		if err != nil || names != nil {
			t.Fatalf("ListSkins = %v, %v", names, err)
		}
	})
}
