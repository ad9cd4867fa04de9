package assets

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/mawnt/renderbot/render"
)

func writeZip(t *testing.T, entries map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skin.osk")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractSkin(t *testing.T) {
	archive := writeZip(t, map[string][]byte{
		"skin.ini":           []byte("[General]\nName: clean\n"),
		"cursor.png":         []byte("png-bytes"),
		"sounds/normal.wav":  []byte("wav-bytes"),
		"sounds/whistle.wav": []byte("wav-bytes"),
	})
	dest := filepath.Join(t.TempDir(), "clean")

	if err := ExtractSkin(archive, dest, 1<<20); err != nil {
		t.Fatalf("ExtractSkin: %v", err)
	}
	for _, name := range []string{"skin.ini", "cursor.png", "sounds/normal.wav"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestExtractSkinRejectsTraversal(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{name: "dotdot", entry: "../evil.ini"},
		{name: "nested dotdot", entry: "ok/../../evil.ini"},
		{name: "absolute", entry: "/etc/evil.ini"},
		{name: "backslash", entry: `..\evil.ini`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeZip(t, map[string][]byte{tt.entry: []byte("x")})
			dest := filepath.Join(t.TempDir(), "out")
			err := ExtractSkin(archive, dest, 1<<20)
			if err == nil {
				t.Fatal("traversal entry must be rejected")
			}
			if render.KindOf(err) != render.KindInvalidFormat {
				t.Fatalf("kind = %v", render.KindOf(err))
			}
			// Nothing may be written before validation completes.
			if _, serr := os.Stat(dest); !os.IsNotExist(serr) {
				t.Fatal("dest dir created despite invalid archive")
			}
		})
	}
}

func TestExtractSkinSizeCeiling(t *testing.T) {
	big := make([]byte, 4096)
	archive := writeZip(t, map[string][]byte{"a.bin": big, "b.bin": big})
	dest := filepath.Join(t.TempDir(), "out")

	err := ExtractSkin(archive, dest, 6000)
	if err == nil {
		t.Fatal("archive over the ceiling must be rejected")
	}
	if render.KindOf(err) != render.KindTooLarge {
		t.Fatalf("kind = %v", render.KindOf(err))
	}
}

func TestExtractSkinNotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.osk")
	if err := os.WriteFile(path, []byte("this is not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := ExtractSkin(path, filepath.Join(t.TempDir(), "out"), 1<<20)
	if render.KindOf(err) != render.KindInvalidFormat {
		t.Fatalf("kind = %v, err = %v", render.KindOf(err), err)
	}
}

func TestValidEntryName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{name: "skin.ini", ok: true},
		{name: "sounds/hit.wav", ok: true},
		{name: "", ok: false},
		{name: "/abs", ok: false},
		{name: "../up", ok: false},
		{name: "a/../../up", ok: false},
		{name: `win\style`, ok: false},
	}
	for _, tt := range tests {
		if got := validEntryName(tt.name); got != tt.ok {
			t.Errorf("validEntryName(%q) = %v, want %v", tt.name, got, tt.ok)
		}
	}
}
