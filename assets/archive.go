package assets

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mawnt/renderbot/render"
)

// ExtractSkin unpacks a skin archive (.osk is plain zip) into destDir.
// The archive is validated before any byte is written: malformed archives
// are rejected as InvalidFormat, and the total declared uncompressed size
// must stay under maxBytes (zip-bomb guard). Entries that lie about their
// size are caught during extraction.
func ExtractSkin(archivePath, destDir string, maxBytes int64) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return render.E(render.KindInvalidFormat, "assets.extract", err)
	}
	defer func() { _ = zr.Close() }()

	var total int64
	for _, f := range zr.File {
		total += int64(f.UncompressedSize64)
		if total > maxBytes {
			return render.Ef(render.KindTooLarge, "assets.extract", "archive exceeds %d bytes uncompressed", maxBytes)
		}
		if !validEntryName(f.Name) {
			return render.Ef(render.KindInvalidFormat, "assets.extract", "unsafe entry name %q", f.Name)
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return render.E(render.KindRenderError, "assets.extract", err)
	}

	var written int64
	for _, f := range zr.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return render.E(render.KindRenderError, "assets.extract", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return render.E(render.KindRenderError, "assets.extract", err)
		}
		n, err := extractFile(f, target, maxBytes-written)
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, render.E(render.KindInvalidFormat, "assets.extract", err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, render.E(render.KindRenderError, "assets.extract", err)
	}
	defer func() { _ = out.Close() }()

	// Copy one byte past the budget so under-declared entries are detected.
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, render.E(render.KindInvalidFormat, "assets.extract", err)
	}
	if n > budget {
		return n, render.Ef(render.KindTooLarge, "assets.extract", "entry %q exceeds size budget", f.Name)
	}
	return n, nil
}

// validEntryName rejects absolute paths and traversal outside the dest dir.
func validEntryName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(clean)
}
