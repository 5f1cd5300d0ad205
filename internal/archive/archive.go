// Package archive unpacks uploaded ZIP archives into scoped temporary storage.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/liliang-cn/docchat/internal/domain"
)

const (
	uploadName   = "upload.zip"
	extractedDir = "extracted"
)

// Options controls archive intake
type Options struct {
	// TempDir is the parent for the scoped directory; empty means os.TempDir
	TempDir string
	// MaxBytes rejects larger uploads; 0 disables the check
	MaxBytes int64
}

// Workspace is a scoped temporary directory holding an extracted archive.
// Close removes it together with the saved upload.
type Workspace struct {
	Root string
	Dir  string
}

// Close removes the workspace and everything in it
func (w *Workspace) Close() error {
	if w == nil || w.Root == "" {
		return nil
	}
	return os.RemoveAll(w.Root)
}

// Open saves r to a temporary ZIP file and extracts every entry into a
// temporary directory. On failure nothing is left on disk.
func Open(ctx context.Context, r io.Reader, opts Options) (*Workspace, error) {
	root, err := os.MkdirTemp(opts.TempDir, "docchat-upload-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	ws := &Workspace{Root: root, Dir: filepath.Join(root, extractedDir)}

	zipPath := filepath.Join(root, uploadName)
	size, err := save(r, zipPath, opts.MaxBytes)
	if err == nil {
		err = extract(ctx, zipPath, size, ws.Dir)
	}
	if err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

func save(r io.Reader, path string, maxBytes int64) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	defer dst.Close()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("failed to save upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return 0, fmt.Errorf("%w: upload exceeds %d bytes", domain.ErrArchive, maxBytes)
	}
	return n, nil
}

func extract(ctx context.Context, zipPath string, size int64, dest string) error {
	f, err := os.Open(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	zr, err := zip.NewReader(f, size)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrArchive, err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractEntry(entry, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, dest string) error {
	target, err := entryPath(dest, entry.Name)
	if err != nil {
		return err
	}

	if entry.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", entry.Name, err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArchive, entry.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", entry.Name, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArchive, entry.Name, err)
	}
	return nil
}

// entryPath resolves name under dest and rejects entries that escape it
func entryPath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: illegal entry path %q", domain.ErrArchive, name)
	}
	return target, nil
}
