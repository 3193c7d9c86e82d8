package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that escape the storage root.
var ErrOutsideRoot = errors.New("path escapes storage root")

// FileSystem is scoped read/write/delete under a single root. Relative paths use
// forward slashes and are resolved against the root.
type FileSystem interface {
	Root() string
	Abs(rel string) (string, error)
	WriteFile(rel string, data []byte) (string, error)
	ReadFile(rel string) ([]byte, error)
	Stat(rel string) (fs.FileInfo, error)
	ReadDir(rel string) ([]fs.DirEntry, error)
	Remove(rel string) (int64, error)
	RemoveAll(rel string) (files int, bytes int64, err error)
	Materialize(srcAbs, dstRel string) (string, error)
}

// LocalFS is a FileSystem on the local disk.
type LocalFS struct {
	root string
}

// NewLocalFS creates the root directory when needed.
func NewLocalFS(root string) (*LocalFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalFS{root: abs}, nil
}

// Root returns the absolute storage root.
func (l *LocalFS) Root() string {
	return l.root
}

// Abs resolves rel under the root.
func (l *LocalFS) Abs(rel string) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(rel))
	if !l.contains(p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return p, nil
}

func (l *LocalFS) contains(abs string) bool {
	r, err := filepath.Rel(l.root, abs)
	if err != nil {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

// WriteFile writes data atomically through a temp file and rename, creating parents.
func (l *LocalFS) WriteFile(rel string, data []byte) (string, error) {
	p, err := l.Abs(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return p, nil
}

// ReadFile reads rel.
func (l *LocalFS) ReadFile(rel string) ([]byte, error) {
	p, err := l.Abs(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Stat returns file info for rel.
func (l *LocalFS) Stat(rel string) (fs.FileInfo, error) {
	p, err := l.Abs(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// ReadDir lists rel. A missing directory is empty.
func (l *LocalFS) ReadDir(rel string) ([]fs.DirEntry, error) {
	p, err := l.Abs(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

// Remove deletes a single file and returns its size. A missing file is not an error.
func (l *LocalFS) Remove(rel string) (int64, error) {
	p, err := l.Abs(rel)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}
	return info.Size(), nil
}

// RemoveAll deletes rel recursively and reports what was removed.
func (l *LocalFS) RemoveAll(rel string) (int, int64, error) {
	p, err := l.Abs(rel)
	if err != nil {
		return 0, 0, err
	}
	if p == l.root {
		return 0, 0, fmt.Errorf("%w: refusing to remove root", ErrOutsideRoot)
	}

	files := 0
	var size int64
	walkErr := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files++
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	if errors.Is(walkErr, fs.ErrNotExist) {
		return 0, 0, nil
	}
	if walkErr != nil {
		return 0, 0, walkErr
	}

	if err := os.RemoveAll(p); err != nil {
		return 0, 0, err
	}
	return files, size, nil
}

// Materialize places a copy of srcAbs at dstRel: a hard link when possible, a byte copy
// otherwise. srcAbs must lie under the root.
func (l *LocalFS) Materialize(srcAbs, dstRel string) (string, error) {
	if !l.contains(srcAbs) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, srcAbs)
	}
	dst, err := l.Abs(dstRel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	_ = os.Remove(dst)

	if err := os.Link(srcAbs, dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(srcAbs)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	return dst, out.Close()
}
