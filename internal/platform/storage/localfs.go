package storage

import (
	"io"
	"os"
	"path/filepath"
)

// LocalFS stores export packages on the local filesystem under Root.
// Package bytes never live in the database; rows only carry the relative path.
type LocalFS struct {
	Root string
}

func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalFS{Root: root}, nil
}

// Abs resolves a stored relative path to an absolute one under Root.
func (l *LocalFS) Abs(relPath string) string {
	return filepath.Join(l.Root, filepath.Clean(relPath))
}

func (l *LocalFS) Create(relPath string) (*os.File, error) {
	abs := l.Abs(relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	return os.Create(abs)
}

func (l *LocalFS) Put(relPath string, r io.Reader) (int64, error) {
	f, err := l.Create(relPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, r)
}

func (l *LocalFS) Open(relPath string) (*os.File, error) {
	return os.Open(l.Abs(relPath))
}

func (l *LocalFS) Stat(relPath string) (os.FileInfo, error) {
	return os.Stat(l.Abs(relPath))
}

func (l *LocalFS) Remove(relPath string) error {
	return os.Remove(l.Abs(relPath))
}
