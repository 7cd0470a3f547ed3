package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// File resolves "file:path" references. Relative paths are read from Dir and
// may not leave it. One trailing newline is stripped.
type File struct {
	Dir string
}

func (f File) Resolve(_ context.Context, ref string) (string, error) {
	path, err := f.path(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	s := string(data)
	if strings.HasSuffix(s, "\r\n") {
		return strings.TrimSuffix(s, "\r\n"), nil
	}
	return strings.TrimSuffix(s, "\n"), nil
}

func (f File) path(ref string) (string, error) {
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref), nil
	}
	dir := f.Dir
	if dir == "" {
		dir = "."
	}
	rel := filepath.Clean(ref)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes secrets dir", ref)
	}
	return filepath.Join(dir, rel), nil
}
