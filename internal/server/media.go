package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// errOutsideRoot is returned for load paths that escape the media root.
var errOutsideRoot = errors.New("path outside media root")

// mediaRoot confines load paths to one directory tree. The zero value
// accepts any path.
type mediaRoot struct {
	dir string // absolute, empty when unrestricted
}

func newMediaRoot(dir string) (mediaRoot, error) {
	if dir == "" {
		return mediaRoot{}, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return mediaRoot{}, fmt.Errorf("media root %q: %w", dir, err)
	}
	return mediaRoot{dir: abs}, nil
}

// resolve maps a client path to a file the decoder may open. Relative paths
// are taken from the root; absolute ones must already lie inside it.
// Symlinks are followed when the target exists so a link cannot lead out.
func (m mediaRoot) resolve(path string) (string, error) {
	if m.dir == "" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, path)
	}
	path = filepath.Clean(path)
	if !within(m.dir, path) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, path)
	}

	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		// missing files fail later in the decoder
		return path, nil
	}
	root, err := filepath.EvalSymlinks(m.dir)
	if err != nil {
		root = m.dir
	}
	if !within(root, real) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, path)
	}
	return path, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
