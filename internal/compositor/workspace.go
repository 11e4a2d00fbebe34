package compositor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Workspace is a scoped temp directory holding every intermediate file of
// one composition. Release removes it and is safe to call more than once.
type Workspace struct {
	dir  string
	once sync.Once
	err  error
}

// NewWorkspace creates a fresh directory under root (the OS temp dir when empty).
func NewWorkspace(root, prefix string) (*Workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("compositor: ensure temp root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("compositor: create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory
func (w *Workspace) Dir() string {
	return w.dir
}

// Path joins name onto the workspace directory
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Release deletes the workspace and everything in it.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.err = os.RemoveAll(w.dir)
	})
	return w.err
}
