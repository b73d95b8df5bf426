// Package fs provides scoped filesystem access to a session's working
// directory. Every path is resolved against the workspace root and
// requests that would escape it are rejected.
package fs

import (
	"errors"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("file not found")
	ErrPathTraversal = errors.New("path escapes the workspace")
	ErrBadFilename   = errors.New("invalid filename")
)

// Entry describes one file or directory inside a workspace.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
	Mode    string    `json:"mode"`
}

// Workspace is a session's working directory.
type Workspace struct {
	root string
}

// NewWorkspace roots a workspace at path. Symlinks in the root are
// resolved up front so containment checks compare canonical paths
// (on macOS /var is a symlink to /private/var).
func NewWorkspace(path string) *Workspace {
	root, err := filepath.EvalSymlinks(path)
	if err != nil {
		root, _ = filepath.Abs(path)
	}
	return &Workspace{root: root}
}

// Root returns the canonical workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// ValidateFilename accepts only bare file names: no path separators and no
// parent references. Dot-prefixed names are not rejected.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrBadFilename
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return ErrBadFilename
	}
	return nil
}

// resolve maps a workspace-relative path to an absolute one, refusing
// anything that would land outside the root, including via symlinks.
func (w *Workspace) resolve(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", ErrPathTraversal
	}
	cleaned := strings.TrimPrefix(filepath.Clean("/"+path), "/")
	full := filepath.Join(w.root, cleaned)

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			// Allow paths that do not exist yet, as long as the nearest
			// existing ancestor stays inside the workspace.
			parent, perr := filepath.EvalSymlinks(filepath.Dir(full))
			if perr != nil {
				parent, perr = filepath.Abs(filepath.Dir(full))
				if perr != nil {
					return "", perr
				}
			}
			if !within(parent, w.root) {
				return "", ErrPathTraversal
			}
			return filepath.Join(parent, filepath.Base(full)), nil
		}
		return "", err
	}
	if !within(resolved, w.root) {
		return "", ErrPathTraversal
	}
	return resolved, nil
}

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// Read returns a file's contents.
func (w *Workspace) Read(path string) ([]byte, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Write stores content at path, creating parent directories as needed.
func (w *Workspace) Write(path string, content []byte) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, content, 0o644)
}

// Stat returns metadata for one path.
func (w *Workspace) Stat(path string) (*Entry, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rel, _ := filepath.Rel(w.root, resolved)
	return &Entry{
		Name:    info.Name(),
		Path:    rel,
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
		Mode:    info.Mode().String(),
	}, nil
}

// List walks the whole workspace and returns its visible files. Dotted
// names (the adapter's own directory among them) are skipped.
func (w *Workspace) List() ([]Entry, error) {
	entries := []Entry{}
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == w.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		entries = append(entries, Entry{
			Name:    d.Name(),
			Path:    rel,
			Size:    info.Size(),
			IsDir:   d.IsDir(),
			ModTime: info.ModTime(),
			Mode:    info.Mode().String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Remove deletes the workspace directory tree.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.root)
}

// mimeOverlay covers extensions the platform mime database commonly
// misses or misreports.
var mimeOverlay = map[string]string{
	".md":    "text/markdown",
	".csv":   "text/csv",
	".jsonl": "application/jsonl",
	".txt":   "text/plain",
}

// MimeByName infers a mime type from a file extension.
func MimeByName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if m, ok := mimeOverlay[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		if i := strings.IndexByte(m, ';'); i > 0 {
			return m[:i]
		}
		return m
	}
	return "application/octet-stream"
}
