// Package filebrowser is the path-validated FS proxy behind the file CRUD
// messages. Every operation is scoped to a session's project root: any
// path that resolves outside it (including through symlinks) is refused.
package filebrowser

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MaxFileSize caps reads and writes.
const MaxFileSize = 1 << 20 // 1MiB

var (
	ErrOutsideRoot = errors.New("outside project")
	ErrTooLarge    = errors.New("file too large")
	ErrExists      = errors.New("target already exists")
	ErrIsRoot      = errors.New("refusing to modify project root")
)

type Browser struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Browser {
	return &Browser{logger: logger}
}

type Entry struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // "dir" or "file"
	Size    int64  `json:"size"`
	ModTime string `json:"modTime"`
}

type ListResult struct {
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
}

// resolve joins p onto root (unless already absolute), canonicalizes it,
// and enforces confinement. For not-yet-existing paths the parent is
// resolved instead, matching how creation targets must be validated.
func resolve(root, p string) (string, error) {
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("cannot resolve project root: %w", err)
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		parent, err := filepath.EvalSymlinks(filepath.Dir(p))
		if err != nil {
			return "", ErrOutsideRoot
		}
		resolved = filepath.Join(parent, filepath.Base(p))
	}

	if resolved == rootResolved {
		return resolved, nil
	}
	// separator suffix prevents /home/proj-evil matching /home/proj
	if !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

// Resolve validates path against root and returns the canonical absolute
// path. Used by the download endpoint, which streams the file itself.
func (b *Browser) Resolve(root, path string) (string, error) {
	return resolve(root, path)
}

// List returns the entries of a directory inside root.
func (b *Browser) List(root, dir string) (*ListResult, error) {
	abs, err := resolve(root, dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	result := &ListResult{Path: abs, Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		info, _ := e.Info()
		var size int64
		modTime := time.Time{}
		if info != nil {
			size = info.Size()
			modTime = info.ModTime()
		}
		entryType := "file"
		if e.IsDir() {
			entryType = "dir"
		}
		result.Entries = append(result.Entries, Entry{
			Name:    e.Name(),
			Type:    entryType,
			Size:    size,
			ModTime: modTime.UTC().Format(time.RFC3339),
		})
	}
	return result, nil
}

// Read returns the file content, capped at MaxFileSize.
func (b *Browser) Read(root, path string) (string, error) {
	abs, err := resolve(root, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory")
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("cannot read file: %w", err)
	}
	return string(data), nil
}

// Write replaces the content of an existing or new file, capped at
// MaxFileSize.
func (b *Browser) Write(root, path, content string) error {
	if len(content) > MaxFileSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(content), MaxFileSize)
	}
	abs, err := resolve(root, path)
	if err != nil {
		return err
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return fmt.Errorf("path is a directory")
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("cannot write file: %w", err)
	}
	return nil
}

// CreateFile makes a new empty file; refuses to overwrite.
func (b *Browser) CreateFile(root, path string) error {
	abs, err := resolve(root, path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return ErrExists
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cannot create file: %w", err)
	}
	return f.Close()
}

// CreateDirectory makes a new directory; refuses to overwrite.
func (b *Browser) CreateDirectory(root, path string) error {
	abs, err := resolve(root, path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return ErrExists
	}
	if err := os.Mkdir(abs, 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	return nil
}

// Rename moves a file or directory within root; refuses to rename the
// root itself or to clobber an existing target.
func (b *Browser) Rename(root, oldPath, newPath string) error {
	oldAbs, err := resolve(root, oldPath)
	if err != nil {
		return err
	}
	newAbs, err := resolve(root, newPath)
	if err != nil {
		return err
	}
	rootResolved, _ := filepath.EvalSymlinks(root)
	if oldAbs == rootResolved {
		return ErrIsRoot
	}
	if _, err := os.Stat(newAbs); err == nil {
		return ErrExists
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return fmt.Errorf("cannot rename: %w", err)
	}
	return nil
}

// Delete removes a file or directory tree within root; refuses the root.
func (b *Browser) Delete(root, path string) error {
	abs, err := resolve(root, path)
	if err != nil {
		return err
	}
	rootResolved, _ := filepath.EvalSymlinks(root)
	if abs == rootResolved {
		return ErrIsRoot
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("not found: %w", err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("cannot delete: %w", err)
	}
	return nil
}

// BrowseDirectories lists the immediate child directories of path for the
// session-creation picker: ~ expands to the home directory, hidden entries
// are skipped, and results sort case-insensitively.
func BrowseDirectories(path string) (string, []string, error) {
	if path == "" {
		path = "~"
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home + path[1:]
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil, fmt.Errorf("invalid path: %w", err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return abs, nil, fmt.Errorf("cannot read directory: %w", err)
	}
	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dirs = append(dirs, e.Name())
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.ToLower(dirs[i]) < strings.ToLower(dirs[j])
	})
	return abs, dirs, nil
}
