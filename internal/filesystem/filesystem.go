package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const defaultName = "download"

// Layout places downloaded files under a root directory, one subdirectory
// per category.
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at root.
func NewLayout(root string) *Layout {
	return &Layout{root: filepath.Clean(root)}
}

// Root returns the download root.
func (l *Layout) Root() string {
	return l.root
}

// EnsureDirectory ensures the root exists
func (l *Layout) EnsureDirectory() error {
	return os.MkdirAll(l.root, 0o755)
}

// Destination returns where a file named filename in category is written.
// Both parts are sanitized so the result never leaves the root.
func (l *Layout) Destination(category, filename string) string {
	name := SanitizeName(filename)

	if strings.TrimSpace(category) == "" {
		return filepath.Join(l.root, name)
	}

	return filepath.Join(l.root, SanitizeName(category), name)
}

// Contains reports whether path lies inside the root.
func (l *Layout) Contains(path string) bool {
	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	if err != nil {
		return false
	}

	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SanitizeName turns an untrusted name into a single path element.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, name)

	name = strings.Trim(name, " .")
	if name == "" {
		return defaultName
	}

	return name
}

// FileExists checks if a file exists
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

// RemoveFile deletes a file. A missing file is not an error.
func RemoveFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}
