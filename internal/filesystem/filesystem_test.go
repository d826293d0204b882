package filesystem_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/NamanBalaji/sharebridge/internal/filesystem"
)

func TestDestination(t *testing.T) {
	root := t.TempDir()
	l := filesystem.NewLayout(root)

	tests := []struct {
		category string
		filename string
		want     string
	}{
		{"", "Movie.2020.mkv", filepath.Join(root, "Movie.2020.mkv")},
		{"movies", "Movie.2020.mkv", filepath.Join(root, "movies", "Movie.2020.mkv")},
		{"  ", "a.bin", filepath.Join(root, "a.bin")},
		{"../../etc", "passwd", filepath.Join(root, "_.._etc", "passwd")},
		{"tv", "../../escape", filepath.Join(root, "tv", "_.._escape")},
		{"", "", filepath.Join(root, "download")},
	}

	for _, tt := range tests {
		got := l.Destination(tt.category, tt.filename)
		if got != tt.want {
			t.Errorf("Destination(%q, %q) = %q, want %q", tt.category, tt.filename, got, tt.want)
		}

		if !l.Contains(got) {
			t.Errorf("Destination(%q, %q) escaped the root: %q", tt.category, tt.filename, got)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"Show.S01E02.mkv": "Show.S01E02.mkv",
		"a/b\\c:d":        "a_b_c_d",
		"  .hidden. ":     "hidden",
		"tab\tname":       "tabname",
		"..":              "download",
	}

	for in, want := range tests {
		if got := filesystem.SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContains(t *testing.T) {
	root := t.TempDir()
	l := filesystem.NewLayout(root)

	if l.Contains(root) {
		t.Errorf("root itself should not count as contained")
	}

	if l.Contains(filepath.Join(root, "..", "x")) {
		t.Errorf("parent path should not be contained")
	}

	if !l.Contains(filepath.Join(root, "sub", "x")) {
		t.Errorf("nested path should be contained")
	}
}

func TestFileExistsAndRemove(t *testing.T) {
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "testfile.txt")

	exists, err := filesystem.FileExists(filePath)
	if err != nil {
		t.Fatalf("FileExists failed: %v", err)
	}
	if exists {
		t.Fatalf("Expected file to not exist")
	}

	if err := os.WriteFile(filePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	exists, err = filesystem.FileExists(filePath)
	if err != nil || !exists {
		t.Fatalf("Expected file to exist, got %v, %v", exists, err)
	}

	if err := filesystem.RemoveFile(filePath); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}

	if err := filesystem.RemoveFile(filePath); err != nil {
		t.Errorf("Removing a missing file should succeed, got %v", err)
	}
}

func TestEnsureDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")
	l := filesystem.NewLayout(root)

	if err := l.EnsureDirectory(); err != nil {
		t.Fatalf("EnsureDirectory failed: %v", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("Expected %s to be a directory", root)
	}

	if l.Root() != root {
		t.Errorf("Root() = %q, want %q", l.Root(), root)
	}
}
