package providers

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// FileName is the provider file name inside the home directory.
	FileName = "provider.json"
	// LegacyFileName is read when FileName is absent.
	LegacyFileName = "providers.json"
)

// Loader produces the raw provider entries.
type Loader interface {
	Load() ([]Entry, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func() ([]Entry, error)

func (f LoaderFunc) Load() ([]Entry, error) { return f() }

// ResolvePath picks the provider file inside dir: provider.json, unless it is
// missing and the legacy providers.json exists.
func ResolvePath(dir string) string {
	current := filepath.Join(dir, FileName)
	legacy := filepath.Join(dir, LegacyFileName)
	if fileExists(current) || !fileExists(legacy) {
		return current
	}
	return legacy
}

// FileLoader reads entries from a provider file on disk. When Dir is set the
// path is resolved on every load so a newly created provider.json takes over
// from the legacy file without a restart.
type FileLoader struct {
	Dir  string
	Path string
}

// File returns the path the next Load will read.
func (l FileLoader) File() string {
	if l.Path != "" {
		return l.Path
	}
	return ResolvePath(l.Dir)
}

// Load reads and parses the provider file. A missing file yields no entries.
func (l FileLoader) Load() ([]Entry, error) {
	path := l.File()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read provider file %s: %w", path, err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
