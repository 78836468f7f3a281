package providers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, FileName), ResolvePath(dir), "neither exists")

	writeFile(t, filepath.Join(dir, LegacyFileName), `{"providers": []}`)
	assert.Equal(t, filepath.Join(dir, LegacyFileName), ResolvePath(dir), "legacy only")

	writeFile(t, filepath.Join(dir, FileName), `{"providers": []}`)
	assert.Equal(t, filepath.Join(dir, FileName), ResolvePath(dir), "new file wins")
}

func TestFileLoader_MissingFile(t *testing.T) {
	entries, err := FileLoader{Dir: t.TempDir()}.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileLoader_ParseErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), `{"providers": `)
	_, err := FileLoader{Dir: dir}.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), FileName)
}

func TestRegistry_LoadAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), `{"providers": [
		{"name": "a", "apiUrl": "https://a", "apiKey": "ka"},
		{"claude": {"apiUrl": "https://b", "apiKey": "kb"}}
	]}`)

	var got map[Kind]int
	r := NewRegistry(FileLoader{Dir: dir}, WithOnChange(func(c map[Kind]int) { got = c }))

	claude := r.Snapshot(KindClaude)
	require.Len(t, claude, 2)
	assert.Equal(t, "https://a", claude[0].BaseURL)
	assert.Equal(t, "https://b", claude[1].BaseURL)
	assert.Len(t, r.Snapshot(KindCodex), 1)
	assert.Equal(t, map[Kind]int{KindCodex: 1, KindClaude: 2}, r.Counts())
	assert.Equal(t, 1, got[KindCodex])
	assert.False(t, r.LoadedAt().IsZero())

	// Snapshots are copies.
	claude[0].BaseURL = "mutated"
	assert.Equal(t, "https://a", r.Snapshot(KindClaude)[0].BaseURL)
}

func TestRegistry_StartupFailureIsEmpty(t *testing.T) {
	r := NewRegistry(LoaderFunc(func() ([]Entry, error) {
		return nil, errors.New("boom")
	}))
	assert.Empty(t, r.All())
	assert.Empty(t, r.Snapshot(KindClaude))
}

func TestRegistry_ReloadFailureKeepsSnapshot(t *testing.T) {
	fail := false
	r := NewRegistry(LoaderFunc(func() ([]Entry, error) {
		if fail {
			return nil, errors.New("bad file")
		}
		return []Entry{{APIURL: "https://a", APIKey: "k"}}, nil
	}))
	require.Len(t, r.All(), 2)

	fail = true
	err := r.Reload()
	require.Error(t, err)
	assert.Len(t, r.All(), 2, "previous snapshot stays active")
}

func TestRegistry_ReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeFile(t, path, `{"providers": {"claude": {"apiUrl": "https://one", "apiKey": "k"}}}`)
	r := NewRegistry(FileLoader{Dir: dir})
	require.Len(t, r.Snapshot(KindClaude), 1)

	writeFile(t, path, `{"providers": {"claude": [
		{"apiUrl": "https://one", "apiKey": "k"},
		{"apiUrl": "https://two", "apiKey": "k"}
	]}}`)
	require.NoError(t, r.Reload())
	assert.Len(t, r.Snapshot(KindClaude), 2)
}

func TestRegistry_OverlappingReloadsKeepNewest(t *testing.T) {
	var calls atomic.Int32
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	r := NewRegistry(LoaderFunc(func() ([]Entry, error) {
		switch calls.Add(1) {
		case 1: // initial load from NewRegistry
			return []Entry{{Claude: &Endpoint{APIURL: "http://v0", APIKey: "k"}}}, nil
		case 2:
			close(firstStarted)
			<-releaseFirst
			return []Entry{{Claude: &Endpoint{APIURL: "http://v1-old", APIKey: "k"}}}, nil
		default:
			return []Entry{{Claude: &Endpoint{APIURL: "http://v2-new", APIKey: "k"}}}, nil
		}
	}))

	first := make(chan error, 1)
	go func() { first <- r.Reload() }()
	<-firstStarted

	second := make(chan error, 1)
	go func() { second <- r.Reload() }()

	// The second reload must wait for the first rather than finish ahead of it.
	select {
	case err := <-second:
		t.Fatalf("second reload finished while the first was still loading: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseFirst)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	got := r.Snapshot(KindClaude)
	require.Len(t, got, 1)
	assert.Equal(t, "http://v2-new", got[0].BaseURL)
}

type fakeSecrets struct{}

func (fakeSecrets) Open(v string) (string, error) {
	if strings.HasPrefix(v, "sealed:") {
		return strings.TrimPrefix(v, "sealed:"), nil
	}
	if v == "broken" {
		return "", errors.New("cannot open")
	}
	return v, nil
}

func TestRegistry_OpensSecrets(t *testing.T) {
	r := NewRegistry(LoaderFunc(func() ([]Entry, error) {
		return []Entry{
			{Claude: &Endpoint{APIURL: "https://a", APIKey: "sealed:real"}},
			{Claude: &Endpoint{APIURL: "https://b", APIKey: "broken"}},
			{Claude: &Endpoint{APIURL: "https://c", APIKey: "plain"}},
		}, nil
	}), WithSecrets(fakeSecrets{}))

	got := r.Snapshot(KindClaude)
	require.Len(t, got, 2)
	assert.Equal(t, "real", got[0].APIKey)
	assert.Equal(t, "https://c", got[1].BaseURL)
}

func TestRegistry_ConcurrentReadsDuringReload(t *testing.T) {
	r := NewRegistry(LoaderFunc(func() ([]Entry, error) {
		return []Entry{
			{APIURL: "https://a", APIKey: "k"},
			{APIURL: "https://b", APIKey: "k"},
		}, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if n := len(r.Snapshot(KindCodex)); n != 2 {
					t.Errorf("observed partial snapshot of %d", n)
					return
				}
			}
		}()
	}
	for j := 0; j < 20; j++ {
		_ = r.Reload()
	}
	wg.Wait()
}
