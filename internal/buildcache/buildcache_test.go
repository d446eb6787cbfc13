package buildcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/retry"
)

func testContext() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolutionCache_SingleCallPerKey(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	c := NewResolutionCache()
	var calls atomic.Int32
	release := make(chan struct{})
	resolve := func() (Resolution, error) {
		calls.Add(1)
		<-release
		return Resolution{URL: "https://example.invalid/pkg-1.2.tar.gz", Version: "1.2"}, nil
	}

	// --- Act ---
	var wg sync.WaitGroup
	results := make([]Resolution, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Do("pkg>=1.0", resolve)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	again, err := c.Do("pkg>=1.0", resolve)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, again, r)
	}
	hits, misses := c.Stats()
	assert.Equal(t, int64(1), misses)
	assert.GreaterOrEqual(t, hits, int64(1))
	assert.Equal(t, 1, c.Len())
}

func TestResolutionCache_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	c := NewResolutionCache()
	boom := errors.New("index down")
	_, err := c.Do("pkg", func() (Resolution, error) { return Resolution{}, boom })
	assert.ErrorIs(t, err, boom)

	r, err := c.Do("pkg", func() (Resolution, error) { return Resolution{Version: "1"}, nil })
	require.NoError(t, err)
	assert.Equal(t, "1", r.Version)
}

func TestLocalStore_RoundTrip(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := testContext()
	store, err := OpenLocal(ctx, filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	content := strings.Repeat("wheel-bytes ", 1000)
	src := writeFile(t, t.TempDir(), "pkg-1.0-py3-none-any.whl", content)
	key := NewArtifactKey("Pkg", "1.0", "")

	// --- Act & Assert ---
	ok, err := store.Has(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Fetch(ctx, key, t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Store(ctx, key, src))
	ok, err = store.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	dest := t.TempDir()
	path, err := store.Fetch(ctx, key, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "pkg-1.0-py3-none-any.whl"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, key, entries[0].Key)
	assert.Equal(t, int64(len(content)), entries[0].Size)

	other := NewArtifactKey("pkg", "1.0", "debug")
	ok, err = store.Has(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok, "variants are cached separately")
}

func TestLocalStore_ConcurrentStores(t *testing.T) {
	t.Parallel()

	ctx := testContext()
	store, err := OpenLocal(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			src := writeFile(t, dir, name+".whl", name)
			assert.NoError(t, store.Store(ctx, NewArtifactKey(name, "1", ""), src))
		}(i)
	}
	wg.Wait()

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestLocalStore_ConcurrentFetchesOfOneArtifact(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := testContext()
	store, err := OpenLocal(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	key := NewArtifactKey("pkg", "1.0", "")
	content := strings.Repeat("x", 64<<10)
	require.NoError(t, store.Store(ctx, key, writeFile(t, t.TempDir(), "pkg.whl", content)))
	dest := t.TempDir()

	// --- Act ---
	const n = 8
	paths := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = store.Fetch(ctx, key, dest)
		}(i)
	}
	wg.Wait()

	// --- Assert ---
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, filepath.Join(dest, "pkg.whl"), paths[i])
	}
	got, err := os.ReadFile(filepath.Join(dest, "pkg.whl"))
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

// fakeServer is an in-memory artifact server.
type fakeServer struct {
	mu    sync.Mutex
	blobs map[string][]byte
	names map[string]string
	fail  int
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.blobs[r.URL.Path] = body
		f.names[r.URL.Path] = r.Header.Get(FilenameHeader)
		w.WriteHeader(http.StatusCreated)
	case http.MethodHead, http.MethodGet:
		body, ok := f.blobs[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set(FilenameHeader, f.names[r.URL.Path])
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(body)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeRemote(t *testing.T) (*fakeServer, *RemoteStore) {
	t.Helper()
	fake := &fakeServer{blobs: map[string][]byte{}, names: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	policy := retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}
	return fake, NewRemote(srv.URL+"/", srv.Client(), policy)
}

func TestRemoteStore(t *testing.T) {
	t.Parallel()

	ctx := testContext()
	fake, remote := newFakeRemote(t)
	key := NewArtifactKey("lib", "2.0", "")
	src := writeFile(t, t.TempDir(), "lib-2.0.whl", "payload")

	ok, err := remote.Has(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = remote.Fetch(ctx, key, t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)

	fake.fail = 1 // one transient failure is retried
	require.NoError(t, remote.Store(ctx, key, src))
	assert.Contains(t, fake.blobs, "/default/lib/2.0")

	ok, err = remote.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	path, err := remote.Fetch(ctx, key, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "lib-2.0.whl", filepath.Base(path))

	fake.fail = 10
	_, err = remote.Has(ctx, key)
	var cacheErr *CacheError
	assert.ErrorAs(t, err, &cacheErr)
}

func TestTiered_WritesRemoteHitsBackLocally(t *testing.T) {
	t.Parallel()

	ctx := testContext()
	local, err := OpenLocal(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	_, remote := newFakeRemote(t)

	key := NewArtifactKey("tool", "3.1", "")
	src := writeFile(t, t.TempDir(), "tool-3.1.whl", "tool")
	require.NoError(t, remote.Store(ctx, key, src))

	tiered := &Tiered{Local: local, Remote: remote}
	ok, err := tiered.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = tiered.Fetch(ctx, key, t.TempDir())
	require.NoError(t, err)

	ok, err = local.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = tiered.Fetch(ctx, NewArtifactKey("absent", "1", ""), t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}
