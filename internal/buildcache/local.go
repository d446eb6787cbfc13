package buildcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ulikunitz/xz"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/fsutil"
	"github.com/vk/bootstrapgo/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	name      TEXT NOT NULL,
	version   TEXT NOT NULL,
	variant   TEXT NOT NULL,
	filename  TEXT NOT NULL,
	sha256    TEXT NOT NULL,
	size      INTEGER NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (name, version, variant)
);`

// Entry is one row of the local artifact index.
type Entry struct {
	Key      ArtifactKey
	Filename string
	SHA256   string
	Size     int64
	StoredAt time.Time
}

// LocalStore keeps artifacts on disk, xz-compressed.
//
// Structure:
//
//	{root}/
//	  index.db
//	  {variant}/
//	    {name}/
//	      {version}/
//	        artifact.xz
type LocalStore struct {
	root string
	db   *sql.DB
	// mu serialises writers; sqlite handles concurrent readers.
	mu sync.Mutex
	// fetches collapses concurrent fetches of one artifact into one
	// destination.
	fetches singleflight.Group
}

// OpenLocal opens (creating if needed) the store rooted at root.
func OpenLocal(ctx context.Context, root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	dsn := "file:" + filepath.Join(root, "index.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising cache index: %w", err)
	}
	ctxlog.FromContext(ctx).Debug("Local artifact cache opened.", "root", root)
	return &LocalStore{root: root, db: db}, nil
}

func (s *LocalStore) Close() error { return s.db.Close() }

func (s *LocalStore) blobPath(key ArtifactKey) string {
	return filepath.Join(s.root, key.Variant, key.Name, key.Version, "artifact.xz")
}

func (s *LocalStore) lookup(ctx context.Context, key ArtifactKey) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT filename, sha256, size, stored_at FROM artifacts WHERE name = ? AND version = ? AND variant = ?`,
		key.Name, key.Version, key.Variant)
	e := Entry{Key: key}
	var stored int64
	if err := row.Scan(&e.Filename, &e.SHA256, &e.Size, &stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e.StoredAt = time.Unix(stored, 0)
	return e, true, nil
}

// Has reports whether an indexed artifact with an existing blob is stored.
func (s *LocalStore) Has(ctx context.Context, key ArtifactKey) (bool, error) {
	_, ok, err := s.lookup(ctx, key)
	if err != nil {
		return false, &CacheError{Op: "has", Key: key, Err: err}
	}
	if !ok {
		metrics.ArtifactCacheLookupsTotal.WithLabelValues("local", "miss").Inc()
		return false, nil
	}
	if _, err := os.Stat(s.blobPath(key)); err != nil {
		metrics.ArtifactCacheLookupsTotal.WithLabelValues("local", "miss").Inc()
		return false, nil
	}
	metrics.ArtifactCacheLookupsTotal.WithLabelValues("local", "hit").Inc()
	return true, nil
}

// Fetch decompresses the artifact into destDir under its original file
// name and verifies its checksum. Concurrent calls for the same key and
// destDir share a single decompression.
func (s *LocalStore) Fetch(ctx context.Context, key ArtifactKey, destDir string) (string, error) {
	v, err, shared := s.fetches.Do(key.String()+"\x00"+destDir, func() (any, error) {
		return s.fetch(ctx, key, destDir)
	})
	if err != nil {
		return "", err
	}
	if shared {
		ctxlog.FromContext(ctx).Debug("Shared local cache fetch.", "key", key.String())
	}
	return v.(string), nil
}

func (s *LocalStore) fetch(ctx context.Context, key ArtifactKey, destDir string) (string, error) {
	e, ok, err := s.lookup(ctx, key)
	if err != nil {
		return "", &CacheError{Op: "fetch", Key: key, Err: err}
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	blob, err := os.Open(s.blobPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return "", &CacheError{Op: "fetch", Key: key, Err: err}
	}
	defer blob.Close()

	zr, err := xz.NewReader(blob)
	if err != nil {
		return "", &CacheError{Op: "fetch", Key: key, Err: err}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", &CacheError{Op: "fetch", Key: key, Err: err}
	}
	dest := filepath.Join(destDir, e.Filename)
	sum, _, err := writeAtomic(dest, zr)
	if err != nil {
		return "", &CacheError{Op: "fetch", Key: key, Err: err}
	}
	if sum != e.SHA256 {
		os.Remove(dest)
		return "", &CacheError{Op: "fetch", Key: key, Err: fmt.Errorf("checksum mismatch: index has %s, blob has %s", e.SHA256, sum)}
	}
	return dest, nil
}

// Store compresses the file at path into the store and indexes it,
// replacing any previous artifact for key.
func (s *LocalStore) Store(ctx context.Context, key ArtifactKey, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := os.Open(path)
	if err != nil {
		return &CacheError{Op: "store", Key: key, Err: err}
	}
	defer src.Close()

	blob := s.blobPath(key)
	if err := os.MkdirAll(filepath.Dir(blob), 0o755); err != nil {
		return &CacheError{Op: "store", Key: key, Err: err}
	}

	pr, pw := io.Pipe()
	hash := sha256.New()
	var size int64
	go func() {
		zw, err := xz.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		n, err := io.Copy(io.MultiWriter(zw, hash), src)
		size = n
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()
	if _, _, err := writeAtomic(blob, pr); err != nil {
		pr.CloseWithError(err)
		return &CacheError{Op: "store", Key: key, Err: err}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (name, version, variant, filename, sha256, size, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.Name, key.Version, key.Variant, filepath.Base(path), hex.EncodeToString(hash.Sum(nil)), size, time.Now().Unix())
	if err != nil {
		return &CacheError{Op: "store", Key: key, Err: err}
	}
	ctxlog.FromContext(ctx).Debug("Artifact stored in local cache.", "key", key.String(), "size", size)
	return nil
}

// List returns every indexed artifact ordered by key.
func (s *LocalStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version, variant, filename, sha256, size, stored_at FROM artifacts ORDER BY variant, name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var stored int64
		if err := rows.Scan(&e.Key.Name, &e.Key.Version, &e.Key.Variant, &e.Filename, &e.SHA256, &e.Size, &stored); err != nil {
			return nil, err
		}
		e.StoredAt = time.Unix(stored, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// writeAtomic streams r into path through a temp file in the same
// directory and returns the sha256 and size of what was written.
func writeAtomic(path string, r io.Reader) (string, int64, error) {
	hash := sha256.New()
	var n int64
	err := fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		var err error
		n, err = io.Copy(io.MultiWriter(w, hash), r)
		return err
	})
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}
