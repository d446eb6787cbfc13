package buildcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/bootstrapgo/internal/metrics"
	"github.com/vk/bootstrapgo/internal/retry"
)

// FilenameHeader carries the artifact's file name on GET and PUT.
const FilenameHeader = "X-Artifact-Filename"

// RemoteStore talks to an artifact server that answers HEAD, GET and PUT
// on {base}/{variant}/{name}/{version}.
type RemoteStore struct {
	base   string
	client *http.Client
	policy retry.Policy
}

// NewRemote creates a client for the server at base. A nil client uses
// http.DefaultClient.
func NewRemote(base string, client *http.Client, policy retry.Policy) *RemoteStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteStore{base: strings.TrimRight(base, "/"), client: client, policy: policy}
}

func (s *RemoteStore) url(key ArtifactKey) string {
	return s.base + "/" + url.PathEscape(key.Variant) + "/" + url.PathEscape(key.Name) + "/" + url.PathEscape(key.Version)
}

func (s *RemoteStore) do(ctx context.Context, method string, key ArtifactKey, body func() (io.ReadCloser, error), header http.Header, handle func(*http.Response) error) error {
	return retry.Do(ctx, s.policy, method+" "+key.String(), func(ctx context.Context) error {
		var rc io.ReadCloser
		if body != nil {
			var err error
			if rc, err = body(); err != nil {
				return retry.Permanent(err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, s.url(key), rc)
		if err != nil {
			if rc != nil {
				rc.Close()
			}
			return retry.Permanent(err)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		// Send a sized body instead of a chunked one.
		if f, ok := rc.(*os.File); ok {
			if st, err := f.Stat(); err == nil {
				req.ContentLength = st.Size()
			}
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return handle(resp)
	})
}

func (s *RemoteStore) Has(ctx context.Context, key ArtifactKey) (bool, error) {
	var found bool
	err := s.do(ctx, http.MethodHead, key, nil, nil, func(resp *http.Response) error {
		switch {
		case resp.StatusCode == http.StatusOK:
			found = true
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return nil
		default:
			return &retry.StatusError{Method: http.MethodHead, URL: s.url(key), Code: resp.StatusCode}
		}
	})
	if err != nil {
		return false, &CacheError{Op: "has", Key: key, Err: err}
	}
	result := "miss"
	if found {
		result = "hit"
	}
	metrics.ArtifactCacheLookupsTotal.WithLabelValues("remote", result).Inc()
	return found, nil
}

func (s *RemoteStore) Fetch(ctx context.Context, key ArtifactKey, destDir string) (string, error) {
	var dest string
	notFound := false
	err := s.do(ctx, http.MethodGet, key, nil, nil, func(resp *http.Response) error {
		if resp.StatusCode == http.StatusNotFound {
			notFound = true
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return &retry.StatusError{Method: http.MethodGet, URL: s.url(key), Code: resp.StatusCode}
		}
		name := filepath.Base(resp.Header.Get(FilenameHeader))
		if name == "." || name == "/" || name == "" {
			name = key.Name + "-" + key.Version + ".bin"
		}
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return retry.Permanent(err)
		}
		dest = filepath.Join(destDir, name)
		_, _, err := writeAtomic(dest, resp.Body)
		return err
	})
	if err != nil {
		return "", &CacheError{Op: "fetch", Key: key, Err: err}
	}
	if notFound {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return dest, nil
}

func (s *RemoteStore) Store(ctx context.Context, key ArtifactKey, path string) error {
	header := http.Header{
		FilenameHeader: []string{filepath.Base(path)},
		"Content-Type": []string{"application/octet-stream"},
	}
	body := func() (io.ReadCloser, error) { return os.Open(path) }
	err := s.do(ctx, http.MethodPut, key, body, header, func(resp *http.Response) error {
		if resp.StatusCode/100 != 2 {
			return &retry.StatusError{Method: http.MethodPut, URL: s.url(key), Code: resp.StatusCode}
		}
		return nil
	})
	if err != nil {
		return &CacheError{Op: "store", Key: key, Err: err}
	}
	return nil
}
