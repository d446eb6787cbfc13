// Package http_client provides the pooled HTTP client and the retrying
// GET helpers shared by the network-facing modules.
package http_client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/fsutil"
	"github.com/vk/bootstrapgo/internal/retry"
)

// New returns a client with pooled connections. A zero timeout means none.
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Fetcher issues GET requests, retrying transient failures.
type Fetcher struct {
	Client *http.Client
	Policy retry.Policy
	// Header is added to every request.
	Header http.Header
}

// NewFetcher creates a Fetcher. A nil client gets a pooled one.
func NewFetcher(client *http.Client, policy retry.Policy) *Fetcher {
	if client == nil {
		client = New(0)
	}
	return &Fetcher{Client: client, Policy: policy, Header: make(http.Header)}
}

func (f *Fetcher) get(ctx context.Context, url string, handle func(*http.Response) error) error {
	return retry.Do(ctx, f.Policy, "GET "+url, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		for k, v := range f.Header {
			req.Header[k] = v
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return &retry.StatusError{Method: http.MethodGet, URL: url, Code: resp.StatusCode}
		}
		return handle(resp)
	})
}

// GetJSON decodes the JSON body at url into out and returns the response
// headers.
func (f *Fetcher) GetJSON(ctx context.Context, url string, out any) (http.Header, error) {
	var header http.Header
	err := f.get(ctx, url, func(resp *http.Response) error {
		header = resp.Header
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("decoding %s: %w", url, err))
		}
		return nil
	})
	return header, err
}

// Download stores the body at url in dest. A partial download never
// replaces dest.
func (f *Fetcher) Download(ctx context.Context, url, dest string) error {
	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	var n int64
	err := f.get(ctx, url, func(resp *http.Response) error {
		return fsutil.WriteFileAtomic(dest, func(w io.Writer) error {
			var err error
			n, err = io.Copy(w, resp.Body)
			return err
		})
	})
	if err != nil {
		return err
	}
	logger.Debug("Downloaded file.", "url", url, "bytes", n, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
