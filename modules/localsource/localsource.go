// Package localsource acquires package sources from local directories,
// local archives and http(s) downloads, and overlays local patch trees onto
// acquired sources.
package localsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/vk/bootstrapgo/internal/buildstep"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/registry"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/modules/http_client"
)

// Name is the registry name of the acquirer and the preparer.
const Name = "localsource"

// Acquirer implements buildstep.Acquirer.
type Acquirer struct {
	fetch *http_client.Fetcher
}

// NewAcquirer creates an acquirer that downloads remote sources with fetch.
func NewAcquirer(fetch *http_client.Fetcher) *Acquirer {
	return &Acquirer{fetch: fetch}
}

// Acquire places the source at rawURL under workDir. Directories are
// copied, archives are unpacked and wheels are returned as files.
func (a *Acquirer) Acquire(ctx context.Context, name, version, rawURL, workDir string) (string, error) {
	root, err := a.acquire(ctx, rawURL, workDir)
	if err != nil {
		return "", &buildstep.AcquisitionError{Name: name, Version: version, URL: rawURL, Err: err}
	}
	ctxlog.FromContext(ctx).Debug("Source acquired.", "package", name, "version", version, "root", root)
	return root, nil
}

func (a *Acquirer) acquire(ctx context.Context, rawURL, workDir string) (string, error) {
	if rawURL == "" {
		return "", errors.New("no source location")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	var local string
	switch u.Scheme {
	case "http", "https":
		if a.fetch == nil {
			return "", errors.New("remote sources are not enabled")
		}
		base := path.Base(u.Path)
		if base == "." || base == "/" {
			base = "source"
		}
		local = filepath.Join(workDir+".download", base)
		if err := a.fetch.Download(ctx, rawURL, local); err != nil {
			return "", err
		}
	case "file":
		local = u.Path
	case "":
		local = rawURL
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	info, err := os.Stat(local)
	if err != nil {
		return "", err
	}
	switch {
	case info.IsDir():
		if err := copyTree(local, workDir); err != nil {
			return "", fmt.Errorf("copying %s: %w", local, err)
		}
		return workDir, nil
	case strings.HasSuffix(strings.ToLower(local), ".whl"):
		dest := filepath.Join(workDir, filepath.Base(local))
		return dest, copyFile(local, dest)
	}

	if archiveKind(local) == "" {
		kind, err := sniff(local)
		if err != nil {
			return "", err
		}
		renamed := local + "." + kind
		if err := os.Rename(local, renamed); err != nil {
			return "", err
		}
		local = renamed
	}
	return extract(local, workDir)
}

var magics = []struct {
	kind  string
	magic []byte
}{
	{"tar.gz", []byte{0x1f, 0x8b}},
	{"tar.xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{"zip", []byte("PK\x03\x04")},
}

// sniff identifies an archive without a telling extension, such as a
// GitHub tag tarball.
func sniff(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	for _, m := range magics {
		if bytes.HasPrefix(head[:n], m.magic) {
			return m.kind, nil
		}
	}
	return "", fmt.Errorf("%s is not a supported archive", filepath.Base(file))
}

// Preparer implements buildstep.Preparer by copying the files of
// {dir}/{name}/ and then {dir}/{name}-{version}/ over the source tree.
type Preparer struct {
	dir string
}

// NewPreparer creates a preparer for the patch tree at dir. An empty dir
// leaves sources untouched.
func NewPreparer(dir string) *Preparer {
	return &Preparer{dir: dir}
}

// Prepare implements buildstep.Preparer.
func (p *Preparer) Prepare(ctx context.Context, name, version, sourceRoot string) (string, error) {
	if p.dir == "" {
		return sourceRoot, nil
	}
	logger := ctxlog.FromContext(ctx).With("package", name, "version", version)
	canonical := requirement.CanonicalName(name)
	for _, overlay := range []string{canonical, canonical + "-" + version} {
		dir := filepath.Join(p.dir, overlay)
		info, err := os.Stat(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err == nil && !info.IsDir() {
			err = fmt.Errorf("%s is not a directory", dir)
		}
		if err == nil {
			err = copyTree(dir, sourceRoot)
		}
		if err != nil {
			return "", &buildstep.PreparationError{Name: name, Version: version, Err: err}
		}
		logger.Info("Applied source overlay.", "overlay", dir)
	}
	return sourceRoot, nil
}

// Module registers the acquirer and preparer.
type Module struct {
	Fetcher    *http_client.Fetcher
	PatchesDir string
}

// Register implements registry.Module.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAcquirer(Name, NewAcquirer(m.Fetcher))
	r.RegisterPreparer(Name, NewPreparer(m.PatchesDir))
}
