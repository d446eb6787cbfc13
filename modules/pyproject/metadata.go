package pyproject

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// errNoMetadata means an artifact carries no core metadata file.
var errNoMetadata = errors.New("no package metadata found")

// metadata holds the core metadata fields used for dependency extraction.
type metadata struct {
	Name         string
	Version      string
	RequiresDist []string
}

// parseMetadata reads an RFC 822 style METADATA or PKG-INFO document.
func parseMetadata(r io.Reader) (metadata, error) {
	// A document without a body has no blank separator line.
	msg, err := mail.ReadMessage(io.MultiReader(r, strings.NewReader("\n\n")))
	if err != nil {
		return metadata{}, fmt.Errorf("parsing metadata: %w", err)
	}
	return metadata{
		Name:         msg.Header.Get("Name"),
		Version:      msg.Header.Get("Version"),
		RequiresDist: msg.Header["Requires-Dist"],
	}, nil
}

// readWheelMetadata finds {name}.dist-info/METADATA inside a wheel.
func readWheelMetadata(wheel string) (metadata, error) {
	zr, err := zip.OpenReader(wheel)
	if err != nil {
		return metadata{}, err
	}
	defer zr.Close()
	for _, f := range zr.File {
		dir, base := path.Split(f.Name)
		if base != "METADATA" || strings.Count(dir, "/") != 1 || !strings.HasSuffix(dir, ".dist-info/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return metadata{}, err
		}
		defer rc.Close()
		return parseMetadata(rc)
	}
	return metadata{}, errNoMetadata
}

// readSdist returns the top-level PKG-INFO and pyproject.toml of a source
// distribution. Either may be nil.
func readSdist(archive string) (pkgInfo, pyproject []byte, err error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var r io.Reader
	if strings.HasSuffix(archive, ".tar.xz") {
		if r, err = xz.NewReader(bufio.NewReader(f)); err != nil {
			return nil, nil, err
		}
	} else {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return pkgInfo, pyproject, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", filepath.Base(archive), err)
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if strings.Count(name, "/") != 1 || hdr.Typeflag != tar.TypeReg {
			continue
		}
		var dst *[]byte
		switch path.Base(name) {
		case "PKG-INFO":
			dst = &pkgInfo
		case "pyproject.toml":
			dst = &pyproject
		default:
			continue
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(tr, 1<<20)); err != nil {
			return nil, nil, err
		}
		*dst = buf.Bytes()
	}
}
