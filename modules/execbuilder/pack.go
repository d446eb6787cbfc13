package execbuilder

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/bootstrapgo/internal/fsutil"
)

// sdistBase names the archive of a prepared tree. Trees acquired as
// directories live in {name}-{version}/source.
func sdistBase(root string) string {
	base := filepath.Base(root)
	if base == "source" {
		base = filepath.Base(filepath.Dir(root))
	}
	return base
}

// packTree writes root as {base}.tar.gz with a single {base}/ top-level
// directory. VCS metadata is left out.
func packTree(root, outDir string) (string, error) {
	base := sdistBase(root)
	dest := filepath.Join(outDir, base+".tar.gz")
	err := fsutil.WriteFileAtomic(dest, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		tw := tar.NewWriter(zw)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && d.Name() == ".git" {
				return filepath.SkipDir
			}
			if !d.IsDir() && !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(filepath.Join(base, rel))
			if d.IsDir() {
				hdr.Name = strings.TrimSuffix(hdr.Name, "/") + "/"
			}
			hdr.Uname, hdr.Gname = "", ""
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			return err
		}
		if err := tw.Close(); err != nil {
			return err
		}
		return zw.Close()
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}
