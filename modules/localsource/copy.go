package localsource

import (
	"io/fs"
	"os"
	"path/filepath"

	ignore "github.com/sabhiram/go-gitignore"
)

// copyTree copies src into dest, leaving out .git and whatever the tree's
// top-level .gitignore excludes. Symlinks are recreated, not followed.
func copyTree(src, dest string) error {
	var matcher *ignore.GitIgnore
	if m, err := ignore.CompileIgnoreFile(filepath.Join(src, ".gitignore")); err == nil {
		matcher = m
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dest, 0o755)
		}
		// Directory patterns ("build/") only match with the trailing slash.
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			name += "/"
		}
		if d.Name() == ".git" || (matcher != nil && matcher.MatchesPath(name)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dest, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		return nil
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return writeFile(dest, in, info.Mode())
}
