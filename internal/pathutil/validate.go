// Package pathutil names, counts and confines the files phenosim writes.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutside is returned by Within for a path that escapes every allowed
// directory.
var ErrOutside = errors.New("path is outside allowed directories")

// RedactPath reduces a full path to .../<parent>/<basename> for log lines
// and error messages, e.g. "/home/ana/sims/data/traj-004.bin" becomes
// ".../data/traj-004.bin".
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(cleaned))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(cleaned)
	}
	return ".../" + parent + "/" + filepath.Base(cleaned)
}

// Within checks that path, after cleaning and resolving symlinks on its
// existing ancestors, lies inside one of dirs. The path itself need not
// exist.
func Within(path string, dirs ...string) error {
	switch {
	case path == "":
		return fmt.Errorf("invalid path: empty")
	case strings.ContainsRune(path, '\x00'):
		return fmt.Errorf("invalid path: contains null byte")
	case len(dirs) == 0:
		return fmt.Errorf("invalid path: no allowed directories given")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", RedactPath(path), err)
	}
	parent, err := resolve(filepath.Dir(abs))
	if err != nil {
		return err
	}
	target := filepath.Join(parent, filepath.Base(abs))

	for _, dir := range dirs {
		dirAbs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		base, err := resolve(dirAbs)
		if err != nil {
			continue
		}
		if target == base || strings.HasPrefix(target, base+string(os.PathSeparator)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOutside, RedactPath(abs))
}

// resolve evaluates symlinks on the deepest existing ancestor of dir and
// re-appends the components that do not exist yet.
func resolve(dir string) (string, error) {
	var missing []string
	cur := dir
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				real = filepath.Join(real, missing[i])
			}
			return real, nil
		}
		next := filepath.Dir(cur)
		if next == cur {
			return "", fmt.Errorf("resolving %s: no existing ancestor", RedactPath(dir))
		}
		missing = append(missing, filepath.Base(cur))
		cur = next
	}
}
