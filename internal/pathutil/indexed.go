package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Trajectory file naming: traj-000.bin, traj-001.bin, ...
const (
	TrajectoryPrefix = "traj-"
	TrajectoryExt    = ".bin"
)

// TrajectoryPattern matches trajectory file names and captures the index.
var TrajectoryPattern = regexp.MustCompile(`^traj-(\d{3,})\.bin$`)

// CountMatching counts the entries of dir whose names match pattern.
func CountMatching(dir string, pattern *regexp.Regexp) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", RedactPath(dir), err)
	}
	n := 0
	for _, e := range entries {
		if pattern.MatchString(e.Name()) {
			n++
		}
	}
	return n, nil
}

// IndexedName formats the i-th trajectory file name.
func IndexedName(i int) string {
	return fmt.Sprintf("%s%03d%s", TrajectoryPrefix, i, TrajectoryExt)
}

// NextIndexedPath returns the path of the next trajectory file in dir. The
// index starts at the number of trajectory files already present and
// skips names that are taken. A missing dir counts as empty.
func NextIndexedPath(dir string) (string, error) {
	n, err := CountMatching(dir, TrajectoryPattern)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	for {
		path := filepath.Join(dir, IndexedName(n))
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", fmt.Errorf("checking %s: %w", RedactPath(path), err)
		}
		n++
	}
}

// IndexedFile is a trajectory file found on disk.
type IndexedFile struct {
	Path  string
	Index int
	Info  fs.FileInfo
}

// ListIndexed returns the trajectory files in dir ordered by index.
func ListIndexed(dir string) ([]IndexedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", RedactPath(dir), err)
	}

	var files []IndexedFile
	for _, e := range entries {
		m := TrajectoryPattern.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, IndexedFile{Path: filepath.Join(dir, e.Name()), Index: idx, Info: info})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Index < files[j].Index })
	return files, nil
}
