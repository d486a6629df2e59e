// Package retention decides which trajectory files in a data directory to
// keep and removes the rest.
package retention

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nvandessel/phenosim/internal/pathutil"
)

// File is a trajectory file considered for retention.
type File struct {
	Path    string    `json:"path"`
	Index   int       `json:"index"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Policy selects the files to keep from a newest-first list.
type Policy interface {
	Keep(files []File) []File
}

// CountPolicy keeps the Max newest files.
type CountPolicy struct {
	Max int
}

func (p *CountPolicy) Keep(files []File) []File {
	if len(files) <= p.Max {
		return files
	}
	return files[:p.Max]
}

// AgePolicy keeps files modified within MaxAge of Now. A zero Now means
// time.Now().
type AgePolicy struct {
	MaxAge time.Duration
	Now    time.Time
}

func (p *AgePolicy) Keep(files []File) []File {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-p.MaxAge)

	var keep []File
	for _, f := range files {
		if f.ModTime.After(cutoff) {
			keep = append(keep, f)
		}
	}
	return keep
}

// SizePolicy keeps the newest files whose total size fits in MaxBytes.
// The newest file is always kept.
type SizePolicy struct {
	MaxBytes int64
}

func (p *SizePolicy) Keep(files []File) []File {
	var keep []File
	var total int64
	for _, f := range files {
		if len(keep) > 0 && total+f.Size > p.MaxBytes {
			break
		}
		keep = append(keep, f)
		total += f.Size
	}
	return keep
}

// AnyPolicy keeps a file if any of its policies keeps it.
type AnyPolicy []Policy

func (p AnyPolicy) Keep(files []File) []File {
	kept := make(map[string]bool)
	for _, policy := range p {
		for _, f := range policy.Keep(files) {
			kept[f.Path] = true
		}
	}

	var keep []File
	for _, f := range files {
		if kept[f.Path] {
			keep = append(keep, f)
		}
	}
	return keep
}

// List returns the trajectory files in dir, newest (highest index) first.
// A missing dir has no files.
func List(dir string) ([]File, error) {
	indexed, err := pathutil.ListIndexed(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	files := make([]File, 0, len(indexed))
	for _, f := range indexed {
		files = append(files, File{
			Path:    f.Path,
			Index:   f.Index,
			Size:    f.Info.Size(),
			ModTime: f.Info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Index > files[j].Index })
	return files, nil
}

// Plan splits the trajectory files in dir into those policy keeps and
// those it would remove, both newest first.
func Plan(dir string, policy Policy) (keep, remove []File, err error) {
	files, err := List(dir)
	if err != nil {
		return nil, nil, err
	}

	keep = policy.Keep(files)
	keepSet := make(map[string]bool, len(keep))
	for _, f := range keep {
		keepSet[f.Path] = true
	}
	for _, f := range files {
		if !keepSet[f.Path] {
			remove = append(remove, f)
		}
	}
	return keep, remove, nil
}

// Prune deletes the trajectory files in dir that policy does not keep and
// returns them. It stops at the first failed removal.
func Prune(dir string, policy Policy) ([]File, error) {
	_, remove, err := Plan(dir, policy)
	if err != nil {
		return nil, err
	}

	var removed []File
	for _, f := range remove {
		if err := pathutil.Within(f.Path, dir); err != nil {
			return removed, err
		}
		if err := os.Remove(f.Path); err != nil {
			return removed, fmt.Errorf("removing %s: %w", pathutil.RedactPath(f.Path), err)
		}
		removed = append(removed, f)
	}
	return removed, nil
}

// ParseDuration parses Go durations ("720h") and whole days or weeks
// ("30d", "2w").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	unit := 24 * time.Hour
	switch s[len(s)-1] {
	case 'd':
	case 'w':
		unit *= 7
	default:
		return 0, fmt.Errorf("invalid duration: %q (examples: 36h, 30d, 2w)", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration: %q (examples: 36h, 30d, 2w)", s)
	}
	return time.Duration(n) * unit, nil
}

// ParseSize parses sizes like "500MB", "1.5GiB" or "4096".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size too large: %q", s)
	}
	return int64(n), nil
}
