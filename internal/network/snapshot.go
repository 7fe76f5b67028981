package network

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrNoSnapshot is returned by Latest when the directory holds no snapshot.
var ErrNoSnapshot = errors.New("no catalog snapshot")

const (
	snapshotPrefix = "stations_"
	snapshotSuffix = ".txt"
)

// Snapshots keeps the last few raw catalogs fetched over HTTP on disk so a
// restart can come up while the remote source is unreachable.
type Snapshots struct {
	dir  string
	keep int
}

// NewSnapshots stores snapshots under dir and retains at most keep of them.
func NewSnapshots(dir string, keep int) *Snapshots {
	if keep <= 0 {
		keep = 5
	}
	return &Snapshots{dir: dir, keep: keep}
}

// Dir returns the snapshot directory.
func (s *Snapshots) Dir() string { return s.dir }

// Save writes data as the snapshot taken at ts, then prunes the oldest
// snapshots beyond the retention count.
func (s *Snapshots) Save(data []byte, ts time.Time) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	name := snapshotPrefix + strconv.FormatInt(ts.Unix(), 10) + snapshotSuffix
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing snapshot: %w", err)
	}

	return s.prune()
}

// Latest returns the newest snapshot and the time it was taken.
func (s *Snapshots) Latest() ([]byte, time.Time, error) {
	files, err := s.list()
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(files) == 0 {
		return nil, time.Time{}, ErrNoSnapshot
	}

	newest := files[len(files)-1]
	data, err := os.ReadFile(filepath.Join(s.dir, newest.name))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading snapshot: %w", err)
	}
	return data, newest.taken, nil
}

type snapshotFile struct {
	name  string
	taken time.Time
}

// list returns snapshot files oldest first. Unrelated files are ignored.
func (s *Snapshots) list() ([]snapshotFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing snapshot dir: %w", err)
	}

	var files []snapshotFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		unix, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix), 10, 64)
		if err != nil {
			continue
		}
		files = append(files, snapshotFile{name: name, taken: time.Unix(unix, 0).UTC()})
	}

	slices.SortFunc(files, func(a, b snapshotFile) int { return a.taken.Compare(b.taken) })
	return files, nil
}

func (s *Snapshots) prune() error {
	files, err := s.list()
	if err != nil {
		return err
	}
	for len(files) > s.keep {
		if err := os.Remove(filepath.Join(s.dir, files[0].name)); err != nil {
			return fmt.Errorf("pruning snapshot %s: %w", files[0].name, err)
		}
		files = files[1:]
	}
	return nil
}
