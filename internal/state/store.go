package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const snapshotPrefix = "state_"

// Store writes run-state snapshots into a directory. Every Save produces a
// new file; nothing is ever overwritten in place, so the on-disk history
// stays resumable even when the newest write is torn by a crash.
type Store struct {
	mu   sync.Mutex
	dir  string
	seq  int
	keep int // snapshots retained, 0 = unlimited
}

// NewStore opens (or creates) the snapshot directory and picks up the
// sequence counter where a previous process left off.
func NewStore(dir string, keep int) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	s := &Store{dir: dir, keep: keep}

	files, err := s.snapshotFiles()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if seq, ok := parseSeq(f); ok && seq > s.seq {
			s.seq = seq
		}
	}
	return s, nil
}

// Save serializes rs to a new uniquely named snapshot file and returns its
// path. The write goes through a temp file plus rename so a crash mid-write
// leaves either the complete snapshot or a stray .tmp, never a short file
// under the snapshot name.
func (s *Store) Save(rs *RunState) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run state: %w", err)
	}

	s.seq++
	name := fmt.Sprintf("%s%06d_%d.json", snapshotPrefix, s.seq, time.Now().UnixNano())
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit snapshot: %w", err)
	}

	if s.keep > 0 {
		s.trimLocked()
	}
	return path, nil
}

// Load returns the newest snapshot that parses and validates, or (nil, nil)
// when no usable snapshot exists. Corrupt or truncated snapshots are skipped
// with a note; absence of state is the normal cold-start condition, not an
// error.
func (s *Store) Load() (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.snapshotFiles()
	if err != nil {
		fmt.Fprintf(os.Stderr, "state: cannot list snapshots in %s: %v\n", s.dir, err)
		return nil, nil
	}

	// Newest first.
	for i := len(files) - 1; i >= 0; i-- {
		path := files[i]
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "state: skipping unreadable snapshot %s: %v\n", filepath.Base(path), err)
			continue
		}
		var rs RunState
		if err := json.Unmarshal(data, &rs); err != nil {
			fmt.Fprintf(os.Stderr, "state: skipping corrupt snapshot %s: %v\n", filepath.Base(path), err)
			continue
		}
		if err := rs.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "state: skipping invalid snapshot %s: %v\n", filepath.Base(path), err)
			continue
		}
		rs.normalize()
		return &rs, nil
	}
	return nil, nil
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string {
	return s.dir
}

// snapshotFiles lists snapshot paths sorted ascending by name. Sequence
// numbers are zero-padded, so lexical order is save order.
func (s *Store) snapshotFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		files = append(files, filepath.Join(s.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// trimLocked deletes the oldest snapshots beyond the keep limit.
func (s *Store) trimLocked() {
	files, err := s.snapshotFiles()
	if err != nil || len(files) <= s.keep {
		return
	}
	for _, f := range files[:len(files)-s.keep] {
		if err := os.Remove(f); err != nil {
			fmt.Fprintf(os.Stderr, "state: trim %s: %v\n", filepath.Base(f), err)
		}
	}
}

// parseSeq extracts the sequence number from a snapshot file name like
// state_000042_1724630000000000000.json.
func parseSeq(path string) (int, bool) {
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	name = strings.TrimPrefix(name, snapshotPrefix)
	parts := strings.SplitN(name, "_", 2)
	if len(parts) == 0 {
		return 0, false
	}
	seq, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return seq, true
}
