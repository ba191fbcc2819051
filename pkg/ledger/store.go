// Package ledger persists one status record per job directory.
//
// The ledger replaces inferring job state from report text: the runner
// writes job.json when a job starts and again when it exits, and resume
// and status queries read it back.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// FileName is the record file inside each job directory.
const FileName = "job.json"

// Store reads and writes job records.
//
// Directory layout:
//
//	<root>/<job dir>/job.json
//	<root>/<job dir>/stdout.log
//	<root>/<job dir>/stderr.log
//
// Records carry their own directory, so Write and Get work on any job
// directory; root only scopes List.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

// RecordPath returns the job.json path for a job directory.
func RecordPath(dir string) string {
	return filepath.Join(dir, FileName)
}

func (s *Store) Write(record *Record) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	dir := strings.TrimSpace(record.Dir)
	if dir == "" {
		return fmt.Errorf("job dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, FileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, RecordPath(dir)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads the record of the job in dir.
//
// The returned error wraps os.ErrNotExist when the directory has no
// record, which is how never-started jobs look.
func (s *Store) Get(dir string) (*Record, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("job dir is required")
	}
	b, err := os.ReadFile(RecordPath(dir))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s is empty", FileName)
	}

	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}

	// Zombie detection: if a job claims running but its pid is gone, mark unknown.
	if record.State == StateRunning && record.PID > 0 {
		if !IsProcessAlive(record.PID) {
			record.State = StateUnknown
			now := time.Now().UTC()
			record.LastHeartbeat = &now
			_ = s.Write(&record)
		}
	}

	return &record, nil
}

// Succeeded reports whether dir holds a record in the success state.
func (s *Store) Succeeded(dir string) bool {
	rec, err := s.Get(dir)
	return err == nil && rec.State == StateSuccess
}

// List returns the records of every immediate subdirectory of root,
// ordered by job index.
func (s *Store) List() ([]Record, error) {
	if strings.TrimSpace(s.root) == "" {
		return nil, fmt.Errorf("ledger root dir is empty")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(filepath.Join(s.root, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Dir < out[j].Dir
	})

	return out, nil
}

// Find returns the record with the given index under root.
func (s *Store) Find(index int) (*Record, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Index == index {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("job %d: %w", index, os.ErrNotExist)
}

// IsProcessAlive probes pid with signal 0.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
