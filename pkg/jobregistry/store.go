package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	recordFile = "job.json"
	logFile    = "job.log"
	outputDir  = "output"
)

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json     committed record (rewritten via rename)
//	<root>/<job_id>/job.log      append-only process output
//	<root>/<job_id>/launch.json  resolved command
//	<root>/<job_id>/exit.json    exit status written by the supervisor
//	<root>/<job_id>/output/      script output directory
//
// Updates to one job are serialized in-process; a single writer per job id
// is assumed across processes.
type Store struct {
	root  string
	locks sync.Map // job id -> *sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), recordFile)
}

func (s *Store) LogPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), logFile)
}

func (s *Store) OutputDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), outputDir)
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func validJobID(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &ValidationError{Field: "job_id", Message: "job_id is required"}
	}
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return &ValidationError{Field: "job_id", Message: "job_id contains path separators"}
	}
	return nil
}

// Create writes a new record. The job directory is created exclusively, so
// a second Create for the same id fails with ErrDuplicateJob.
func (s *Store) Create(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	if err := validJobID(record.JobID); err != nil {
		return err
	}
	if err := record.checkInvariants(); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(record.JobID)
	if err := os.Mkdir(jobDir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, record.JobID)
		}
		return fmt.Errorf("create job dir: %w", err)
	}
	return writeJSONAtomic(jobDir, recordFile, record)
}

// Get returns the last committed record for jobID.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("read job.json: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// Update applies mutate to a copy of the current record and commits the
// result atomically. Status changes are checked against the state machine
// and the result/error invariants before anything is written. A mutator may
// return ErrNoChange to skip the write.
func (s *Store) Update(jobID string, mutate func(*JobRecord) error) (*JobRecord, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}

	next := current.clone()
	if err := mutate(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		return nil, err
	}
	next.JobID = current.JobID

	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}
	if err := next.checkInvariants(); err != nil {
		return nil, err
	}

	if err := writeJSONAtomic(s.JobDir(jobID), recordFile, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// ErrNoChange lets an Update mutator leave the record untouched.
var ErrNoChange = errors.New("no change")

// Delete removes the job directory with its record, log and outputs.
func (s *Store) Delete(jobID string) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(s.JobDir(jobID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return err
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	s.locks.Delete(jobID)
	return nil
}

// List returns all committed records ordered by submission time, oldest
// first. A nil filter returns every status.
func (s *Store) List(filter *JobStatus) ([]JobRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			// Not yet committed or unreadable.
			continue
		}
		if filter != nil && r.Status != *filter {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})

	return out, nil
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// writeJSONAtomic writes v as indented JSON to dir/name through a temp file
// and rename, so readers see either the old or the new file.
func writeJSONAtomic(dir, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
