package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"autopilot/pkg/logx"
	"autopilot/pkg/proto"
	"autopilot/pkg/utils"
)

// File names inside a run directory.
const (
	runFile        = "run.json"
	anchorFile     = "anchor.md"
	guardrailsFile = "guardrails.jsonl"
	progressFile   = "progress.md"
	errorLogFile   = "errors.log"
	activityFile   = "activity.jsonl"
	iterationsDir  = "iterations"
	reportsDir     = "reports"
)

// Guardrail is one append-only note consumed verbatim by the context
// builder. Guardrails are never deleted or reordered.
type Guardrail struct {
	Timestamp time.Time `json:"ts"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
}

// Store manages run directories under a single root. One directory per
// run; within a run only that run's engine goroutine writes, so no
// cross-run locking is needed.
type Store struct {
	root   string
	logger *logx.Logger
}

// NewStore creates a store rooted at the given directory.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state root: %w", err)
	}
	return &Store{
		root:   root,
		logger: logx.NewLogger("state"),
	}, nil
}

// RunDir returns the directory for a run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// CreateRun initializes the directory layout for a new run and persists
// the anchor specification and initial run snapshot.
func (s *Store) CreateRun(run *Run, anchorSpec string) error {
	dir := s.RunDir(run.ID)
	if _, err := os.Stat(filepath.Join(dir, runFile)); err == nil {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if err := os.MkdirAll(filepath.Join(dir, iterationsDir), 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, reportsDir), 0o755); err != nil {
		return fmt.Errorf("failed to create reports directory: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, anchorFile), []byte(anchorSpec), 0o644); err != nil {
		return fmt.Errorf("failed to write anchor spec: %w", err)
	}
	if err := s.SaveRun(run); err != nil {
		return err
	}
	s.logger.Info("created run %s at %s", run.ID, dir)
	return nil
}

// SaveRun persists the run snapshot atomically.
func (s *Store) SaveRun(run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	path := filepath.Join(s.RunDir(run.ID), runFile)
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// LoadRun reads a run snapshot from disk.
func (s *Store) LoadRun(runID string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), runFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns returns the IDs of all runs under the root, sorted.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read state root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), runFile)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// AnchorSpec returns the durable task definition consulted every
// iteration.
func (s *Store) AnchorSpec(runID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), anchorFile))
	if err != nil {
		return "", fmt.Errorf("failed to read anchor spec: %w", err)
	}
	return string(data), nil
}

// AppendGuardrail appends a note to the guardrails log.
func (s *Store) AppendGuardrail(runID, author, text string) error {
	entry := Guardrail{Timestamp: time.Now().UTC(), Author: author, Text: text}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal guardrail: %w", err)
	}
	return appendLine(filepath.Join(s.RunDir(runID), guardrailsFile), data)
}

// Guardrails returns all guardrail notes in append order.
func (s *Store) Guardrails(runID string) ([]Guardrail, error) {
	path := filepath.Join(s.RunDir(runID), guardrailsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read guardrails: %w", err)
	}

	var out []Guardrail
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var g Guardrail
		if err := json.Unmarshal([]byte(line), &g); err != nil {
			return nil, fmt.Errorf("corrupt guardrail line: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

// WriteProgress replaces the mutable short progress summary.
func (s *Store) WriteProgress(runID, text string) error {
	path := filepath.Join(s.RunDir(runID), progressFile)
	if err := utils.WriteFileAtomic(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

// Progress returns the current progress summary, or "" if none yet.
func (s *Store) Progress(runID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), progressFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read progress: %w", err)
	}
	return string(data), nil
}

// AppendError appends one line to the run's error log.
func (s *Store) AppendError(runID, message string) error {
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), message)
	return appendLine(filepath.Join(s.RunDir(runID), errorLogFile), []byte(line))
}

// ErrorLog returns the raw error log contents.
func (s *Store) ErrorLog(runID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), errorLogFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read error log: %w", err)
	}
	return string(data), nil
}

// SaveIteration persists a finalized iteration record. Records are
// immutable: saving a sequence number that already exists is an error.
func (s *Store) SaveIteration(runID string, rec *proto.IterationRecord) error {
	path := s.iterationPath(runID, rec.Sequence)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("iteration %d for run %s already finalized", rec.Sequence, runID)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal iteration record: %w", err)
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save iteration %d: %w", rec.Sequence, err)
	}
	return nil
}

// LoadIterations returns all iteration records ordered by sequence.
func (s *Store) LoadIterations(runID string) ([]proto.IterationRecord, error) {
	dir := filepath.Join(s.RunDir(runID), iterationsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read iterations: %w", err)
	}

	var records []proto.IterationRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read iteration %s: %w", entry.Name(), err)
		}
		var rec proto.IterationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("corrupt iteration record %s: %w", entry.Name(), err)
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	return records, nil
}

// LoadIteration reads one iteration record by sequence.
func (s *Store) LoadIteration(runID string, sequence int) (*proto.IterationRecord, error) {
	data, err := os.ReadFile(s.iterationPath(runID, sequence))
	if err != nil {
		return nil, fmt.Errorf("failed to read iteration %d: %w", sequence, err)
	}
	var rec proto.IterationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt iteration record %d: %w", sequence, err)
	}
	return &rec, nil
}

// WriteDoctorReport stores a diagnostic report and returns its path.
func (s *Store) WriteDoctorReport(runID string, sequence int, report string) (string, error) {
	path := filepath.Join(s.RunDir(runID), reportsDir, fmt.Sprintf("doctor-%06d.md", sequence))
	if err := utils.WriteFileAtomic(path, []byte(report), 0o644); err != nil {
		return "", fmt.Errorf("failed to write doctor report: %w", err)
	}
	return path, nil
}

// ActivityLog opens the run's append-only activity log for writing.
func (s *Store) ActivityLog(runID string) (*ActivityLog, error) {
	return OpenActivityLog(filepath.Join(s.RunDir(runID), activityFile))
}

// ReadActivity replays all activity events for a run in append order.
func (s *Store) ReadActivity(runID string) ([]proto.Event, error) {
	return ReadActivityFile(filepath.Join(s.RunDir(runID), activityFile))
}

func (s *Store) iterationPath(runID string, sequence int) string {
	return filepath.Join(s.RunDir(runID), iterationsDir, fmt.Sprintf("%06d.json", sequence))
}

// appendLine writes one line to an append-only file with an fsync so a
// crash cannot lose an acknowledged append.
func appendLine(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return nil
}
