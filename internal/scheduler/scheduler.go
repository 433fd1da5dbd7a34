// Package scheduler maintains scheduled jobs — one-shot or cron-recurring
// — backed by a JSON document, and drives a dispatch loop that hands due
// jobs to a Deliverer.
package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions, matching
// internal/cron.Scheduler's parser configuration in the teacher.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Known payload types, used by validatePayload.
const (
	PayloadSupervisorCheck = "supervisor_check"
	PayloadContinuousTick  = "continuous_tick"
	PayloadDeliverable     = "deliverable"
)

// Job is one scheduled unit of work.
type Job struct {
	JobID       string         `json:"job_id"`
	Name        string         `json:"name"`
	RunAt       time.Time      `json:"run_at"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Cancelled   bool           `json:"cancelled"`
	CronExpr    string         `json:"cron_expr,omitempty"`
}

// RunLogEntry is one line of job-runs.jsonl.
type RunLogEntry struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type document struct {
	Jobs map[string]*Job `json:"jobs"`
}

// Store is the in-memory job_id -> job map, backed by jobs.json, with a
// parallel append-only job-runs.jsonl for run history.
type Store struct {
	mu       sync.Mutex
	path     string
	runsPath string
	doc      document
}

// Open loads jobs.json (and prepares job-runs.jsonl) from dataDir.
func Open(dataDir string) (*Store, error) {
	s := &Store{
		path:     filepath.Join(dataDir, "jobs.json"),
		runsPath: filepath.Join(dataDir, "job-runs.jsonl"),
		doc:      document{Jobs: make(map[string]*Job)},
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read job store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse job store: %w", err)
	}
	if s.doc.Jobs == nil {
		s.doc.Jobs = make(map[string]*Job)
	}
	return s, nil
}

// ValidateCron checks expr against the standard 5-field cron grammar.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// ValidatePayload returns a list of validation errors for a job payload of
// the given type. An empty list means the payload is valid.
func ValidatePayload(payloadType string, payload map[string]any) []string {
	var errs []string
	switch payloadType {
	case PayloadSupervisorCheck:
		if _, ok := payload["task_id"]; !ok {
			errs = append(errs, "supervisor_check payload requires task_id")
		}
	case PayloadDeliverable:
		for _, field := range []string{"prompt", "channel", "target"} {
			if _, ok := payload[field]; !ok {
				errs = append(errs, fmt.Sprintf("deliverable payload requires %s", field))
			}
		}
		if channel, _ := payload["channel"].(string); channel == "teams" {
			if _, ok := payload["service_url"]; !ok {
				errs = append(errs, "deliverable payload for teams requires service_url")
			}
		}
	case PayloadContinuousTick:
		// no required fields
	default:
		errs = append(errs, fmt.Sprintf("unknown payload type %q", payloadType))
	}
	return errs
}

// Schedule creates and persists a new job.
func (s *Store) Schedule(name string, runAt time.Time, payload map[string]any, cronExpr string) (Job, error) {
	if cronExpr != "" {
		if err := ValidateCron(cronExpr); err != nil {
			return Job{}, fmt.Errorf("invalid cron expression: %w", err)
		}
	}
	job := &Job{
		JobID:     uuid.NewString(),
		Name:      name,
		RunAt:     runAt.UTC(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		CronExpr:  cronExpr,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Jobs[job.JobID] = job
	if err := s.persistLocked(); err != nil {
		return Job{}, err
	}
	return *job, nil
}

// Due returns all non-cancelled, non-completed jobs with run_at <= now,
// normalizing both sides to naive UTC so timezone mismatches don't matter.
func (s *Store) Due(now time.Time) []Job {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, job := range s.doc.Jobs {
		if job.Cancelled || job.CompletedAt != nil {
			continue
		}
		if !job.RunAt.UTC().After(now) {
			out = append(out, *job)
		}
	}
	return out
}

// List returns every job, including cancelled and completed ones, for
// introspection via jobs_list.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.doc.Jobs))
	for _, job := range s.doc.Jobs {
		out = append(out, *job)
	}
	return out
}

// MarkCompleted advances a cron job's run_at to its next occurrence, or
// sets completed_at for a one-shot job.
func (s *Store) MarkCompleted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.doc.Jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	if job.CronExpr != "" {
		sched, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return fmt.Errorf("parse cron expression: %w", err)
		}
		job.RunAt = sched.Next(job.RunAt.UTC())
	} else {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return s.persistLocked()
}

// Cancel idempotently marks a job cancelled.
func (s *Store) Cancel(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.doc.Jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	job.Cancelled = true
	return s.persistLocked()
}

// Reschedule moves a job's run_at.
func (s *Store) Reschedule(jobID string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.doc.Jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	job.RunAt = runAt.UTC()
	return s.persistLocked()
}

// ClearAll removes every job.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Jobs = make(map[string]*Job)
	return s.persistLocked()
}

// LogRun appends one run-history line to job-runs.jsonl.
func (s *Store) LogRun(jobID, status, detail string) error {
	entry := RunLogEntry{JobID: jobID, Status: status, Detail: detail, Timestamp: time.Now().UTC()}
	line, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal run log entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if dir := filepath.Dir(s.runsPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create run log dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.runsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// ListRuns reads job-runs.jsonl, optionally filtered by job id, most recent
// last, truncated to limit entries (0 means unbounded).
func (s *Store) ListRuns(jobID string, limit int) ([]RunLogEntry, error) {
	data, err := os.ReadFile(s.runsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run log: %w", err)
	}
	var out []RunLogEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var entry RunLogEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		if jobID != "" && entry.JobID != jobID {
			continue
		}
		out = append(out, entry)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) persistLocked() error {
	out, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create job store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write job store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
