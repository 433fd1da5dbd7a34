// Package taskstore is the authoritative Task entity store: status
// machine, timeline, inbox/outbox message history, retry/recovery state,
// and on-disk workspace subtree management. It is the system's core,
// backed by SQLite the way the teacher's internal/persistence backs its
// own task table.
package taskstore

import "time"

// Status is one of the task status machine's states.
type Status string

const (
	StatusProposed    Status = "proposed"
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusNeedsInput  Status = "needs_input"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// terminalStatuses are the statuses for which completed_at is set.
var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsTerminal reports whether s is a terminal status.
func IsTerminal(s Status) bool { return terminalStatuses[s] }

// validTransitions enumerates the status machine's edges (spec.md §3).
var validTransitions = map[Status]map[Status]bool{
	StatusProposed: {
		StatusPending:   true,
		StatusCancelled: true,
	},
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusPaused:     true,
		StatusNeedsInput: true,
		StatusCancelled:  true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusNeedsInput: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// WatchdogState tracks idle-worker escalation (spec.md §3, §4.11).
type WatchdogState string

const (
	WatchdogNone       WatchdogState = "none"
	WatchdogWarned     WatchdogState = "warned"
	WatchdogRestarted  WatchdogState = "restarted"
	WatchdogNeedsInput WatchdogState = "needs_input"
)

// RetryState holds a task's pending-retry bookkeeping.
type RetryState struct {
	Pending bool   `json:"pending"`
	Reason  string `json:"reason,omitempty"`
	Attempt int    `json:"attempt"`
}

// DeferredCompletion holds the worker's deferred-completion bookkeeping
// (spec.md §4.10.3).
type DeferredCompletion struct {
	Pending   bool      `json:"pending"`
	At        time.Time `json:"at,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Task is the central entity.
type Task struct {
	TaskID      string
	Name        string
	Prompt      string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	WorkerSessionID     string
	SupervisorSessionID string
	WorkDir             string

	Channel    string
	Target     string
	ServiceURL string

	Plan                  string
	SupervisorInstructions string
	SupervisorCheckSeconds int
	AutoSupervise          bool
	OnCompleteHook         string

	Retry RetryState

	Deferred DeferredCompletion

	WatchdogState        WatchdogState
	WatchdogRestarts     int
	WatchdogLastActionAt *time.Time

	SupervisorAssessments int
	LastWorkerActivityAt  *time.Time
	WorkerExitAt          *time.Time

	RecoveryPending bool
}

// TimelineEntry is an append-only, never-mutated history record.
type TimelineEntry struct {
	ID        int64
	TaskID    string
	Timestamp time.Time
	EventKind string
	Summary   string
	Detail    string
}

// Direction of a TaskMessage.
type Direction string

const (
	DirUp   Direction = "up"
	DirDown Direction = "down"
)

// Tier identifies who sent or is meant to receive a TaskMessage.
type Tier string

const (
	TierOrchestrator Tier = "orchestrator"
	TierWorker       Tier = "worker"
	TierSupervisor   Tier = "supervisor"
	TierUser         Tier = "user"
)

// Upward message types (worker/supervisor -> orchestrator).
const (
	MsgProgress     = "progress"
	MsgCompleted    = "completed"
	MsgFailed       = "failed"
	MsgNeedsInput   = "needs_input"
	MsgQuestion     = "question"
	MsgArtifact     = "artifact"
	MsgAssessment   = "assessment"
	MsgIntervention = "intervention"
	MsgEscalation   = "escalation"
)

// Downward message types (orchestrator -> tier).
const (
	MsgInstruction = "instruction"
	MsgInput       = "input"
	MsgPause       = "pause"
	MsgResume      = "resume"
	MsgRedirect    = "redirect"
	MsgCancel      = "cancel"
	MsgPriority    = "priority"
)

var upTypes = map[string]bool{
	MsgProgress: true, MsgCompleted: true, MsgFailed: true, MsgNeedsInput: true,
	MsgQuestion: true, MsgArtifact: true, MsgAssessment: true, MsgIntervention: true,
	MsgEscalation: true,
}

var downTypes = map[string]bool{
	MsgInstruction: true, MsgInput: true, MsgPause: true, MsgResume: true,
	MsgRedirect: true, MsgCancel: true, MsgPriority: true,
}

// autoNotifyTypes are upward types that trigger operator notification.
var autoNotifyTypes = map[string]bool{
	MsgCompleted: true, MsgFailed: true, MsgNeedsInput: true, MsgEscalation: true,
}

// RequiresNotification reports whether an upward message of this type (or
// an assessment/intervention) should notify the operator.
func RequiresNotification(msgType string) bool {
	return autoNotifyTypes[msgType] || msgType == MsgAssessment || msgType == MsgIntervention
}

// TaskMessage is one ITC protocol message.
type TaskMessage struct {
	ID           int64
	MsgID        string
	TaskID       string
	Timestamp    time.Time
	Direction    Direction
	Type         string
	FromTier     Tier
	Content      string
	Detail       string
	ArtifactURL  string
	Acknowledged bool
}
