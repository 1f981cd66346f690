// Package domain defines the task-execution data model and the ports the
// adapters implement: broker, tracker, result store and dead-letter store.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrBrokerUnavailable    = errors.New("broker unavailable")
	ErrTrackerUnavailable   = errors.New("tracker unavailable")
	ErrResultMissing        = errors.New("result missing")
	ErrHandlerNotRegistered = errors.New("handler not registered")
	ErrNotCancellable       = errors.New("not cancellable")
	ErrInternal             = errors.New("internal error")
)

// TaskStatus enumerates execution states. Transitions form a strict DAG:
// pending -> running -> {success|failure|cancelled}, plus pending -> cancelled.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailure   TaskStatus = "failure"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure || s == TaskCancelled
}

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskSuccess, TaskFailure, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the from -> to edge exists in the status DAG.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskCancelled
	case TaskRunning:
		return to.Terminal()
	}
	return false
}

// TaskEnvelope is the wire-level unit that flows through the broker.
// TaskID is immutable and unique across all live and historical envelopes
// within retention.
type TaskEnvelope struct {
	TaskID     string         `json:"task_id"`
	TaskName   string         `json:"task_name"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	Labels     map[string]any `json:"labels,omitempty"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	QueueName  string         `json:"queue_name"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// NewEnvelope mints an envelope with a fresh UUIDv4 task id.
func NewEnvelope(taskName, queue string, args []any, kwargs, labels map[string]any, maxRetries int) TaskEnvelope {
	return TaskEnvelope{
		TaskID:     uuid.New().String(),
		TaskName:   taskName,
		Args:       args,
		Kwargs:     kwargs,
		Labels:     labels,
		MaxRetries: maxRetries,
		QueueName:  queue,
		EnqueuedAt: time.Now().UTC(),
	}
}

// ExecutionRecord is the tracker's authoritative row for one task id.
// The tracker stores the latest attempt; prior attempts live in the DLQ.
type ExecutionRecord struct {
	TaskID         string          `json:"task_id"`
	TaskName       string          `json:"task_name"`
	Status         TaskStatus      `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	DurationMS     *int64          `json:"duration_ms,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	QueueName      string          `json:"queue_name,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	ReturnValue    json.RawMessage `json:"return_value,omitempty"`
	ErrorType      string          `json:"error_type,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorTraceback string          `json:"error_traceback,omitempty"`
	TaskArgs       []any           `json:"task_args,omitempty"`
	TaskKwargs     map[string]any  `json:"task_kwargs,omitempty"`
	Labels         map[string]any  `json:"labels,omitempty"`
	Progress       json.RawMessage `json:"progress,omitempty"`
}

// RunningTask annotates a running record with its elapsed time.
type RunningTask struct {
	ExecutionRecord
	RunningForMS int64 `json:"running_for_ms"`
}

// Stats aggregates executions inside a trailing window.
type Stats struct {
	WindowHours    int              `json:"window_hours"`
	TotalCount     int64            `json:"total_count"`
	PendingCount   int64            `json:"pending_count"`
	RunningCount   int64            `json:"running_count"`
	SuccessCount   int64            `json:"success_count"`
	FailureCount   int64            `json:"failure_count"`
	CancelledCount int64            `json:"cancelled_count"`
	ByTaskName     map[string]int64 `json:"by_task_name"`
	AvgDurationMS  float64          `json:"avg_duration_ms"`
}

// HistoryFilter narrows tracker history queries. Zero-valued fields are
// inactive. Duration bounds are inclusive.
type HistoryFilter struct {
	TaskName      string
	Status        TaskStatus
	WorkerID      string
	ErrorType     string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	MinDurationMS *int64
	MaxDurationMS *int64
}

// Empty reports whether no filter field is active.
func (f HistoryFilter) Empty() bool {
	return f.TaskName == "" && f.Status == "" && f.WorkerID == "" && f.ErrorType == "" &&
		f.CreatedAfter == nil && f.CreatedBefore == nil && f.MinDurationMS == nil && f.MaxDurationMS == nil
}

// Matches applies the filter to a record in memory. The KV tracker uses this
// for the residual filters its indices cannot serve.
func (f HistoryFilter) Matches(rec ExecutionRecord) bool {
	if f.TaskName != "" && rec.TaskName != f.TaskName {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.WorkerID != "" && rec.WorkerID != f.WorkerID {
		return false
	}
	if f.ErrorType != "" && rec.ErrorType != f.ErrorType {
		return false
	}
	if f.CreatedAfter != nil && rec.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && rec.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.MinDurationMS != nil && (rec.DurationMS == nil || *rec.DurationMS < *f.MinDurationMS) {
		return false
	}
	if f.MaxDurationMS != nil && (rec.DurationMS == nil || *rec.DurationMS > *f.MaxDurationMS) {
		return false
	}
	return true
}

// StartEvent carries everything on_task_start records.
type StartEvent struct {
	TaskID     string
	TaskName   string
	WorkerID   string
	QueueName  string
	Args       []any
	Kwargs     map[string]any
	Labels     map[string]any
	RetryCount int
	MaxRetries int
}

// FinishEvent carries everything on_task_finish records. Status must be
// success or failure; the tracker rejects anything else.
type FinishEvent struct {
	TaskID         string
	Status         TaskStatus
	ReturnValue    json.RawMessage
	ErrorType      string
	ErrorMessage   string
	ErrorTraceback string
	DurationMS     int64
}

// Tracker (port) is the authoritative index of execution attempts. Both the
// KV and relational implementations share these semantics exactly.
//
// OnTaskStart is an idempotent upsert: it returns the post-call status so a
// worker can observe cancellation before invoking the handler. A start on a
// terminal record other than a retryable failure is a no-op on status.
// OnTaskFinish never overwrites a terminal status.
// OnTaskSubmit records a pending row at enqueue time so a task can be
// cancelled before any worker picks it up.
type Tracker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	OnTaskSubmit(ctx context.Context, env TaskEnvelope) error
	OnTaskStart(ctx context.Context, ev StartEvent) (TaskStatus, error)
	OnTaskFinish(ctx context.Context, ev FinishEvent) error
	CancelTask(ctx context.Context, taskID string) (bool, error)
	UpdateProgress(ctx context.Context, taskID string, progress json.RawMessage) error
	GetRunningTasks(ctx context.Context) ([]RunningTask, error)
	GetTaskHistory(ctx context.Context, f HistoryFilter, limit, offset int) ([]ExecutionRecord, error)
	CountTaskHistory(ctx context.Context, f HistoryFilter) (int64, error)
	GetTaskDetails(ctx context.Context, taskID string) (ExecutionRecord, error)
	GetStats(ctx context.Context, windowHours int) (Stats, error)
}

// ResultEntry stores a serialized return value or error, keyed by task id.
// The tracker remains authoritative for status; entries expire per TTL.
type ResultEntry struct {
	TaskID       string          `json:"task_id"`
	Value        json.RawMessage `json:"value,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsError reports whether the entry stores a failure instead of a value.
func (e ResultEntry) IsError() bool { return e.ErrorType != "" }

// ResultStore (port) holds return values and out-of-band progress.
// GetResult with keep=false deletes atomically with the read.
type ResultStore interface {
	SetResult(ctx context.Context, entry ResultEntry, ttl time.Duration) error
	GetResult(ctx context.Context, taskID string, keep bool) (ResultEntry, error)
	IsReady(ctx context.Context, taskID string) (bool, error)
	SetProgress(ctx context.Context, taskID string, payload json.RawMessage, ttl time.Duration) error
	GetProgress(ctx context.Context, taskID string) (json.RawMessage, error)
}

// DLQStatus enumerates dead-letter entry states.
type DLQStatus string

const (
	DLQPending   DLQStatus = "pending"
	DLQRetried   DLQStatus = "retried"
	DLQDiscarded DLQStatus = "discarded"
)

// DLQEntry captures a terminally failed envelope for inspection, retry or
// discard. RetriedAs records the fresh task id minted on retry.
type DLQEntry struct {
	TaskID        string         `json:"task_id"`
	TaskName      string         `json:"task_name"`
	Args          []any          `json:"args,omitempty"`
	Kwargs        map[string]any `json:"kwargs,omitempty"`
	Labels        map[string]any `json:"labels,omitempty"`
	QueueName     string         `json:"queue_name"`
	ErrorType     string         `json:"error_type,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	RetryCount    int            `json:"retry_count"`
	FailedAt      time.Time      `json:"failed_at"`
	Status        DLQStatus      `json:"status"`
	RetriedAs     string         `json:"retried_as,omitempty"`
	DiscardReason string         `json:"discard_reason,omitempty"`
}

// DeadLetterStore (port) persists DLQ entries newest-first.
type DeadLetterStore interface {
	Record(ctx context.Context, entry DLQEntry) error
	Get(ctx context.Context, taskID string) (DLQEntry, error)
	List(ctx context.Context, limit, offset int, status DLQStatus) ([]DLQEntry, error)
	Count(ctx context.Context, status DLQStatus) (int64, error)
	MarkRetried(ctx context.Context, taskID, newTaskID string) error
	MarkDiscarded(ctx context.Context, taskID, reason string) error
}

// TaskCatalog reports which task names workers can execute. The control
// plane uses it to reject trigger requests for unknown tasks.
type TaskCatalog interface {
	Known(name string) bool
	Names() []string
}

// Broker (port) enqueues envelopes durably. Submit returns once the broker
// has accepted responsibility, or ErrBrokerUnavailable after bounded retry.
type Broker interface {
	Submit(ctx context.Context, env TaskEnvelope) error
	Close() error
}
