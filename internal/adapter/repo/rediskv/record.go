// Package rediskv implements the execution tracker and result store on a
// Redis-family backend. Records live in hashes; sorted-set indices scored by
// created_at support newest-first history without scans. The key prefix is
// configurable so deployments can coexist on one Redis.
package rediskv

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

const (
	fieldTaskID         = "task_id"
	fieldTaskName       = "task_name"
	fieldStatus         = "status"
	fieldCreatedAt      = "created_at"
	fieldStartedAt      = "started_at"
	fieldFinishedAt     = "finished_at"
	fieldDurationMS     = "duration_ms"
	fieldWorkerID       = "worker_id"
	fieldQueueName      = "queue_name"
	fieldRetryCount     = "retry_count"
	fieldMaxRetries     = "max_retries"
	fieldReturnValue    = "return_value"
	fieldErrorType      = "error_type"
	fieldErrorMessage   = "error_message"
	fieldErrorTraceback = "error_traceback"
	fieldTaskArgs       = "task_args"
	fieldTaskKwargs     = "task_kwargs"
	fieldLabels         = "labels"
	fieldProgress       = "progress"
)

// recordFields flattens a record into hash fields. Composite fields are
// JSON-encoded; absent optionals are omitted so HGetAll stays sparse.
func recordFields(rec domain.ExecutionRecord) (map[string]any, error) {
	fields := map[string]any{
		fieldTaskID:     rec.TaskID,
		fieldTaskName:   rec.TaskName,
		fieldStatus:     string(rec.Status),
		fieldCreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldRetryCount: strconv.Itoa(rec.RetryCount),
		fieldMaxRetries: strconv.Itoa(rec.MaxRetries),
	}
	if rec.StartedAt != nil {
		fields[fieldStartedAt] = rec.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.FinishedAt != nil {
		fields[fieldFinishedAt] = rec.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.DurationMS != nil {
		fields[fieldDurationMS] = strconv.FormatInt(*rec.DurationMS, 10)
	}
	if rec.WorkerID != "" {
		fields[fieldWorkerID] = rec.WorkerID
	}
	if rec.QueueName != "" {
		fields[fieldQueueName] = rec.QueueName
	}
	if len(rec.ReturnValue) > 0 {
		fields[fieldReturnValue] = string(rec.ReturnValue)
	}
	if rec.ErrorType != "" {
		fields[fieldErrorType] = rec.ErrorType
	}
	if rec.ErrorMessage != "" {
		fields[fieldErrorMessage] = rec.ErrorMessage
	}
	if rec.ErrorTraceback != "" {
		fields[fieldErrorTraceback] = rec.ErrorTraceback
	}
	if len(rec.Progress) > 0 {
		fields[fieldProgress] = string(rec.Progress)
	}
	for name, v := range map[string]any{
		fieldTaskArgs:   rec.TaskArgs,
		fieldTaskKwargs: rec.TaskKwargs,
		fieldLabels:     rec.Labels,
	} {
		if v == nil {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		fields[name] = string(b)
	}
	return fields, nil
}

// parseRecord rebuilds a record from HGetAll output.
func parseRecord(fields map[string]string) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	rec.TaskID = fields[fieldTaskID]
	rec.TaskName = fields[fieldTaskName]
	rec.Status = domain.TaskStatus(fields[fieldStatus])
	rec.WorkerID = fields[fieldWorkerID]
	rec.QueueName = fields[fieldQueueName]
	rec.ErrorType = fields[fieldErrorType]
	rec.ErrorMessage = fields[fieldErrorMessage]
	rec.ErrorTraceback = fields[fieldErrorTraceback]

	created, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	if err != nil {
		return rec, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = created

	if s := fields[fieldStartedAt]; s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return rec, fmt.Errorf("parse started_at: %w", err)
		}
		rec.StartedAt = &t
	}
	if s := fields[fieldFinishedAt]; s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return rec, fmt.Errorf("parse finished_at: %w", err)
		}
		rec.FinishedAt = &t
	}
	if s := fields[fieldDurationMS]; s != "" {
		d, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("parse duration_ms: %w", err)
		}
		rec.DurationMS = &d
	}
	if s := fields[fieldRetryCount]; s != "" {
		rec.RetryCount, _ = strconv.Atoi(s)
	}
	if s := fields[fieldMaxRetries]; s != "" {
		rec.MaxRetries, _ = strconv.Atoi(s)
	}
	if s := fields[fieldReturnValue]; s != "" {
		rec.ReturnValue = json.RawMessage(s)
	}
	if s := fields[fieldProgress]; s != "" {
		rec.Progress = json.RawMessage(s)
	}
	if s := fields[fieldTaskArgs]; s != "" {
		if err := json.Unmarshal([]byte(s), &rec.TaskArgs); err != nil {
			return rec, fmt.Errorf("decode task_args: %w", err)
		}
	}
	if s := fields[fieldTaskKwargs]; s != "" {
		if err := json.Unmarshal([]byte(s), &rec.TaskKwargs); err != nil {
			return rec, fmt.Errorf("decode task_kwargs: %w", err)
		}
	}
	if s := fields[fieldLabels]; s != "" {
		if err := json.Unmarshal([]byte(s), &rec.Labels); err != nil {
			return rec, fmt.Errorf("decode labels: %w", err)
		}
	}
	return rec, nil
}
