package domain

import (
	"fmt"
	"time"
)

// TriggerSpec is a tagged variant: exactly one of Cron, Every or At is set.
type TriggerSpec struct {
	Cron  string         `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every time.Duration  `json:"every,omitempty" yaml:"every,omitempty"`
	At    *time.Time     `json:"at,omitempty" yaml:"at,omitempty"`
}

// Kind reports the variant name: cron, interval or date.
func (t TriggerSpec) Kind() string {
	switch {
	case t.Cron != "":
		return "cron"
	case t.Every > 0:
		return "interval"
	case t.At != nil:
		return "date"
	}
	return ""
}

// Validate rejects empty and multiply-tagged specs.
func (t TriggerSpec) Validate() error {
	n := 0
	if t.Cron != "" {
		n++
	}
	if t.Every > 0 {
		n++
	}
	if t.At != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: trigger must set exactly one of cron, every, at", ErrInvalidArgument)
	}
	return nil
}

// ScheduledJob is a periodic trigger registered at scheduler startup. Jobs
// are stateless across restarts; next_run_time is recomputed on load.
type ScheduledJob struct {
	JobID               string         `json:"job_id"`
	JobName             string         `json:"job_name"`
	TaskName            string         `json:"task_name"`
	QueueName           string         `json:"queue_name,omitempty"`
	Args                []any          `json:"args,omitempty"`
	Kwargs              map[string]any `json:"kwargs,omitempty"`
	Trigger             TriggerSpec    `json:"trigger"`
	NextRunTime         *time.Time     `json:"next_run_time,omitempty"`
	Paused              bool           `json:"paused"`
	MisfireGraceSeconds int            `json:"misfire_grace_seconds"`
	MaxInstances        int            `json:"max_instances"`
}
