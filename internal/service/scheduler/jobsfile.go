package scheduler

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// jobsFile is the on-disk shape of the scheduled jobs config.
type jobsFile struct {
	Jobs []jobSpec `yaml:"jobs"`
}

type jobSpec struct {
	JobID               string         `yaml:"job_id"`
	JobName             string         `yaml:"job_name"`
	TaskName            string         `yaml:"task_name"`
	QueueName           string         `yaml:"queue_name"`
	Args                []any          `yaml:"args"`
	Kwargs              map[string]any `yaml:"kwargs"`
	Cron                string         `yaml:"cron"`
	Every               string         `yaml:"every"`
	At                  string         `yaml:"at"`
	Paused              bool           `yaml:"paused"`
	MisfireGraceSeconds int            `yaml:"misfire_grace_seconds"`
	MaxInstances        int            `yaml:"max_instances"`
}

// LoadJobsFile reads scheduled jobs from a YAML file. Durations use Go
// syntax ("30s", "5m"), dates use RFC 3339.
func LoadJobsFile(path string) ([]domain.ScheduledJob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.load_jobs: %w", err)
	}
	var f jobsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=scheduler.load_jobs: %w", err)
	}

	jobs := make([]domain.ScheduledJob, 0, len(f.Jobs))
	seen := map[string]struct{}{}
	for i, spec := range f.Jobs {
		sj, err := spec.toJob()
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.load_jobs: job %d (%s): %w", i, spec.JobID, err)
		}
		if _, dup := seen[sj.JobID]; dup {
			return nil, fmt.Errorf("op=scheduler.load_jobs: %w: duplicate job_id %q", domain.ErrInvalidArgument, sj.JobID)
		}
		seen[sj.JobID] = struct{}{}
		jobs = append(jobs, sj)
	}
	return jobs, nil
}

func (s jobSpec) toJob() (domain.ScheduledJob, error) {
	if s.JobID == "" {
		return domain.ScheduledJob{}, fmt.Errorf("%w: job_id is required", domain.ErrInvalidArgument)
	}
	if s.TaskName == "" {
		return domain.ScheduledJob{}, fmt.Errorf("%w: task_name is required", domain.ErrInvalidArgument)
	}

	var trig domain.TriggerSpec
	trig.Cron = s.Cron
	if s.Every != "" {
		every, err := time.ParseDuration(s.Every)
		if err != nil {
			return domain.ScheduledJob{}, fmt.Errorf("%w: every %q: %v", domain.ErrInvalidArgument, s.Every, err)
		}
		trig.Every = every
	}
	if s.At != "" {
		at, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return domain.ScheduledJob{}, fmt.Errorf("%w: at %q: %v", domain.ErrInvalidArgument, s.At, err)
		}
		trig.At = &at
	}
	if err := trig.Validate(); err != nil {
		return domain.ScheduledJob{}, err
	}

	return domain.ScheduledJob{
		JobID:               s.JobID,
		JobName:             s.JobName,
		TaskName:            s.TaskName,
		QueueName:           s.QueueName,
		Args:                s.Args,
		Kwargs:              s.Kwargs,
		Trigger:             trig,
		Paused:              s.Paused,
		MisfireGraceSeconds: s.MisfireGraceSeconds,
		MaxInstances:        s.MaxInstances,
	}, nil
}
