// Package scheduler fires scheduled jobs into the broker. A single dispatcher
// goroutine owns all timing decisions; job mutations from the control plane
// synchronize through the scheduler mutex and wake the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fairyhunter13/taskhub/internal/domain"
	"github.com/fairyhunter13/taskhub/internal/observability"
)

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Fire outcomes recorded in metrics.
const (
	outcomeDispatched   = "dispatched"
	outcomeSkippedMax   = "skipped_max_instances"
	outcomeMisfired     = "misfired"
	outcomeSubmitFailed = "submit_failed"
)

// idlePoll bounds how long the dispatcher sleeps with no due jobs.
const idlePoll = time.Minute

// job is a ScheduledJob plus dispatcher-owned runtime state.
type job struct {
	domain.ScheduledJob
	sched cron.Schedule
	// activeIDs are this job's dispatched tasks not yet observed terminal.
	activeIDs []string
	done      bool
}

// Scheduler dispatches scheduled jobs as task envelopes.
type Scheduler struct {
	broker     domain.Broker
	tracker    domain.Tracker
	maxRetries int

	mu   sync.Mutex
	jobs map[string]*job
	wake chan struct{}
	now  func() time.Time
}

// New constructs a scheduler. maxRetries is stamped on dispatched envelopes.
func New(broker domain.Broker, tracker domain.Tracker, maxRetries int) *Scheduler {
	return &Scheduler{
		broker:     broker,
		tracker:    tracker,
		maxRetries: maxRetries,
		jobs:       map[string]*job{},
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// AddJob registers a job and computes its first run time.
func (s *Scheduler) AddJob(sj domain.ScheduledJob) error {
	if sj.JobID == "" || sj.TaskName == "" {
		return fmt.Errorf("op=scheduler.add_job: %w: job_id and task_name are required", domain.ErrInvalidArgument)
	}
	if err := sj.Trigger.Validate(); err != nil {
		return fmt.Errorf("op=scheduler.add_job: %w", err)
	}
	if sj.MaxInstances <= 0 {
		sj.MaxInstances = 1
	}
	j := &job{ScheduledJob: sj}
	if sj.Trigger.Kind() == "cron" {
		sched, err := cronParser.Parse(sj.Trigger.Cron)
		if err != nil {
			return fmt.Errorf("op=scheduler.add_job: %w: cron %q: %v", domain.ErrInvalidArgument, sj.Trigger.Cron, err)
		}
		j.sched = sched
	}
	now := s.now().UTC()
	next := j.nextAfter(now)
	j.NextRunTime = next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[sj.JobID]; dup {
		return fmt.Errorf("op=scheduler.add_job: %w: job %q already registered", domain.ErrInvalidArgument, sj.JobID)
	}
	s.jobs[sj.JobID] = j
	s.wakeUp()
	slog.Info("scheduled job registered",
		slog.String("job_id", sj.JobID),
		slog.String("task_name", sj.TaskName),
		slog.String("trigger", sj.Trigger.Kind()))
	return nil
}

// RemoveJob unregisters a job.
func (s *Scheduler) RemoveJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("op=scheduler.remove_job: %w", domain.ErrNotFound)
	}
	delete(s.jobs, jobID)
	s.wakeUp()
	return nil
}

// PauseJob stops firing without losing the job.
func (s *Scheduler) PauseJob(jobID string) error {
	return s.setPaused(jobID, true)
}

// ResumeJob reactivates a paused job; the next run is computed from now so
// runs missed while paused are not replayed.
func (s *Scheduler) ResumeJob(jobID string) error {
	return s.setPaused(jobID, false)
}

func (s *Scheduler) setPaused(jobID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=scheduler.set_paused: %w", domain.ErrNotFound)
	}
	j.Paused = paused
	if !paused && !j.done {
		j.NextRunTime = j.nextAfter(s.now().UTC())
	}
	s.wakeUp()
	return nil
}

// RunJobNow fires a job immediately, bypassing its trigger but not its
// max-instances bound.
func (s *Scheduler) RunJobNow(ctx context.Context, jobID string) (domain.TaskEnvelope, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return domain.TaskEnvelope{}, fmt.Errorf("op=scheduler.run_now: %w", domain.ErrNotFound)
	}
	env, outcome, err := s.fire(ctx, j)
	if err != nil {
		return domain.TaskEnvelope{}, err
	}
	if outcome == outcomeSkippedMax {
		return domain.TaskEnvelope{}, fmt.Errorf("op=scheduler.run_now: %w: max instances reached", domain.ErrInvalidArgument)
	}
	return env, nil
}

// ListJobs returns registered jobs sorted by id.
func (s *Scheduler) ListJobs() []domain.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.ScheduledJob)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out
}

// GetJob returns one job by id.
func (s *Scheduler) GetJob(jobID string) (domain.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ScheduledJob{}, fmt.Errorf("op=scheduler.get_job: %w", domain.ErrNotFound)
	}
	return j.ScheduledJob, nil
}

// Run drives the dispatcher until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started")
	for {
		wakeAt := s.dispatchDue(ctx)
		sleep := idlePoll
		if !wakeAt.IsZero() {
			if d := wakeAt.Sub(s.now()); d < sleep {
				sleep = d
			}
		}
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatchDue fires every due job once and returns the earliest upcoming
// run time, or zero when no job is scheduled.
func (s *Scheduler) dispatchDue(ctx context.Context) time.Time {
	now := s.now().UTC()

	s.mu.Lock()
	due := make([]*job, 0)
	for _, j := range s.jobs {
		if j.Paused || j.done || j.NextRunTime == nil {
			continue
		}
		if !j.NextRunTime.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fireDue(ctx, j, now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, j := range s.jobs {
		if j.Paused || j.done || j.NextRunTime == nil {
			continue
		}
		if earliest.IsZero() || j.NextRunTime.Before(earliest) {
			earliest = *j.NextRunTime
		}
	}
	return earliest
}

// fireDue handles one due job. Runs later than the misfire grace still fire,
// once: advance then moves the schedule past now, so however many occurrences
// were missed, they coalesce into this single dispatch.
func (s *Scheduler) fireDue(ctx context.Context, j *job, now time.Time) {
	s.mu.Lock()
	scheduledFor := *j.NextRunTime
	grace := time.Duration(j.MisfireGraceSeconds) * time.Second
	s.mu.Unlock()

	if grace > 0 && now.Sub(scheduledFor) > grace {
		slog.Warn("scheduled run misfired, coalescing missed occurrences",
			slog.String("job_id", j.JobID),
			slog.Time("scheduled_for", scheduledFor),
			slog.Duration("late_by", now.Sub(scheduledFor)))
		observability.SchedulerFiresTotal.WithLabelValues(j.JobID, outcomeMisfired).Inc()
	}

	if _, _, err := s.fire(ctx, j); err != nil {
		slog.Error("scheduled dispatch failed", slog.String("job_id", j.JobID), slog.Any("error", err))
	}
	s.advance(j, now)
}

// fire dispatches one envelope for the job, honoring max instances. Active
// instances are the ids this process dispatched plus running tracker records
// carrying the job label, so the bound survives a scheduler restart.
func (s *Scheduler) fire(ctx context.Context, j *job) (domain.TaskEnvelope, string, error) {
	s.mu.Lock()
	s.reapActiveLocked(ctx, j)
	known := make(map[string]bool, len(j.activeIDs))
	for _, id := range j.activeIDs {
		known[id] = true
	}
	active := len(j.activeIDs)
	maxInstances := j.MaxInstances
	s.mu.Unlock()

	active += s.runningElsewhere(ctx, j.JobID, known)
	if active >= maxInstances {
		slog.Warn("scheduled run skipped, previous instances still active",
			slog.String("job_id", j.JobID),
			slog.Int("active", active),
			slog.Int("max_instances", maxInstances))
		observability.SchedulerFiresTotal.WithLabelValues(j.JobID, outcomeSkippedMax).Inc()
		return domain.TaskEnvelope{}, outcomeSkippedMax, nil
	}

	labels := map[string]any{"job_id": j.JobID}
	env := domain.NewEnvelope(j.TaskName, j.QueueName, j.Args, j.Kwargs, labels, s.maxRetries)
	s.mu.Lock()
	j.activeIDs = append(j.activeIDs, env.TaskID)
	s.mu.Unlock()

	if err := s.tracker.OnTaskSubmit(ctx, env); err != nil {
		slog.Error("tracker submit failed", slog.String("task_id", env.TaskID), slog.Any("error", err))
	}
	if err := s.broker.Submit(ctx, env); err != nil {
		s.dropActive(j, env.TaskID)
		observability.SchedulerFiresTotal.WithLabelValues(j.JobID, outcomeSubmitFailed).Inc()
		return domain.TaskEnvelope{}, outcomeSubmitFailed, fmt.Errorf("op=scheduler.fire: %w", err)
	}
	observability.SchedulerFiresTotal.WithLabelValues(j.JobID, outcomeDispatched).Inc()
	slog.Info("scheduled job dispatched",
		slog.String("job_id", j.JobID),
		slog.String("task_id", env.TaskID),
		slog.String("task_name", j.TaskName))
	return env, outcomeDispatched, nil
}

// runningElsewhere counts running records carrying the job label that this
// process did not dispatch, typically runs from before a restart. A tracker
// error counts as zero; the in-memory ids still bound the common case.
func (s *Scheduler) runningElsewhere(ctx context.Context, jobID string, known map[string]bool) int {
	running, err := s.tracker.GetRunningTasks(ctx)
	if err != nil {
		slog.Warn("running-instance count unavailable", slog.String("job_id", jobID), slog.Any("error", err))
		return 0
	}
	n := 0
	for _, rt := range running {
		if known[rt.TaskID] {
			continue
		}
		if id, _ := rt.Labels["job_id"].(string); id == jobID {
			n++
		}
	}
	return n
}

func (s *Scheduler) dropActive(j *job, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range j.activeIDs {
		if id == taskID {
			j.activeIDs = append(j.activeIDs[:i], j.activeIDs[i+1:]...)
			return
		}
	}
}

// reapActiveLocked drops dispatched task ids that have reached a terminal
// state. Ids the tracker no longer knows are treated as finished.
func (s *Scheduler) reapActiveLocked(ctx context.Context, j *job) {
	live := j.activeIDs[:0]
	for _, id := range j.activeIDs {
		rec, err := s.tracker.GetTaskDetails(ctx, id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				// Tracker trouble: keep the id, better to under-fire than
				// pile up instances.
				live = append(live, id)
			}
			continue
		}
		if !rec.Status.Terminal() {
			live = append(live, id)
		}
	}
	j.activeIDs = live
}

// advance computes the run after now. Date triggers complete after one due
// time regardless of outcome.
func (s *Scheduler) advance(j *job, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.Trigger.Kind() == "date" {
		j.done = true
		j.NextRunTime = nil
		return
	}
	j.NextRunTime = j.nextAfter(now)
}

// nextAfter computes the first run strictly after t.
func (j *job) nextAfter(t time.Time) *time.Time {
	switch j.Trigger.Kind() {
	case "cron":
		next := j.sched.Next(t)
		if next.IsZero() {
			return nil
		}
		return &next
	case "interval":
		next := t.Add(j.Trigger.Every)
		return &next
	case "date":
		if j.done {
			return nil
		}
		at := j.Trigger.At.UTC()
		return &at
	}
	return nil
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
