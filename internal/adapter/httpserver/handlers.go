package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/taskhub/internal/domain"
	"github.com/fairyhunter13/taskhub/internal/observability"
	"github.com/fairyhunter13/taskhub/internal/usecase"
)

// SchedulerControl is the slice of the scheduler the control plane exposes.
type SchedulerControl interface {
	ListJobs() []domain.ScheduledJob
	GetJob(jobID string) (domain.ScheduledJob, error)
	PauseJob(jobID string) error
	ResumeJob(jobID string) error
	RunJobNow(ctx context.Context, jobID string) (domain.TaskEnvelope, error)
}

// Server holds the handler dependencies. Jobs may be nil when no scheduler
// runs in this process; the scheduled-job routes then return 404.
type Server struct {
	Tasks usecase.TaskService
	Jobs  SchedulerControl
}

// NewServer constructs the control-plane handler set.
func NewServer(tasks usecase.TaskService, jobs SchedulerControl) *Server {
	return &Server{Tasks: tasks, Jobs: jobs}
}

// Mount registers all task routes on the given router.
func (s *Server) Mount(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Get("/running", s.listRunning)
		r.Get("/stats", s.getStats)
		r.Post("/trigger", s.triggerTask)
		r.Post("/cancel", s.cancelTask)

		r.Route("/scheduled", func(r chi.Router) {
			r.Get("/", s.listScheduled)
			r.Get("/{jobID}", s.getScheduled)
			r.Post("/{jobID}/pause", s.pauseScheduled)
			r.Post("/{jobID}/resume", s.resumeScheduled)
			r.Post("/{jobID}/run", s.runScheduled)
		})

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", s.listDLQ)
			r.Post("/retry", s.retryDLQ)
			r.Post("/discard", s.discardDLQ)
			r.Post("/bulk_retry", s.bulkRetryDLQ)
			r.Post("/bulk_discard", s.bulkDiscardDLQ)
			r.Post("/retry_all", s.retryAllDLQ)
			r.Post("/discard_all", s.discardAllDLQ)
		})

		r.Get("/{taskID}", s.getTask)
		r.Get("/{taskID}/result", s.getResult)
		r.Get("/{taskID}/progress", s.getProgress)
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	p, fe := parseListParams(r.URL.Query())
	if err := fe.err(); err != nil {
		writeError(w, err, fe)
		return
	}
	page, err := s.Tasks.Search(r.Context(), p.Filter, p.Limit, p.Offset)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	items := page.Tasks
	if p.Ascending {
		sort.SliceStable(items, func(i, k int) bool {
			return items[i].CreatedAt.Before(items[k].CreatedAt)
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  emptyAsList(items),
		"total":  page.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func (s *Server) listRunning(w http.ResponseWriter, r *http.Request) {
	running, err := s.Tasks.Running(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, emptyAsList(running))
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	hours, fe := parseStatsHours(r.URL.Query())
	if err := fe.err(); err != nil {
		writeError(w, err, fe)
		return
	}
	stats, err := s.Tasks.Stats(r.Context(), hours)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Tasks.Details(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type triggerBody struct {
	Task       string         `json:"task"`
	Params     map[string]any `json:"params,omitempty"`
	Args       []any          `json:"args,omitempty"`
	Labels     map[string]any `json:"labels,omitempty"`
	Queue      string         `json:"queue,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}

func (s *Server) triggerTask(w http.ResponseWriter, r *http.Request) {
	var body triggerBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err, nil)
		return
	}
	env, err := s.Tasks.Trigger(r.Context(), usecase.TriggerRequest{
		TaskName:   body.Task,
		QueueName:  body.Queue,
		Args:       body.Args,
		Kwargs:     body.Params,
		Labels:     body.Labels,
		MaxRetries: body.MaxRetries,
	})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":   env.TaskID,
		"task_name": env.TaskName,
		"status":    "queued",
		"message":   "task submitted to queue " + env.QueueName,
	})
}

type cancelBody struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err, nil)
		return
	}
	out, err := s.Tasks.Cancel(r.Context(), body.TaskID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	message := "cancellation requested"
	if !out.Cancelled {
		message = "task already " + string(out.Status) + ", nothing to cancel"
	}
	if body.Reason != "" {
		observability.LoggerFromContext(r.Context()).Info("cancel reason",
			slog.String("task_id", body.TaskID),
			slog.String("reason", body.Reason))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":         out.TaskID,
		"cancelled":       out.Cancelled,
		"previous_status": out.PreviousStatus,
		"status":          out.Status,
		"message":         message,
	})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	keep := r.URL.Query().Get("keep") != "false"
	entry, err := s.Tasks.Result(r.Context(), chi.URLParam(r, "taskID"), keep)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	report, err := s.Tasks.Progress(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeError(w, domain.ErrNotFound, nil)
		return
	}
	jobs := s.Jobs.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  emptyAsList(jobs),
		"count": len(jobs),
	})
}

func (s *Server) getScheduled(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeError(w, domain.ErrNotFound, nil)
		return
	}
	job, err := s.Jobs.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) pauseScheduled(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeError(w, domain.ErrNotFound, nil)
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if err := s.Jobs.PauseJob(jobID); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "paused": true})
}

func (s *Server) resumeScheduled(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeError(w, domain.ErrNotFound, nil)
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if err := s.Jobs.ResumeJob(jobID); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "resumed": true})
}

func (s *Server) runScheduled(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeError(w, domain.ErrNotFound, nil)
		return
	}
	jobID := chi.URLParam(r, "jobID")
	env, err := s.Jobs.RunJobNow(r.Context(), jobID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  jobID,
		"task_id": env.TaskID,
		"status":  "queued",
	})
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fe := fieldErrors{}
	limit := parseBoundedInt(q, "limit", defaultLimit, 1, maxLimit, fe)
	offset := parseBoundedInt(q, "offset", 0, 0, 1<<30, fe)
	status, sfe := parseDLQStatus(q)
	for k, v := range sfe {
		fe[k] = v
	}
	if err := fe.err(); err != nil {
		writeError(w, err, fe)
		return
	}
	page, err := s.Tasks.ListDeadLetters(r.Context(), limit, offset, status)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  emptyAsList(page.Entries),
		"total":  page.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

type dlqBody struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
	Max    int    `json:"max,omitempty"`
}

func (s *Server) retryDLQ(w http.ResponseWriter, r *http.Request) {
	var body dlqBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err, nil)
		return
	}
	env, err := s.Tasks.RetryDeadLetter(r.Context(), body.TaskID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"original_task_id": body.TaskID,
		"new_task_id":      env.TaskID,
		"status":           "queued",
	})
}

func (s *Server) discardDLQ(w http.ResponseWriter, r *http.Request) {
	var body dlqBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err, nil)
		return
	}
	if err := s.Tasks.DiscardDeadLetter(r.Context(), body.TaskID, body.Reason); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": body.TaskID, "discarded": true})
}

type bulkBody struct {
	TaskIDs []string `json:"task_ids"`
	Reason  string   `json:"reason,omitempty"`
}

func (s *Server) bulkRetryDLQ(w http.ResponseWriter, r *http.Request) {
	var body bulkBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err, nil)
		return
	}
	report, err := s.Tasks.BulkRetryDeadLetters(r.Context(), body.TaskIDs)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) bulkDiscardDLQ(w http.ResponseWriter, r *http.Request) {
	var body bulkBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err, nil)
		return
	}
	report, err := s.Tasks.BulkDiscardDeadLetters(r.Context(), body.TaskIDs, body.Reason)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) retryAllDLQ(w http.ResponseWriter, r *http.Request) {
	var body dlqBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err, nil)
		return
	}
	out, err := s.Tasks.RetryAllDeadLetters(r.Context(), body.Max)
	if err != nil {
		writeError(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) discardAllDLQ(w http.ResponseWriter, r *http.Request) {
	var body dlqBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err, nil)
		return
	}
	out, err := s.Tasks.DiscardAllDeadLetters(r.Context(), body.Max, body.Reason)
	if err != nil {
		writeError(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeBody parses a JSON request body, tolerating unknown fields.
func decodeBody(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("op=http.decode: %w: malformed JSON body", domain.ErrInvalidArgument)
	}
	return nil
}

// emptyAsList renders nil slices as [] instead of null.
func emptyAsList[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
