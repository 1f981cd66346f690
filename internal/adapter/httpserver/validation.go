package httpserver

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// Paging and stats bounds.
const (
	defaultLimit  = 20
	maxLimit      = 200
	defaultHours  = 24
	maxStatsHours = 720
)

// fieldErrors accumulates per-field validation messages for 422 details.
type fieldErrors map[string]string

func (fe fieldErrors) err() error {
	if len(fe) == 0 {
		return nil
	}
	return fmt.Errorf("op=http.validate: %w", domain.ErrInvalidArgument)
}

// listParams is the parsed query surface of GET /tasks.
type listParams struct {
	Filter    domain.HistoryFilter
	Limit     int
	Offset    int
	Ascending bool
}

func parseListParams(q url.Values) (listParams, fieldErrors) {
	fe := fieldErrors{}
	p := listParams{Limit: defaultLimit}

	p.Limit = parseBoundedInt(q, "limit", defaultLimit, 1, maxLimit, fe)
	p.Offset = parseBoundedInt(q, "offset", 0, 0, 1<<30, fe)

	p.Filter.TaskName = q.Get("task_name")
	p.Filter.WorkerID = q.Get("worker_id")
	p.Filter.ErrorType = q.Get("error_type")
	if raw := q.Get("status"); raw != "" {
		st := domain.TaskStatus(raw)
		if !st.Valid() {
			fe["status"] = fmt.Sprintf("unknown status %q", raw)
		} else {
			p.Filter.Status = st
		}
	}
	p.Filter.CreatedAfter = parseTimestamp(q, "created_after", fe)
	p.Filter.CreatedBefore = parseTimestamp(q, "created_before", fe)
	p.Filter.MinDurationMS = parseDurationMS(q, "min_duration_ms", fe)
	p.Filter.MaxDurationMS = parseDurationMS(q, "max_duration_ms", fe)

	switch q.Get("order_by") {
	case "", "created_at":
	default:
		fe["order_by"] = "only created_at is supported"
	}
	switch q.Get("order_dir") {
	case "", "desc":
	case "asc":
		p.Ascending = true
	default:
		fe["order_dir"] = "must be asc or desc"
	}
	return p, fe
}

func parseBoundedInt(q url.Values, key string, def, min, max int, fe fieldErrors) int {
	raw := q.Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		fe[key] = "must be an integer"
		return def
	}
	if n < min || n > max {
		fe[key] = fmt.Sprintf("must be between %d and %d", min, max)
		return def
	}
	return n
}

func parseTimestamp(q url.Values, key string, fe fieldErrors) *time.Time {
	raw := q.Get(key)
	if raw == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		fe[key] = "must be an ISO-8601 timestamp"
		return nil
	}
	utc := ts.UTC()
	return &utc
}

func parseDurationMS(q url.Values, key string, fe fieldErrors) *int64 {
	raw := q.Get(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		fe[key] = "must be a non-negative integer"
		return nil
	}
	return &n
}

func parseStatsHours(q url.Values) (int, fieldErrors) {
	fe := fieldErrors{}
	hours := parseBoundedInt(q, "hours", defaultHours, 1, maxStatsHours, fe)
	return hours, fe
}

func parseDLQStatus(q url.Values) (domain.DLQStatus, fieldErrors) {
	fe := fieldErrors{}
	raw := q.Get("status")
	if raw == "" {
		return "", fe
	}
	st := domain.DLQStatus(raw)
	switch st {
	case domain.DLQPending, domain.DLQRetried, domain.DLQDiscarded:
		return st, fe
	}
	fe["status"] = fmt.Sprintf("unknown dead-letter status %q", raw)
	return "", fe
}
