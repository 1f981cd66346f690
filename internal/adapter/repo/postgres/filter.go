package postgres

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// historyWhere renders a HistoryFilter into a WHERE clause with positional
// args. startArg is the first $n to use, so callers can append LIMIT/OFFSET
// args after the filter's. An empty filter yields an empty clause.
func historyWhere(f domain.HistoryFilter, startArg int) (string, []any) {
	var conds []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", startArg+len(args)-1)
	}
	if f.TaskName != "" {
		conds = append(conds, "task_name = "+next(f.TaskName))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+next(string(f.Status)))
	}
	if f.WorkerID != "" {
		conds = append(conds, "worker_id = "+next(f.WorkerID))
	}
	if f.ErrorType != "" {
		conds = append(conds, "error_type = "+next(f.ErrorType))
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at >= "+next(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at <= "+next(*f.CreatedBefore))
	}
	if f.MinDurationMS != nil {
		conds = append(conds, "duration_ms >= "+next(*f.MinDurationMS))
	}
	if f.MaxDurationMS != nil {
		conds = append(conds, "duration_ms <= "+next(*f.MaxDurationMS))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
