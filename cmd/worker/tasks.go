package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/taskhub/internal/adapter/queue/shared"
)

// registerBuiltinTasks adds the diagnostic handlers every worker ships with.
// Deployments register their real handlers here as well.
func registerBuiltinTasks(reg *shared.Registry) {
	reg.MustRegister(shared.Handler{
		Name: "diag.echo",
		Fn: func(_ context.Context, req shared.Request) (any, error) {
			return map[string]any{"args": req.Args, "kwargs": req.Kwargs}, nil
		},
	})

	// diag.sleep holds an execution open for smoke-testing cancellation,
	// progress and the running-task view. kwargs: seconds, steps.
	reg.MustRegister(shared.Handler{
		Name:    "diag.sleep",
		Timeout: 5 * time.Minute,
		Fn: func(ctx context.Context, req shared.Request) (any, error) {
			seconds := numberKwarg(req.Kwargs, "seconds", 1)
			steps := int(numberKwarg(req.Kwargs, "steps", 1))
			if steps < 1 {
				steps = 1
			}
			stepDur := time.Duration(seconds / float64(steps) * float64(time.Second))
			for i := 1; i <= steps; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(stepDur):
				}
				if req.Cancelled(ctx) {
					return nil, ctx.Err()
				}
				req.Report(ctx, map[string]any{"step": i, "of": steps})
			}
			return map[string]any{"slept_seconds": seconds}, nil
		},
	})

	// diag.fail exercises the retry and dead-letter paths. kwargs: message.
	reg.MustRegister(shared.Handler{
		Name: "diag.fail",
		Fn: func(_ context.Context, req shared.Request) (any, error) {
			msg, _ := req.Kwargs["message"].(string)
			if msg == "" {
				msg = "requested failure"
			}
			return nil, fmt.Errorf("diag.fail: %s", msg)
		},
	})
}

func numberKwarg(kwargs map[string]any, key string, def float64) float64 {
	v, ok := kwargs[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return def
}
