// Package builtin registers a small set of reference handlers used by
// the test suite and by operators wiring their first cron job: "echo"
// returns its params verbatim (spec.md scenario S1), and "sample"
// mirrors the original Python source's sample.py test handler
// (sleep_seconds / should_fail / message), useful for exercising
// timeout and retry behavior end to end (scenarios S2-S4).
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/chronopool/scheduler/internal/handler"
	"github.com/chronopool/scheduler/internal/model"
	"github.com/spf13/cast"
)

func init() {
	handler.RegisterFunc("echo", echo)
	handler.RegisterFunc("sample", sample)
}

func echo(_ context.Context, params model.JSONMap) (model.JSONMap, error) {
	return params, nil
}

func sample(ctx context.Context, params model.JSONMap) (model.JSONMap, error) {
	sleepSeconds := cast.ToFloat64(params["sleep_seconds"])
	shouldFail := cast.ToBool(params["should_fail"])
	message := cast.ToString(params["message"])
	if message == "" {
		message = "sample job executed"
	}

	if sleepSeconds > 0 {
		select {
		case <-time.After(time.Duration(sleepSeconds * float64(time.Second))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if shouldFail {
		return nil, fmt.Errorf("simulated failure: %s", message)
	}

	return model.JSONMap{"action": "execute", "data": map[string]any{"message": message}}, nil
}
