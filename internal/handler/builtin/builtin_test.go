package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/chronopool/scheduler/internal/handler"
	"github.com/chronopool/scheduler/internal/model"
	"github.com/stretchr/testify/require"
)

func TestEcho_ReturnsParamsVerbatim(t *testing.T) {
	h, ok := handler.Lookup("echo")
	require.True(t, ok)

	params := model.JSONMap{"x": float64(1)}
	result, err := h.Execute(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, params, result)
}

func TestSample_FailsWhenRequested(t *testing.T) {
	h, ok := handler.Lookup("sample")
	require.True(t, ok)

	_, err := h.Execute(context.Background(), model.JSONMap{"should_fail": true})
	require.Error(t, err)
}

func TestSample_HonorsContextCancellation(t *testing.T) {
	h, ok := handler.Lookup("sample")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Execute(ctx, model.JSONMap{"sleep_seconds": 5})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
