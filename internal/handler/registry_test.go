package handler

import (
	"context"
	"testing"

	"github.com/chronopool/scheduler/internal/model"
	"github.com/stretchr/testify/require"
)

func TestRegister_DuplicatePanics(t *testing.T) {
	reset()
	defer reset()

	RegisterFunc("dup", func(context.Context, model.JSONMap) (model.JSONMap, error) { return nil, nil })

	require.Panics(t, func() {
		RegisterFunc("dup", func(context.Context, model.JSONMap) (model.JSONMap, error) { return nil, nil })
	})
}

func TestLookup_UnknownNameNotOK(t *testing.T) {
	reset()
	defer reset()

	_, ok := Lookup("does-not-exist")
	require.False(t, ok)
}

func TestLookup_ReturnsWorkingHandler(t *testing.T) {
	reset()
	defer reset()

	RegisterFunc("add-one", func(_ context.Context, params model.JSONMap) (model.JSONMap, error) {
		n, _ := params["n"].(int)
		return model.JSONMap{"n": n + 1}, nil
	})

	h, ok := Lookup("add-one")
	require.True(t, ok)

	result, err := h.Execute(context.Background(), model.JSONMap{"n": 1})
	require.NoError(t, err)
	require.Equal(t, 2, result["n"])
}
