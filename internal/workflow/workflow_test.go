package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(t Type) Func {
	return Func{T: t, Fn: func(_ context.Context, wc Context, payload map[string]any) (any, error) {
		return map[string]any{"job": wc.JobID, "payload": payload}, nil
	}}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echo(TypeAICall)))

	w, err := r.Lookup("ai_call")
	require.NoError(t, err)
	out, err := w.Run(context.Background(), Context{JobID: "j1"}, map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "j1", out.(map[string]any)["job"])

	_, err = r.Lookup("unknown")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echo(TypeAICall)))
	assert.ErrorIs(t, r.Register(echo(TypeAICall)), ErrDuplicate)
	assert.Panics(t, func() { r.MustRegister(echo(TypeAICall)) })
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echo(TypeAICall), echo(TypeReportGeneration))

	err := r.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Contains(t, err.Error(), "media_thumbnail")
	assert.NotContains(t, err.Error(), "ai_call")

	r.MustRegister(echo(TypeRewardEvaluation), echo(TypeMetricsComputation), echo(TypeMediaThumbnail))
	assert.NoError(t, r.Validate())
	assert.Len(t, r.Types(), len(Known))
}
