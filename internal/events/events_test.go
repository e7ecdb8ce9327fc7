package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/store"
)

type failingSink struct{}

func (failingSink) Emit(context.Context, models.Event) error { return errors.New("sink down") }

func TestLog_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.Emit(context.Background(), models.Event{
		JobID:     "j1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:     models.LevelWarn,
		Source:    "worker",
		Message:   Retrying,
		Data:      map[string]any{"retry_count": 1},
	})
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, Retrying, rec["msg"])
	assert.Equal(t, "j1", rec["job_id"])
	assert.Equal(t, "worker", rec["source"])
	assert.Equal(t, map[string]any{"retry_count": float64(1)}, rec["data"])
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	mem := store.NewMemory()
	f := Fanout{failingSink{}, NewStore(mem)}

	err := f.Emit(context.Background(), models.Event{JobID: "j1", Message: Started})
	assert.ErrorContains(t, err, "sink down")

	events, err := mem.ListEvents(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Started, events[0].Message)
}
