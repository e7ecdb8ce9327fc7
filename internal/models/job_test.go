package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusSuccess, false},
		{StatusQueued, StatusFailed, true},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusQueued, true},
		{StatusRunning, StatusCancelled, true},
		{StatusSuccess, StatusQueued, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusQueued, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestJobCanRetry(t *testing.T) {
	j := Job{MaxRetries: 2}
	assert.True(t, j.CanRetry())
	j.RetryCount = 2
	assert.False(t, j.CanRetry())
}
