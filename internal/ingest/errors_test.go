package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   FailureKind
	}{
		{200, FailureNone},
		{204, FailureNone},
		{404, FailureNotFound},
		{410, FailureNotFound},
		{403, FailureBlocked},
		{429, FailureBlocked},
		{408, FailureTimeout},
		{500, FailureServerError},
		{503, FailureServerError},
		{400, FailureNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, StatusKind(tt.status))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("visit: %w", NewFetchError(FailureBlocked, "https://a.test", 403, nil))
	assert.Equal(t, FailureBlocked, Classify(wrapped))
	assert.Equal(t, FailureTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, FailureNone, Classify(context.Canceled))
	assert.Equal(t, FailureServerError, Classify(errors.New("connection reset")))
	assert.Equal(t, FailureNone, Classify(nil))
}

func TestFailureKindPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, FailureTimeout.Retryable())
	assert.True(t, FailureServerError.Retryable())
	assert.False(t, FailureNotFound.Retryable())
	assert.True(t, FailureNotFound.Permanent())
	assert.True(t, FailureBlocked.Permanent())
	assert.True(t, FailureEmpty.IsContent())
	assert.False(t, FailureEmpty.Permanent())
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("boom")
	err := NewFetchError(FailureServerError, "https://a.test/x", 0, inner)
	require.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "server-error")
}

func TestBuildSummaryFlagsNoisySources(t *testing.T) {
	t.Parallel()

	rows, totals := BuildSummary(map[string]Counters{
		"quiet": {Fetched: 20, Failed: 1, Accepted: 19},
		"noisy": {Fetched: 20, Failed: 15, Accepted: 5},
		"tiny":  {Fetched: 2, Failed: 2},
	}, 0.5, 10)

	require.Len(t, rows, 3)
	assert.Equal(t, "noisy", rows[0].Source)
	assert.True(t, rows[0].Flagged)
	assert.False(t, rows[1].Flagged)
	assert.False(t, rows[2].Flagged, "too few fetches to judge")
	assert.Equal(t, 42, totals.Fetched)
	assert.Equal(t, 18, totals.Failed)
}
