package opstats_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-pipelines/orchestrator/internal/opstats"
)

func TestTrackerRecordAndTotals(t *testing.T) {
	tr := opstats.New(10)

	tr.Record("ready", time.Now(), time.Millisecond, opstats.OutcomeFound, nil)
	tr.Record("ready", time.Now(), time.Millisecond, opstats.OutcomeEmpty, nil)
	tr.Record("ready", time.Now(), time.Millisecond, opstats.OutcomeError, errors.New("boom"))

	totals := tr.Totals("ready")
	assert.Equal(t, int64(1), totals[opstats.OutcomeFound])
	assert.Equal(t, int64(1), totals[opstats.OutcomeEmpty])
	assert.Equal(t, int64(1), totals[opstats.OutcomeError])

	recent := tr.Recent("ready")
	require.Len(t, recent, 3)
	assert.Equal(t, "boom", recent[2].Error)
}

func TestTrackerEvictsOldestAtCapacity(t *testing.T) {
	tr := opstats.New(2)

	for i := 0; i < 5; i++ {
		tr.Record("ready", time.Now(), time.Millisecond, opstats.OutcomeFound, nil)
	}

	recent := tr.Recent("ready")
	assert.Len(t, recent, 2, "ring buffer must not grow past its configured capacity")

	totals := tr.Totals("ready")
	assert.Equal(t, int64(5), totals[opstats.OutcomeFound], "lifetime totals keep counting past the ring buffer window")
}

func TestTrackerRecentIsUnaffectedQueue(t *testing.T) {
	tr := opstats.New(10)
	tr.Record("ready", time.Now(), time.Millisecond, opstats.OutcomeFound, nil)

	assert.Empty(t, tr.Recent("in_flight"))
	assert.Empty(t, tr.Totals("in_flight"))
}

func TestWrapRecordsFoundEmptyAndError(t *testing.T) {
	tr := opstats.New(10)

	found := tr.Wrap("ready", func(ctx context.Context) (bool, error) { return true, nil })
	empty := tr.Wrap("ready", func(ctx context.Context) (bool, error) { return false, nil })
	failing := tr.Wrap("ready", func(ctx context.Context) (bool, error) { return false, errors.New("boom") })

	ok, err := found(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = empty(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = failing(context.Background())
	require.Error(t, err)

	totals := tr.Totals("ready")
	assert.Equal(t, int64(1), totals[opstats.OutcomeFound])
	assert.Equal(t, int64(1), totals[opstats.OutcomeEmpty])
	assert.Equal(t, int64(1), totals[opstats.OutcomeError])
}
