package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/civic-desk/internal/queue"
)

func TestHandlingStats_RollingAverage(t *testing.T) {
	h := NewHandlingStats(3)
	key := queue.KeyFor("d1", "s1")

	_, ok := h.AverageHandlingTime(key)
	assert.False(t, ok)

	h.Record(key, 1*time.Minute)
	h.Record(key, 3*time.Minute)
	avg, ok := h.AverageHandlingTime(key)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, avg)

	h.Record(key, 5*time.Minute)
	h.Record(key, 7*time.Minute) // evicts the 1m sample
	avg, _ = h.AverageHandlingTime(key)
	assert.Equal(t, 5*time.Minute, avg)

	h.Record(key, 0)
	h.Record(key, -time.Second)
	avg, _ = h.AverageHandlingTime(key)
	assert.Equal(t, 5*time.Minute, avg)

	summary := h.Summary()
	require.Len(t, summary, 1)
	assert.Equal(t, 3, summary[0].Samples)
	assert.Equal(t, int64(4), summary[0].Closed)
}

func TestHandlingStats_FeedsQueueEstimates(t *testing.T) {
	h := NewHandlingStats(0)
	key := queue.KeyFor("d1", "")
	h.Record(key, 90*time.Second)

	m := queue.NewManager(h, 0)
	assert.Equal(t, 3*time.Minute, m.EstimateWait(2, key))
	assert.Equal(t, 2*queue.DefaultHandlingTime, m.EstimateWait(2, queue.KeyFor("d2", "")))
}
