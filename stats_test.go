package okatis

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPollStats(t *testing.T) {
	ps := NewPollStats(4)
	s := ps.Summary()
	assert.Zero(t, s.Polls)
	assert.Zero(t, s.MeanOccupancy)
	assert.Zero(t, s.EventRate)

	ps.Record(64, 60)
	s = ps.Summary()
	assert.Equal(t, 64.0, s.MeanOccupancy)
	assert.Zero(t, s.StdOccupancy)
	_, err := json.Marshal(s)
	assert.NoError(t, err, "a single sample must not produce NaN")

	ps.Record(0, 0)
	ps.Record(32, 30)
	ps.Record(0, 0)
	s = ps.Summary()
	assert.Equal(t, uint64(4), s.Polls)
	assert.Equal(t, uint64(2), s.IdlePolls)
	assert.Equal(t, uint64(90), s.Events)
	assert.Equal(t, uint64(64), s.PeakOccupancy)
	assert.Equal(t, 24.0, s.MeanOccupancy)
	assert.InDelta(t, math.Sqrt(2816.0/3), s.StdOccupancy, 1e-9)
	assert.InDelta(t, 24.0/(1<<24), s.FillFraction, 1e-15)

	// The window forgets old polls; the totals do not.
	for i := 0; i < 4; i++ {
		ps.Record(96, 96)
	}
	s = ps.Summary()
	assert.Equal(t, uint64(8), s.Polls)
	assert.Equal(t, uint64(96), s.PeakOccupancy)
	assert.Equal(t, 96.0, s.MeanOccupancy)
	assert.Zero(t, s.StdOccupancy)
	assert.Equal(t, uint64(474), s.Events)
}
