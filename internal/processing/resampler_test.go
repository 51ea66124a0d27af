package processing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sentinelRow = []uint16{Sentinel, Sentinel, Sentinel}

func doublingOffsets(n int) []time.Duration {
	offsets := []time.Duration{0}
	for d := time.Second; len(offsets) < n; d *= 2 {
		offsets = append(offsets, d)
	}
	return offsets
}

func secondsOffsets(n int) []time.Duration {
	offsets := make([]time.Duration, n)
	for i := range offsets {
		offsets[i] = time.Duration(i) * time.Second
	}
	return offsets
}

// historyWithAges builds a buffer whose records are the given ages before now,
// oldest first, each record holding its index in every column.
func historyWithAges(t *testing.T, now time.Time, ages ...time.Duration) *HistoryBuffer {
	t.Helper()
	h, err := NewHistoryBuffer(3, 100, 50)
	require.NoError(t, err)
	for i, age := range ages {
		v := uint16(i)
		require.NoError(t, h.Append(SampleRecord{Arrival: now.Add(-age), Values: []uint16{v, v, v}}))
	}
	return h
}

func TestNewResamplerValidates(t *testing.T) {
	_, err := NewResampler(nil, time.Second, 3)
	assert.Error(t, err)
	_, err = NewResampler([]time.Duration{0, time.Second, time.Second}, time.Second, 3)
	assert.Error(t, err)
	_, err = NewResampler([]time.Duration{0}, 0, 3)
	assert.Error(t, err)
}

func TestResampleEmptyHistory(t *testing.T) {
	r, err := NewResampler(doublingOffsets(16), 750*time.Millisecond, 3)
	require.NoError(t, err)
	h, err := NewHistoryBuffer(3, 10, 5)
	require.NoError(t, err)

	_, err = r.Resample(h, time.Now())
	assert.ErrorIs(t, err, ErrEmptyHistory)
}

func TestResampleTwoLineScenario(t *testing.T) {
	r, err := NewResampler(secondsOffsets(16), 750*time.Millisecond, 3)
	require.NoError(t, err)
	h, err := NewHistoryBuffer(3, 1500, 1025)
	require.NoError(t, err)

	t0 := time.Now()
	t1 := t0.Add(1200 * time.Millisecond)
	for _, line := range []struct {
		text string
		at   time.Time
	}{
		{"[48:1606][49:1665][4a:1314]", t0},
		{"[48:1600][49:1660][4a:1310]", t1},
	} {
		readings, err := ParseLine(line.text, 3)
		require.NoError(t, err)
		values, err := MapToCanonical(readings, canonical)
		require.NoError(t, err)
		require.NoError(t, h.Append(SampleRecord{Arrival: line.at, Values: values}))
	}

	snap, err := r.Resample(h, t1)
	require.NoError(t, err)

	assert.Equal(t, []uint16{0x1600, 0x1660, 0x1310}, snap.Row(0))
	assert.Equal(t, []uint16{0x1606, 0x1665, 0x1314}, snap.Row(1))
	assert.Equal(t, []bool{true, true}, snap.Valid[:2])
	for i := 2; i < 16; i++ {
		assert.False(t, snap.Valid[i], "slot %d", i)
		assert.Equal(t, sentinelRow, snap.Row(i), "slot %d", i)
	}
	assert.Equal(t, 2, snap.ValidCount())
}

func TestResampleValidityMatchesOldestAge(t *testing.T) {
	offsets := doublingOffsets(16)
	r, err := NewResampler(offsets, 750*time.Millisecond, 3)
	require.NoError(t, err)
	now := time.Now()

	prevValid := -1
	for _, age := range []time.Duration{0, 500 * time.Millisecond, time.Second, 3 * time.Second, 64 * time.Second, 100 * time.Second, 5 * time.Hour} {
		snap, err := r.Resample(historyWithAges(t, now, age), now)
		require.NoError(t, err)

		for i, off := range offsets {
			assert.Equal(t, off <= age, snap.Valid[i], "age %s slot %d", age, i)
		}

		// the boundary only moves outward as the oldest sample ages
		assert.GreaterOrEqual(t, snap.ValidCount(), prevValid)
		prevValid = snap.ValidCount()
	}
}

func TestResampleFirstMatchNotNearest(t *testing.T) {
	r, err := NewResampler([]time.Duration{0, 10 * time.Second}, 750*time.Millisecond, 3)
	require.NoError(t, err)
	now := time.Now()

	// 10.6s and 10.05s old are both within tolerance of the 10s slot; the
	// nearer one is the second record, but the older one is scanned first
	h := historyWithAges(t, now, 10600*time.Millisecond, 10050*time.Millisecond, 0)
	snap, err := r.Resample(h, now)
	require.NoError(t, err)

	assert.Equal(t, []uint16{0, 0, 0}, snap.Row(1))
	assert.Equal(t, []uint16{2, 2, 2}, snap.Row(0))
}

func TestResampleValidSlotWithoutMatchIsSentinel(t *testing.T) {
	r, err := NewResampler([]time.Duration{0, 4 * time.Second, 8 * time.Second}, 750*time.Millisecond, 3)
	require.NoError(t, err)
	now := time.Now()

	// coverage reaches 8.5s but nothing landed near 4s
	h := historyWithAges(t, now, 8500*time.Millisecond, 8*time.Second, 0)
	snap, err := r.Resample(h, now)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, true, true}, snap.Valid)
	assert.Equal(t, []uint16{2, 2, 2}, snap.Row(0))
	assert.Equal(t, sentinelRow, snap.Row(1))
	assert.Equal(t, []uint16{0, 0, 0}, snap.Row(2), "8.5s is within tolerance of 8s and scanned first")
}

func TestResampleToleranceIsStrict(t *testing.T) {
	r, err := NewResampler([]time.Duration{0, 2 * time.Second}, 750*time.Millisecond, 3)
	require.NoError(t, err)
	now := time.Now()

	h := historyWithAges(t, now, 2750*time.Millisecond, 100*time.Millisecond)
	snap, err := r.Resample(h, now)
	require.NoError(t, err)

	assert.True(t, snap.Valid[1])
	assert.Equal(t, sentinelRow, snap.Row(1), "a difference equal to the tolerance does not match")
	assert.Equal(t, []uint16{1, 1, 1}, snap.Row(0))
}

func TestResampleMatchesYoungerThanOffset(t *testing.T) {
	r, err := NewResampler([]time.Duration{0, 2 * time.Second}, 750*time.Millisecond, 3)
	require.NoError(t, err)
	now := time.Now()

	// 1.5s old is 500ms short of the 2s slot and still matches
	h := historyWithAges(t, now, 3*time.Second, 1500*time.Millisecond)
	snap, err := r.Resample(h, now)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 1, 1}, snap.Row(1))
	assert.Equal(t, sentinelRow, snap.Row(0))
}

func TestSnapshotRecord(t *testing.T) {
	r, err := NewResampler(secondsOffsets(4), 750*time.Millisecond, 3)
	require.NoError(t, err)
	now := time.Unix(1760000000, 0)

	snap, err := r.Resample(historyWithAges(t, now, 0), now)
	require.NoError(t, err)

	rec := snap.Record(now)
	assert.Equal(t, 4, rec.Rows)
	assert.Equal(t, 3, rec.Cols)
	assert.Equal(t, uint64(1760000000), rec.Seconds())
	assert.Equal(t, snap.Values, rec.Values)

	rec.Values[0] = 42
	assert.Equal(t, uint16(0), snap.Values[0], "record owns its values")
}
