package processing

import (
	"errors"
	"fmt"
	"time"

	"sleepywoodpecker/mt-relay/internal/npy"
)

// Sentinel marks a reading with no matching sample.
const Sentinel uint16 = 0xFFFF

var ErrEmptyHistory = errors.New("[resampler] history is empty")

// Snapshot is the resampled history: one row per lookback offset, one column
// per sensor, row-major.
type Snapshot struct {
	Slots   int
	Sensors int
	Values  []uint16
	Valid   []bool
}

func newSnapshot(slots, sensors int) *Snapshot {
	values := make([]uint16, slots*sensors)
	for i := range values {
		values[i] = Sentinel
	}
	return &Snapshot{
		Slots:   slots,
		Sensors: sensors,
		Values:  values,
		Valid:   make([]bool, slots),
	}
}

// Row returns the readings for lookback slot i.
func (s *Snapshot) Row(i int) []uint16 {
	return s.Values[i*s.Sensors : (i+1)*s.Sensors]
}

func (s *Snapshot) ValidCount() int {
	n := 0
	for _, v := range s.Valid {
		if v {
			n++
		}
	}
	return n
}

// Record packs the snapshot for publishing with a wall-clock time.
func (s *Snapshot) Record(wall time.Time) *npy.Record {
	values := make([]uint16, len(s.Values))
	copy(values, s.Values)
	return &npy.Record{
		Rows:      s.Slots,
		Cols:      s.Sensors,
		Values:    values,
		Timestamp: npy.TimestampWords(uint64(wall.Unix())),
	}
}

type Resampler struct {
	offsets     []time.Duration
	tolerance   time.Duration
	sensorCount int
}

func NewResampler(offsets []time.Duration, tolerance time.Duration, sensorCount int) (*Resampler, error) {
	if len(offsets) == 0 {
		return nil, errors.New("[resampler] no lookback offsets")
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] <= offsets[i-1] {
			return nil, fmt.Errorf("[resampler] lookback offsets must increase, index %d", i)
		}
	}
	if tolerance <= 0 {
		return nil, fmt.Errorf("[resampler] tolerance must be positive, got %s", tolerance)
	}

	own := make([]time.Duration, len(offsets))
	copy(own, offsets)
	return &Resampler{offsets: own, tolerance: tolerance, sensorCount: sensorCount}, nil
}

func (r *Resampler) Offsets() []time.Duration {
	return r.offsets
}

// Resample looks back from now by each offset. A slot is valid when the
// oldest sample is at least that old; a valid slot takes the first sample,
// scanning oldest to newest, whose age is within tolerance of the offset.
// That is the oldest qualifying sample, not the closest one.
func (r *Resampler) Resample(h *HistoryBuffer, now time.Time) (*Snapshot, error) {
	oldest, ok := h.Oldest()
	if !ok {
		return nil, ErrEmptyHistory
	}
	if h.SensorCount() != r.sensorCount {
		return nil, fmt.Errorf("[resampler] history has %d sensors, want %d", h.SensorCount(), r.sensorCount)
	}

	snap := newSnapshot(len(r.offsets), r.sensorCount)

	oldestAge := now.Sub(oldest.Arrival)
	for i, offset := range r.offsets {
		snap.Valid[i] = offset <= oldestAge
	}

	records := h.Records()
	for i, offset := range r.offsets {
		if !snap.Valid[i] {
			continue
		}
		for _, rec := range records {
			diff := now.Sub(rec.Arrival) - offset
			if diff < 0 {
				diff = -diff
			}
			if diff < r.tolerance {
				copy(snap.Row(i), rec.Values)
				break
			}
		}
	}

	return snap, nil
}
