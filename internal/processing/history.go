package processing

import (
	"fmt"
	"time"
)

// SampleRecord is one complete line: the arrival instant and one raw value
// per configured sensor, in canonical order.
type SampleRecord struct {
	Arrival time.Time
	Values  []uint16
}

// HistoryBuffer keeps samples oldest-first. Once it grows past the flush
// threshold it is drained down to the flush target, keeping the newest.
type HistoryBuffer struct {
	records        []SampleRecord
	sensorCount    int
	flushThreshold int
	flushTarget    int
}

func NewHistoryBuffer(sensorCount, flushThreshold, flushTarget int) (*HistoryBuffer, error) {
	if sensorCount <= 0 {
		return nil, fmt.Errorf("[history] sensor count must be positive, got %d", sensorCount)
	}
	if flushTarget < 1 || flushTarget >= flushThreshold {
		return nil, fmt.Errorf("[history] need 1 <= flush target (%d) < flush threshold (%d)", flushTarget, flushThreshold)
	}

	return &HistoryBuffer{
		records:        make([]SampleRecord, 0, flushThreshold+1),
		sensorCount:    sensorCount,
		flushThreshold: flushThreshold,
		flushTarget:    flushTarget,
	}, nil
}

// Append adds a sample at the newest end. An arrival earlier than the newest
// record is clamped forward so arrivals never decrease.
func (h *HistoryBuffer) Append(rec SampleRecord) error {
	if len(rec.Values) != h.sensorCount {
		return fmt.Errorf("[history] sample has %d values, want %d", len(rec.Values), h.sensorCount)
	}

	if n := len(h.records); n > 0 && rec.Arrival.Before(h.records[n-1].Arrival) {
		rec.Arrival = h.records[n-1].Arrival
	}

	values := make([]uint16, h.sensorCount)
	copy(values, rec.Values)
	h.records = append(h.records, SampleRecord{Arrival: rec.Arrival, Values: values})
	return nil
}

// EvictIfNeeded drops the oldest records when the buffer is over the flush
// threshold and returns how many were dropped.
func (h *HistoryBuffer) EvictIfNeeded() int {
	if len(h.records) <= h.flushThreshold {
		return 0
	}

	drop := len(h.records) - h.flushTarget
	n := copy(h.records, h.records[drop:])
	clear(h.records[n:])
	h.records = h.records[:n]
	return drop
}

func (h *HistoryBuffer) Len() int {
	return len(h.records)
}

func (h *HistoryBuffer) SensorCount() int {
	return h.sensorCount
}

// Oldest returns the first record, or false when empty.
func (h *HistoryBuffer) Oldest() (SampleRecord, bool) {
	if len(h.records) == 0 {
		return SampleRecord{}, false
	}
	return h.records[0], true
}

// Newest returns the last record, or false when empty.
func (h *HistoryBuffer) Newest() (SampleRecord, bool) {
	if len(h.records) == 0 {
		return SampleRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

// Records exposes the records oldest-first. The slice is only valid until the
// next Append or EvictIfNeeded and must not be modified.
func (h *HistoryBuffer) Records() []SampleRecord {
	return h.records
}
