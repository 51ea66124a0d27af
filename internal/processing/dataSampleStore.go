package processing

import (
	"sync"
	"time"
)

// DataSampleStore holds the most recent complete sample so the telemetry
// sampler can read it from its own goroutine without touching the history.
type DataSampleStore struct {
	rawReadings      []uint16
	receivedAt       time.Time
	rawReadingsMutex sync.Mutex
}

func NewDataSampleStore(sensorCount int) *DataSampleStore {
	return &DataSampleStore{
		rawReadings: make([]uint16, sensorCount),
	}
}

func (d *DataSampleStore) UpdateSampleStore(newData []uint16, receivedAt time.Time) {
	d.rawReadingsMutex.Lock()
	defer d.rawReadingsMutex.Unlock()

	copy(d.rawReadings, newData)
	d.receivedAt = receivedAt
}

// GetReadingFromSampleStore returns a copy of the latest readings. The time is
// zero until the first sample arrives.
func (d *DataSampleStore) GetReadingFromSampleStore() ([]uint16, time.Time) {
	d.rawReadingsMutex.Lock()
	defer d.rawReadingsMutex.Unlock()

	out := make([]uint16, len(d.rawReadings))
	copy(out, d.rawReadings)
	return out, d.receivedAt
}
