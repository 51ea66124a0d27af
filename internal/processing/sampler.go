package processing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/mt-relay/internal/metric"
)

const SamplingChannelName = "temperatures"

// sampler periodically pushes the latest sample to telegraf as influx line
// protocol, one line per sensor in a single datagram.
type sampler struct {
	samplingFrequency time.Duration
	udpConn           io.Writer
	storeToSampleFrom *DataSampleStore
	sensors           []uint8
	logger            *zap.Logger
	metrics           *metric.Metrics
}

func NewSampler(samplingFrequency time.Duration, udpConn io.Writer, store *DataSampleStore, sensors []uint8, logger *zap.Logger, metrics *metric.Metrics) *sampler {
	return &sampler{
		samplingFrequency: samplingFrequency,
		udpConn:           udpConn,
		storeToSampleFrom: store,
		sensors:           sensors,
		logger:            logger,
		metrics:           metrics,
	}
}

func (s *sampler) formatInflux(readings []uint16, receivedAt time.Time) string {
	var b strings.Builder
	for idx, raw := range readings {
		fmt.Fprintf(&b, "%s,sensor=0x%02x raw=%di,celsius=%.4f %d\n",
			SamplingChannelName, s.sensors[idx], raw, RawToCelsius(raw), receivedAt.UnixNano())
	}
	return b.String()
}

// SampleAndLog sends the latest sample. It reports false when there was
// nothing to send yet.
func (s *sampler) SampleAndLog() bool {
	readings, receivedAt := s.storeToSampleFrom.GetReadingFromSampleStore()
	if receivedAt.IsZero() {
		return false
	}

	influxString := s.formatInflux(readings, receivedAt)
	if _, err := s.udpConn.Write([]byte(influxString)); err != nil {
		s.metrics.TelemetryFailures.Inc()
		s.logger.Warn("[sampler] error writing data to UDP connection", zap.Error(err))
		return true
	}

	s.logger.Debug("[sampler] collected sample", zap.String("influxString", influxString))
	return true
}

func (s *sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.samplingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SampleAndLog()
		case <-ctx.Done():
			s.logger.Info("[sampler] received shutdown signal")
			return
		}
	}
}
