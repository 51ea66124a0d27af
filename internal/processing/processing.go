package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/mt-relay/internal/metric"
	"sleepywoodpecker/mt-relay/internal/npy"
	rserial "sleepywoodpecker/mt-relay/internal/rSerial"
)

const DEFAULT_QUEUE_SIZE = 20

// SnapshotWriter publishes one encoded snapshot. npy.Writer is the real one.
type SnapshotWriter interface {
	Write(rec *npy.Record) error
}

// Processor owns the history buffer. Every complete line goes through
// parse, map, append, evict, resample and publish before the next is read.
type Processor struct {
	MessageQueue <-chan rserial.Line
	logger       *zap.Logger
	sensors      []uint8
	history      *HistoryBuffer
	resampler    *Resampler
	writer       SnapshotWriter
	dataStore    *DataSampleStore
	metrics      *metric.Metrics
}

func NewProcessor(
	messageQueue <-chan rserial.Line,
	sensors []uint8,
	history *HistoryBuffer,
	resampler *Resampler,
	writer SnapshotWriter,
	dataStore *DataSampleStore,
	metrics *metric.Metrics,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		MessageQueue: messageQueue,
		logger:       logger,
		sensors:      sensors,
		history:      history,
		resampler:    resampler,
		writer:       writer,
		dataStore:    dataStore,
		metrics:      metrics,
	}
}

// Run processes lines until the queue closes or ctx is cancelled. It returns
// early only when a snapshot could not be published.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case line, ok := <-p.MessageQueue:
			if !ok {
				p.logger.Info("[processor] message queue closed")
				return nil
			}

			if err := p.ProcessLine(line); err != nil {
				p.logger.Error("[processor] publishing snapshot failed", zap.Error(err), zap.String("line", line.Text))
				return err
			}
		case <-ctx.Done():
			p.logger.Info("[processor] received shutdown signal")
			return nil
		}
	}
}

// ProcessLine runs one cycle. Lines that do not parse or lack a sensor are
// dropped and return nil; only a failed publish is returned.
func (p *Processor) ProcessLine(line rserial.Line) error {
	p.metrics.LinesReceived.Inc()

	readings, err := ParseLine(line.Text, len(p.sensors))
	if err != nil {
		p.metrics.MalformedLines.Inc()
		p.logger.Debug("[processor] dropping malformed line", zap.Error(err))
		return nil
	}

	values, err := MapToCanonical(readings, p.sensors)
	if err != nil {
		p.metrics.IncompleteSamples.Inc()
		p.logger.Debug("[processor] dropping incomplete sample", zap.Error(err), zap.String("line", line.Text))
		return nil
	}

	if err := p.history.Append(SampleRecord{Arrival: line.Received, Values: values}); err != nil {
		return err
	}
	if dropped := p.history.EvictIfNeeded(); dropped > 0 {
		p.metrics.EvictedSamples.Add(float64(dropped))
		p.logger.Debug("[processor] flushed old samples", zap.Int("dropped", dropped), zap.Int("kept", p.history.Len()))
	}
	p.metrics.HistoryLength.Set(float64(p.history.Len()))
	p.dataStore.UpdateSampleStore(values, line.Received)

	start := time.Now()
	snap, err := p.resampler.Resample(p.history, line.Received)
	if err != nil {
		if errors.Is(err, ErrEmptyHistory) {
			return nil
		}
		return err
	}

	if err := p.writer.Write(snap.Record(line.Received)); err != nil {
		p.metrics.WriteFailures.Inc()
		return fmt.Errorf("[processor] writing snapshot: %w", err)
	}

	p.metrics.SnapshotsWritten.Inc()
	p.metrics.ValidSlots.Set(float64(snap.ValidCount()))
	p.metrics.LastWriteTime.Set(float64(line.Received.Unix()))
	p.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	return nil
}
