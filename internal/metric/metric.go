// Package metric holds the relay's Prometheus metrics and the optional
// /metrics listener.
package metric

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "mtrelay"

type Metrics struct {
	LinesReceived     prometheus.Counter
	MalformedLines    prometheus.Counter
	IncompleteSamples prometheus.Counter
	EvictedSamples    prometheus.Counter
	SnapshotsWritten  prometheus.Counter
	WriteFailures     prometheus.Counter
	TelemetryFailures prometheus.Counter

	HistoryLength prometheus.Gauge
	ValidSlots    prometheus.Gauge
	LastWriteTime prometheus.Gauge

	CycleDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		LinesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lines",
			Name:      "received_total",
			Help:      "Lines read from the serial transport",
		}),
		MalformedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lines",
			Name:      "malformed_total",
			Help:      "Lines dropped because they did not parse",
		}),
		IncompleteSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lines",
			Name:      "incomplete_total",
			Help:      "Lines dropped because not every configured sensor was present",
		}),
		EvictedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "evicted_total",
			Help:      "Samples dropped from the history buffer",
		}),
		SnapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "written_total",
			Help:      "Snapshots published to the output path",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "write_failures_total",
			Help:      "Snapshot writes that failed",
		}),
		TelemetryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "send_failures_total",
			Help:      "Telemetry datagrams that could not be sent",
		}),
		HistoryLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "samples",
			Help:      "Samples currently held in the history buffer",
		}),
		ValidSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "valid_slots",
			Help:      "Lookback slots covered by the history in the last snapshot",
		}),
		LastWriteTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "last_write_timestamp_seconds",
			Help:      "Unix time of the last published snapshot",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent resampling and publishing one snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	collectors := []prometheus.Collector{
		m.LinesReceived, m.MalformedLines, m.IncompleteSamples, m.EvictedSamples,
		m.SnapshotsWritten, m.WriteFailures, m.TelemetryFailures,
		m.HistoryLength, m.ValidSlots, m.LastWriteTime, m.CycleDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Serve exposes gatherer on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("[metric] serving metrics", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
