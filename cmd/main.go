package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/mt-relay/internal/logger"
	"sleepywoodpecker/mt-relay/internal/metric"
	"sleepywoodpecker/mt-relay/internal/npy"
	"sleepywoodpecker/mt-relay/internal/processing"
	rserial "sleepywoodpecker/mt-relay/internal/rSerial"
)

const MESSAGE_QUEUE_LENGTH = processing.DEFAULT_QUEUE_SIZE

func main() {
	os.Exit(run())
}

func run() int {
	cli := parseFlags()

	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if cli.DumpPath != "" {
		if err := dumpSnapshot(os.Stdout, cli.DumpPath, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}
	if cli.Validate {
		fmt.Println("configuration OK")
		return 0
	}

	// first initialize the main logger
	logger, err := logger.NewLogger(cfg.Log.Path, cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()

	// context handler for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info("Launching serial tempdata relay",
		zap.String("port", cfg.Transport.Path),
		zap.Int("baudRate", cfg.Transport.BaudRate),
		zap.String("output", cfg.Output.Path),
		zap.Stringers("sensors", cfg.Sensors),
		zap.Durations("lookbackOffsets", cfg.Offsets()),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := metric.NewMetrics(registry)
	if err != nil {
		logger.Error("registering metrics", zap.Error(err))
		return 1
	}
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metric.Serve(ctx, cfg.Metrics.Addr, registry, logger); err != nil {
				logger.Warn("[metric] metrics listener stopped", zap.Error(err))
			}
		}()
	}

	sensors := cfg.SensorIDs()
	history, err := processing.NewHistoryBuffer(len(sensors), cfg.History.FlushThreshold, cfg.History.FlushTarget)
	if err != nil {
		logger.Error("creating history buffer", zap.Error(err))
		return 1
	}
	resampler, err := processing.NewResampler(cfg.Offsets(), cfg.Tolerance(), len(sensors))
	if err != nil {
		logger.Error("creating resampler", zap.Error(err))
		return 1
	}
	sampleStore := processing.NewDataSampleStore(len(sensors))

	// initialize the serial connection; without it there is nothing to relay
	port, err := rserial.NewRSerial(cfg.Transport, logger)
	if err != nil {
		logger.Error("Error opening serial port", zap.Error(err), zap.String("portName", cfg.Transport.Path))
		return 1
	}

	messageQueue := make(chan rserial.Line, MESSAGE_QUEUE_LENGTH)
	processor := processing.NewProcessor(messageQueue, sensors, history, resampler, npy.NewWriter(cfg.Output.Path), sampleStore, metrics, logger)

	// optional UDP feed to telegraf
	var udpConn *net.UDPConn
	if cfg.Telemetry.Addr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", cfg.Telemetry.Addr)
		if err == nil {
			udpConn, err = net.DialUDP("udp", nil, udpAddr)
		}
		if err != nil {
			logger.Error("connecting telemetry", zap.Error(err), zap.String("addr", cfg.Telemetry.Addr))
			port.Close()
			return 1
		}
		sampler := processing.NewSampler(cfg.Telemetry.Interval, udpConn, sampleStore, sensors, logger, metrics)
		go sampler.Run(ctx)
	}

	// run everything
	errCh := make(chan error, 2)
	go func() { errCh <- port.Run(ctx, messageQueue) }()
	go func() { errCh <- processor.Run(ctx) }()

	var runErr error
	pending := 2
	signalled := false
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		signalled = true
	case err := <-errCh:
		runErr = multierr.Append(runErr, err)
		pending--
	}
	cancel()
	for ; pending > 0; pending-- {
		runErr = multierr.Append(runErr, <-errCh)
	}

	closeErr := port.Close()
	if udpConn != nil {
		closeErr = multierr.Append(closeErr, udpConn.Close())
	}
	if closeErr != nil {
		logger.Warn("closing resources", zap.Error(closeErr))
	}

	if runErr != nil {
		logger.Error("relay stopped", zap.Errors("errors", multierr.Errors(runErr)))
		return 1
	}
	if !signalled {
		logger.Error("relay stopped without a shutdown signal")
		return 1
	}
	logger.Info("relay stopped")
	return 0
}
