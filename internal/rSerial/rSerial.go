// r in rserial stands for "robust"
package rserial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"sleepywoodpecker/mt-relay/internal/config"
)

// A sensor line is 27 characters; anything this long without a newline means
// we are reading garbage.
const DefaultMaxLineLength = 256

const readChunkSize = 64

// Port is the subset of serial.Port the reader uses.
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type Opener func() (Port, error)

// Line is one newline-terminated line and the instant it finished arriving.
type Line struct {
	Text     string
	Received time.Time
}

type rserial struct {
	Port
	open          Opener
	logger        *zap.Logger
	portName      string
	readTimeout   time.Duration
	reconnect     config.ReconnectConfig
	tempBuff      []byte
	pending       []byte
	discarding    bool
	closed        bool
	maxLineLength int
}

type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("[rserial] no line terminator in %d bytes", len(e.ByteSequence))
}

// SerialOpener opens a real serial device.
func SerialOpener(portName string, baudrate int) Opener {
	return func() (Port, error) {
		port, err := serial.Open(portName, &serial.Mode{BaudRate: baudrate})
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

// NewRSerial opens the configured port. A port that cannot be opened is an
// error here; the caller should not start the relay.
func NewRSerial(cfg config.TransportConfig, logger *zap.Logger) (*rserial, error) {
	return newRSerial(SerialOpener(cfg.Path, cfg.BaudRate), cfg, logger)
}

func newRSerial(open Opener, cfg config.TransportConfig, logger *zap.Logger) (*rserial, error) {
	port, err := open()
	if err != nil {
		return nil, fmt.Errorf("[rserial] opening %s: %w", cfg.Path, err)
	}

	r := &rserial{
		Port:          port,
		open:          open,
		logger:        logger,
		portName:      cfg.Path,
		readTimeout:   cfg.ReadTimeout,
		reconnect:     cfg.Reconnect,
		tempBuff:      make([]byte, readChunkSize),
		maxLineLength: DefaultMaxLineLength,
	}

	if err := r.initialize(); err != nil {
		port.Close()
		return nil, err
	}
	return r, nil
}

func (r *rserial) initialize() error {
	if err := r.SetReadTimeout(r.readTimeout); err != nil {
		return fmt.Errorf("[rserial] setting read timeout on %s: %w", r.portName, err)
	}
	if err := r.ResetInputBuffer(); err != nil {
		r.logger.Warn("[rserial] could not reset input buffer", zap.Error(err), zap.String("portName", r.portName))
	}
	r.sync()
	return nil
}

// sync drops whatever is buffered and skips up to the next newline, so the
// first line handed out is a whole one.
func (r *rserial) sync() {
	r.logger.Debug("[rserial] resyncing serial port", zap.String("portName", r.portName))
	r.pending = r.pending[:0]
	r.discarding = true
}

// ReadLine blocks until a full line is available. Carriage returns are
// stripped. With a read timeout set on the port, ctx is checked between reads.
func (r *rserial) ReadLine(ctx context.Context) (string, error) {
	for {
		if i := bytes.IndexByte(r.pending, '\n'); i >= 0 {
			text := string(bytes.TrimRight(r.pending[:i], "\r"))
			r.pending = append(r.pending[:0], r.pending[i+1:]...)
			if r.discarding {
				r.discarding = false
				continue
			}
			return text, nil
		}

		if len(r.pending) > r.maxLineLength {
			seq := make([]byte, len(r.pending))
			copy(seq, r.pending)
			r.sync()
			return "", &OutOfSyncError{ByteSequence: seq}
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := r.Read(r.tempBuff)
		if n > 0 {
			r.pending = append(r.pending, r.tempBuff[:n]...)
		}
		if err != nil {
			return "", err
		}
	}
}

// Run forwards lines to messageQueue until ctx is cancelled or the port
// fails. The queue is closed on return. A read failure ends the loop unless
// reconnect attempts are configured.
func (r *rserial) Run(ctx context.Context, messageQueue chan<- Line) error {
	defer close(messageQueue)

	for {
		text, err := r.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("[rserial] exiting from rserial read loop", zap.String("portName", r.portName))
				return nil
			}

			var oosError *OutOfSyncError
			if errors.As(err, &oosError) {
				r.logger.Warn("[rserial] dropping unterminated input", zap.Error(err), zap.String("portName", r.portName), zap.ByteString("payload", oosError.ByteSequence))
				continue
			}

			if r.reconnect.Attempts <= 0 {
				return fmt.Errorf("[rserial] reading from %s: %w", r.portName, err)
			}
			r.logger.Warn("[rserial] read failed, reopening port", zap.Error(err), zap.String("portName", r.portName))
			if err := r.reopen(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		if text == "" {
			continue
		}

		select {
		case messageQueue <- Line{Text: text, Received: time.Now()}:
		case <-ctx.Done():
			r.logger.Info("[rserial] exiting from rserial read loop", zap.String("portName", r.portName))
			return nil
		}
	}
}

// Close closes the current port. It is a no-op once the port is already
// closed, which is the case after a failed reopen.
func (r *rserial) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.Port.Close()
}

func (r *rserial) reconnectBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.reconnect.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	if r.reconnect.MaxDelay > 0 {
		b.MaxInterval = r.reconnect.MaxDelay
	}
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	// the first attempt is immediate, the rest are retries
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.reconnect.Attempts-1)), ctx)
}

// reopen closes the failed port and retries opening it with exponential backoff.
func (r *rserial) reopen(ctx context.Context) error {
	if err := r.Close(); err != nil {
		r.logger.Debug("[rserial] closing failed port", zap.Error(err), zap.String("portName", r.portName))
	}

	attempt := 0
	openPort := func() error {
		attempt++
		port, err := r.open()
		if err != nil {
			return err
		}
		r.Port = port
		if err := r.initialize(); err != nil {
			port.Close()
			return err
		}
		r.closed = false
		return nil
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("[rserial] reopen attempt failed", zap.Error(err), zap.String("portName", r.portName), zap.Int("attempt", attempt), zap.Duration("retryIn", next))
	}

	if err := backoff.RetryNotify(openPort, r.reconnectBackOff(ctx), notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("[rserial] reopening %s failed after %d attempts: %w", r.portName, attempt, err)
	}
	r.logger.Info("[rserial] port reopened", zap.String("portName", r.portName), zap.Int("attempt", attempt))
	return nil
}
