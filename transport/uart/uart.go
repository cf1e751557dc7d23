// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package uart implements avrprog.Transport over a serial port, which is how the
// companion programmer (a USB CDC device) is reached.
package uart

import (
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-avrprog"
	"github.com/ZaparooProject/go-avrprog/internal/syncutil"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the rate the programmer firmware expects
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds each poll of the reader goroutine, not the protocol waits
	DefaultReadTimeout = 50 * time.Millisecond

	readBufferSize = 256
)

// Config holds serial link settings.
type Config struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// DefaultConfig returns 115200 baud 8N1 settings.
func DefaultConfig() Config {
	return Config{
		BaudRate:    DefaultBaudRate,
		ReadTimeout: DefaultReadTimeout,
	}
}

// Option configures a Transport.
type Option func(*Config)

// WithBaudRate overrides the baud rate. Non-positive values are ignored.
func WithBaudRate(baud int) Option {
	return func(c *Config) {
		if baud > 0 {
			c.BaudRate = baud
		}
	}
}

// WithReadTimeout overrides the reader poll interval. Non-positive values are ignored.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.ReadTimeout = timeout
		}
	}
}

type openFunc func(portName string, mode *serial.Mode) (serial.Port, error)

// Transport implements avrprog.Transport for serial links.
// It is constructed closed; Open must be called before the first Write.
type Transport struct {
	avrprog.Listeners
	port     serial.Port
	open     openFunc
	readErr  error
	stop     chan struct{}
	done     chan struct{}
	portName string
	config   Config
	mu       syncutil.Mutex
}

// New creates a UART transport for portName without opening it.
func New(portName string, opts ...Option) *Transport {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Transport{
		portName: portName,
		config:   cfg,
		open:     serial.Open,
	}
}

// Open opens the port, discards stale input and starts delivering arrivals.
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return nil
	}

	port, err := t.open(t.portName, &serial.Mode{
		BaudRate: t.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return avrprog.NewTransportOpenError(t.portName, err)
	}

	if err := port.SetReadTimeout(t.config.ReadTimeout); err != nil {
		_ = port.Close()
		return avrprog.NewTransportOpenError(t.portName, fmt.Errorf("set read timeout: %w", err))
	}

	// USB CDC stacks may hold output until the host asserts DTR
	if err := port.SetDTR(true); err != nil {
		avrprog.Logger().Debug().Err(err).Str("port", t.portName).Msg("set DTR failed")
	}
	if err := port.ResetInputBuffer(); err != nil {
		avrprog.Logger().Debug().Err(err).Str("port", t.portName).Msg("input flush failed")
	}

	t.port = port
	t.readErr = nil
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.readLoop(port, t.stop, t.done)

	avrprog.Logger().Debug().
		Str("port", t.portName).
		Int("baud", t.config.BaudRate).
		Msg("serial port open")
	return nil
}

// readLoop delivers each non-empty read as one arrival until stop is closed or the
// port fails.
func (t *Transport) readLoop(port serial.Port, stop, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			t.mu.Lock()
			t.readErr = &avrprog.TransportError{
				Op:   "read",
				Port: t.portName,
				Err:  fmt.Errorf("%w: %w", avrprog.ErrTransportRead, err),
			}
			t.mu.Unlock()
			avrprog.Logger().Warn().
				Err(err).
				Str("port", t.portName).
				Bool("disconnected", IsDisconnected(err)).
				Msg("serial read failed, reader stopped")
			return
		}
		if n == 0 {
			continue
		}

		avrprog.Logger().Debug().Str("port", t.portName).Hex("rx", buf[:n]).Msg("arrival")
		t.Dispatch(buf[:n])
	}
}

// Write implements avrprog.Transport.
func (t *Transport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return avrprog.NewTransportClosedError("write", t.portName)
	}
	if t.readErr != nil {
		return t.readErr
	}

	n, err := t.port.Write(data)
	if err != nil {
		return &avrprog.TransportError{
			Op:   "write",
			Port: t.portName,
			Err:  fmt.Errorf("%w: %w", avrprog.ErrTransportWrite, err),
		}
	}
	if n != len(data) {
		return avrprog.NewTransportWriteError("write", t.portName)
	}
	avrprog.Logger().Debug().Str("port", t.portName).Hex("tx", data).Msg("write")

	return t.drainWithRetry("write")
}

// drainWithRetry waits for the OS to transmit buffered output, retrying interrupted
// system calls.
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	var err error
	for attempt := range maxRetries {
		err = t.port.Drain()
		if err == nil {
			return nil
		}
		if !isInterruptedSystemCall(err) {
			break
		}
		time.Sleep(baseDelay * time.Duration(1<<attempt)) // 2ms, 4ms, 8ms
	}
	return &avrprog.TransportError{
		Op:   operation + " drain",
		Port: t.portName,
		Err:  fmt.Errorf("%w: %w", avrprog.ErrTransportWrite, err),
	}
}

// Close stops the reader and closes the port. Closing a closed transport is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	port, stop, done := t.port, t.stop, t.done
	t.port = nil
	t.mu.Unlock()

	if port == nil {
		return nil
	}

	close(stop)
	err := port.Close()
	<-done
	if err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// IsConnected returns true while the port is open and the reader is healthy.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil && t.readErr == nil
}

// Type returns the transport type
func (*Transport) Type() avrprog.TransportType {
	return avrprog.TransportUART
}

// PortName returns the serial device path.
func (t *Transport) PortName() string {
	return t.portName
}

// Config returns the link settings.
func (t *Transport) Config() Config {
	return t.config
}

// IsDisconnected reports whether err means the device went away, as opposed to a
// configuration or permission problem.
func IsDisconnected(err error) bool {
	if err == nil {
		return false
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}
	return isDisconnectErrno(err)
}

// Ensure Transport implements avrprog.Transport
var _ avrprog.Transport = (*Transport)(nil)
