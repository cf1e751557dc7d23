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

package avrprog

import (
	"context"
	"errors"
	"fmt"
)

// Transport errors
var (
	ErrTransportOpen   = errors.New("transport open failed")
	ErrTransportClosed = errors.New("transport is closed")
	ErrTransportWrite  = errors.New("transport write failed")
	ErrTransportRead   = errors.New("transport read failed")
)

// Protocol errors
var (
	// ErrResponseTimeout is the distinguished signal of a timed wait that saw no arrival.
	ErrResponseTimeout = errors.New("response timeout")
	// ErrReadbackMismatch ends a session whose peer did not echo a byte correctly.
	// Readback timeouts are reported as this error too.
	ErrReadbackMismatch = errors.New("programmer did not read back byte correctly")
	// ErrHandshakeNotReady is carried by the handshake warning event; it never ends a session.
	ErrHandshakeNotReady = errors.New("programmer did not reply with ready")
)

// Input errors
var (
	ErrEmptyImage   = errors.New("firmware image is empty")
	ErrNilTransport = errors.New("transport cannot be nil")
)

// TransportError wraps transport-level errors with the failing operation and port
type TransportError struct {
	Err  error  // Underlying error
	Op   string // Operation that failed
	Port string // Port or device identifier
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportOpenError wraps a failure to open the link.
func NewTransportOpenError(port string, err error) error {
	return &TransportError{Op: "open", Port: port, Err: fmt.Errorf("%w: %w", ErrTransportOpen, err)}
}

// NewTransportWriteError reports a short or failed write.
func NewTransportWriteError(op, port string) error {
	return &TransportError{Op: op, Port: port, Err: ErrTransportWrite}
}

// NewTransportClosedError reports use of a transport that is not open.
func NewTransportClosedError(op, port string) error {
	return &TransportError{Op: op, Port: port, Err: ErrTransportClosed}
}

// ReadbackError describes the byte at which a transfer stopped.
type ReadbackError struct {
	Expected string // Token the programmer should have echoed
	Got      string // Decoded reply, empty on timeout
	Index    int    // Image index of the failing byte
	TimedOut bool   // No reply arrived before the deadline
}

func (e *ReadbackError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("byte %d: no readback of %s before timeout", e.Index, e.Expected)
	}
	return fmt.Sprintf("byte %d: expected readback %q, got %q", e.Index, e.Expected, e.Got)
}

func (*ReadbackError) Unwrap() error {
	return ErrReadbackMismatch
}

// IsTimeout reports whether err is a response or context deadline timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrResponseTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsReadbackFailure reports whether a session ended on a readback mismatch or readback timeout.
func IsReadbackFailure(err error) bool {
	return errors.Is(err, ErrReadbackMismatch)
}

// IsTransportFailure reports whether err originated in the transport.
func IsTransportFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
