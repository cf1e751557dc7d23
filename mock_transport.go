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
	"time"

	"github.com/ZaparooProject/go-avrprog/internal/syncutil"
	"github.com/ZaparooProject/go-avrprog/internal/wire"
)

// Responder scripts a MockTransport: it receives every write and returns the arrivals
// the simulated programmer produces for it, in order.
type Responder func(written []byte) [][]byte

// MockTransport provides a scripted implementation of Transport for testing
type MockTransport struct {
	Listeners
	responder Responder
	writeErr  error
	writes    [][]byte
	delay     time.Duration
	mu        syncutil.Mutex
	connected bool
}

// NewMockTransport creates a connected mock transport with no responder.
func NewMockTransport() *MockTransport {
	return &MockTransport{connected: true}
}

// Write implements Transport. Arrivals are dispatched before Write returns unless a
// delay is configured, in which case they are dispatched from a timer goroutine.
func (m *MockTransport) Write(data []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return NewTransportClosedError("write", "mock")
	}
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return &TransportError{Op: "write", Port: "mock", Err: err}
	}
	m.writes = append(m.writes, append([]byte(nil), data...))
	responder := m.responder
	delay := m.delay
	m.mu.Unlock()

	if responder == nil {
		return nil
	}
	arrivals := responder(data)
	if delay > 0 {
		time.AfterFunc(delay, func() { m.deliver(arrivals) })
		return nil
	}
	m.deliver(arrivals)
	return nil
}

func (m *MockTransport) deliver(arrivals [][]byte) {
	for _, chunk := range arrivals {
		m.Dispatch(chunk)
	}
}

// Close implements Transport
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// IsConnected implements Transport
func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Type implements Transport
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// SetResponder installs the script used to answer writes.
func (m *MockTransport) SetResponder(responder Responder) {
	m.mu.Lock()
	m.responder = responder
	m.mu.Unlock()
}

// SetWriteError makes every following write fail with err; nil clears it.
func (m *MockTransport) SetWriteError(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// SetDelay defers arrivals by delay to simulate link latency.
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

// Inject delivers an unsolicited arrival and returns how many listeners received it.
func (m *MockTransport) Inject(chunk []byte) int {
	return m.Dispatch(chunk)
}

// Writes returns a copy of everything written so far.
func (m *MockTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// WriteCount returns how many writes equal data.
func (m *MockTransport) WriteCount(data []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, w := range m.writes {
		if string(w) == string(data) {
			count++
		}
	}
	return count
}

// EchoResponder answers like a healthy programmer: READY to the query, the token for
// every byte frame, and after the finish signal a line ending followed by finish.
func EchoResponder(finish ...string) Responder {
	return func(written []byte) [][]byte {
		switch {
		case len(written) == 1 && written[0] == wire.Query:
			return [][]byte{[]byte(wire.ReadyReply)}
		case len(written) == 1 && written[0] == wire.FinishSignal:
			out := [][]byte{wire.LineEnding}
			for _, line := range finish {
				out = append(out, []byte(line))
			}
			return out
		case len(written) == wire.FrameLength && written[wire.TokenLength] == wire.TokenSeparator:
			return [][]byte{append([]byte(nil), written[:wire.TokenLength]...)}
		default:
			return nil
		}
	}
}

// Ensure MockTransport implements Transport
var _ Transport = (*MockTransport)(nil)
