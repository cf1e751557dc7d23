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
	"github.com/ZaparooProject/go-avrprog/internal/syncutil"
)

// Transport is the duplex byte channel to the programmer.
// Implementations deliver every arrival, as read from the link, to every subscribed
// handler. No framing is applied: one arrival is one response.
type Transport interface {
	// Write sends data to the programmer
	Write(data []byte) error

	// Subscribe registers a handler for arrivals. The returned function removes it
	// and may be called more than once.
	Subscribe(handler DataHandler) (unsubscribe func())

	// Close closes the transport connection
	Close() error

	// IsConnected returns true if the transport is open
	IsConnected() bool

	// Type returns the transport type
	Type() TransportType
}

// DataHandler receives one arrival. Handlers run on the transport's reader goroutine
// and must not block or retain the slice after returning.
type DataHandler func(chunk []byte)

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents a USB CDC or UART serial link.
	TransportUART TransportType = "uart"
	// TransportPipe represents an in-memory link to a simulated programmer.
	TransportPipe TransportType = "pipe"
	// TransportMock represents a scripted transport for testing
	TransportMock TransportType = "mock"
)

type listener struct {
	handler DataHandler
	id      uint64
}

// Listeners is a subscriber registry transports embed to implement Subscribe.
// The zero value is ready to use.
type Listeners struct {
	entries []listener
	mu      syncutil.RWMutex
	nextID  uint64
}

// Subscribe registers handler and returns its removal function.
func (l *Listeners) Subscribe(handler DataHandler) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listener{id: id, handler: handler})
	l.mu.Unlock()

	return func() { l.remove(id) }
}

func (l *Listeners) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, entry := range l.entries {
		if entry.id == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// Dispatch delivers a copy of chunk to every subscriber in subscription order and
// returns how many received it. Handlers are called without the registry lock held.
func (l *Listeners) Dispatch(chunk []byte) int {
	l.mu.RLock()
	snapshot := make([]listener, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.RUnlock()

	if len(snapshot) == 0 {
		Logger().Debug().Int("bytes", len(chunk)).Msg("arrival dropped, no listener")
		return 0
	}

	data := append([]byte(nil), chunk...)
	for _, entry := range snapshot {
		entry.handler(data)
	}
	return len(snapshot)
}

// Len returns the number of active subscribers.
func (l *Listeners) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
