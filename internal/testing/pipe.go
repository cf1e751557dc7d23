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

package testing

import (
	"math/rand/v2"
	"time"

	"github.com/ZaparooProject/go-avrprog"
	"github.com/ZaparooProject/go-avrprog/internal/syncutil"
)

// outboxSize bounds device output not yet delivered to listeners
const outboxSize = 4096

// PipeOption configures a PipeTransport.
type PipeOption func(*PipeTransport)

// WithLatency delays every device output chunk by d.
func WithLatency(d time.Duration) PipeOption {
	return func(p *PipeTransport) {
		p.latency = d
	}
}

// WithJitter adds a random delay of up to maxDelay to every chunk, like a USB-UART
// bridge with unpredictable latency. Chunk order and boundaries are preserved.
// A zero seed picks a random one.
func WithJitter(maxDelay time.Duration, seed uint64) PipeOption {
	return func(p *PipeTransport) {
		if seed == 0 {
			seed = rand.Uint64() //nolint:gosec // Test code, not crypto
		}
		p.jitter = maxDelay
		p.rng = rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)) //nolint:gosec // Test code, not crypto
	}
}

// PipeTransport is an in-memory avrprog.Transport whose peer is a VirtualProgrammer.
// Host writes are processed synchronously; device output is delivered in order on a
// separate goroutine, so arrivals race timers the way they do on a real link.
type PipeTransport struct {
	avrprog.Listeners
	programmer *VirtualProgrammer
	avr        *SimulatedAVR
	rng        *rand.Rand
	outbox     chan []byte
	done       chan struct{}
	writes     [][]byte
	latency    time.Duration
	jitter     time.Duration
	mu         syncutil.Mutex
	closed     bool
}

// Pipe creates a connected PipeTransport backed by a fresh VirtualProgrammer.
func Pipe(avr *SimulatedAVR, faults Faults, opts ...PipeOption) *PipeTransport {
	p := &PipeTransport{
		avr:    avr,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.programmer = NewVirtualProgrammer(avr, faults, p.enqueue)
	go p.deliver()
	return p
}

func (p *PipeTransport) enqueue(chunk []byte) {
	select {
	case p.outbox <- chunk:
	case <-p.done:
	}
}

func (p *PipeTransport) deliver() {
	for {
		select {
		case <-p.done:
			return
		case chunk := <-p.outbox:
			if d := p.delay(); d > 0 {
				select {
				case <-time.After(d):
				case <-p.done:
					return
				}
			}
			p.Dispatch(chunk)
		}
	}
}

func (p *PipeTransport) delay() time.Duration {
	d := p.latency
	if p.rng != nil && p.jitter > 0 {
		d += time.Duration(p.rng.Int64N(int64(p.jitter) + 1))
	}
	return d
}

// Write implements avrprog.Transport
func (p *PipeTransport) Write(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return avrprog.NewTransportClosedError("write", "pipe")
	}
	p.writes = append(p.writes, append([]byte(nil), data...))
	p.mu.Unlock()

	p.programmer.Feed(data)
	return nil
}

// Close implements avrprog.Transport
func (p *PipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

// IsConnected implements avrprog.Transport
func (p *PipeTransport) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Type implements avrprog.Transport
func (*PipeTransport) Type() avrprog.TransportType {
	return avrprog.TransportPipe
}

// Programmer returns the virtual programmer behind the pipe.
func (p *PipeTransport) Programmer() *VirtualProgrammer {
	return p.programmer
}

// AVR returns the simulated target.
func (p *PipeTransport) AVR() *SimulatedAVR {
	return p.avr
}

// Writes returns a copy of every host write.
func (p *PipeTransport) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

var _ avrprog.Transport = (*PipeTransport)(nil)
