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
	"fmt"
	"time"

	"github.com/ZaparooProject/go-avrprog/internal/syncutil"
)

// awaitResponse arms a one-shot listener, writes out and waits for the next arrival,
// the response deadline or cancellation, whichever comes first. The listener is
// removed and the timer stopped on every path, so a late arrival finds no listener
// and cannot be attributed to a later exchange.
//
// The listener is armed before the write because the programmer may answer before
// Write returns.
func (d *Driver) awaitResponse(ctx context.Context, out []byte) (Response, error) {
	arrivals := make(chan []byte, 1)
	unsubscribe := d.transport.Subscribe(func(chunk []byte) {
		select {
		case arrivals <- chunk:
		default: // first arrival wins
		}
	})
	defer unsubscribe()

	if err := d.transport.Write(out); err != nil {
		return Response{}, fmt.Errorf("write %q: %w", out, err)
	}

	timer := time.NewTimer(d.config.ResponseTimeout)
	defer safeTimerStop(timer)

	select {
	case chunk := <-arrivals:
		return newResponse(chunk), nil
	case <-timer.C:
		return Response{}, ErrResponseTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// safeTimerStop stops a timer and drains its channel if it already fired
func safeTimerStop(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// arrivalQueue is an unbounded FIFO fed by a continuous listener. push never blocks,
// so transports may dispatch into it from any goroutine, including the driver's own
// goroutine inside Write.
type arrivalQueue struct {
	ready chan struct{}
	items [][]byte
	mu    syncutil.Mutex
}

func newArrivalQueue() *arrivalQueue {
	return &arrivalQueue{ready: make(chan struct{}, 1)}
}

func (q *arrivalQueue) push(chunk []byte) {
	q.mu.Lock()
	q.items = append(q.items, chunk)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until an arrival is queued or ctx is done.
func (q *arrivalQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			chunk := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return chunk, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
