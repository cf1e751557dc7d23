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
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
)

// Phase is a state of the upload session.
type Phase string

const (
	PhaseInit        Phase = "INIT"
	PhaseAwaitReady  Phase = "AWAIT_READY"
	PhaseSending     Phase = "SENDING"
	PhaseAwaitFinish Phase = "AWAIT_FINISH"
	PhaseDone        Phase = "DONE"
	PhaseFailed      Phase = "FAILED"
)

// IsTerminal reports whether no further transition can leave the phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Session events
const (
	eventHandshake = "handshake"
	eventTransfer  = "transfer"
	eventFinish    = "finish"
	eventComplete  = "complete"
	eventFail      = "fail"
)

// Session is the transient state of one upload: phase, next byte index and outcome.
// It is created by Driver.Run and only mutated by the driver goroutine; Phase and
// Index may be read concurrently.
type Session struct {
	startedAt      time.Time
	machine        *fsm.FSM
	image          Image
	index          atomic.Int64
	handshakeReady bool
}

func newSession(image Image, onPhase func(from, to Phase)) *Session {
	s := &Session{image: image, startedAt: time.Now()}
	s.machine = fsm.NewFSM(
		string(PhaseInit),
		fsm.Events{
			{Name: eventHandshake, Src: []string{string(PhaseInit)}, Dst: string(PhaseAwaitReady)},
			{Name: eventTransfer, Src: []string{string(PhaseAwaitReady)}, Dst: string(PhaseSending)},
			{Name: eventFinish, Src: []string{string(PhaseSending)}, Dst: string(PhaseAwaitFinish)},
			{Name: eventComplete, Src: []string{string(PhaseAwaitFinish)}, Dst: string(PhaseDone)},
			{
				Name: eventFail,
				Src:  []string{string(PhaseAwaitReady), string(PhaseSending), string(PhaseAwaitFinish)},
				Dst:  string(PhaseFailed),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onPhase != nil {
					onPhase(Phase(e.Src), Phase(e.Dst))
				}
			},
		},
	)
	return s
}

// transition fires a session event. Transitions are bookkeeping and must not be
// interrupted by a cancelled session context.
func (s *Session) transition(ctx context.Context, event string) error {
	if err := s.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		return fmt.Errorf("session event %s from %s: %w", event, s.machine.Current(), err)
	}
	return nil
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	return Phase(s.machine.Current())
}

// Index returns the next untransmitted byte index.
func (s *Session) Index() int {
	return int(s.index.Load())
}

func (s *Session) advance() int {
	return int(s.index.Add(1))
}

func (s *Session) result() Result {
	return Result{
		Phase:          s.Phase(),
		BytesVerified:  s.Index(),
		Total:          s.image.Len(),
		HandshakeReady: s.handshakeReady,
		Elapsed:        time.Since(s.startedAt),
	}
}

// Result is the outcome of Driver.Run.
type Result struct {
	Phase          Phase
	BytesVerified  int
	Total          int
	Elapsed        time.Duration
	HandshakeReady bool
}

// Succeeded reports whether the programmer confirmed flashing.
func (r Result) Succeeded() bool {
	return r.Phase == PhaseDone
}
