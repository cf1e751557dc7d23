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
	"sync/atomic"

	"github.com/ZaparooProject/go-avrprog/internal/wire"
	"github.com/rs/zerolog"
)

// Driver runs upload sessions against a programmer reachable through a Transport.
//
// Exchanges are strictly sequential: byte i+1 is written only after the readback of
// byte i resolved. Responses carry no sequence numbers and are attributed to the last
// write purely by arrival order, which is only sound with one request outstanding.
// Never pipeline writes through a Driver.
//
// A Driver runs one session at a time and does not open or close its transport.
type Driver struct {
	transport Transport
	current   atomic.Pointer[Session]
	config    Config
}

// NewDriver creates a Driver for an already opened transport.
//
// Example:
//
//	port := uart.New("/dev/ttyACM0")
//	if err := port.Open(); err != nil {
//	    return err
//	}
//	drv, err := avrprog.NewDriver(port, avrprog.WithObserver(printEvent))
func NewDriver(transport Transport, opts ...Option) (*Driver, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{transport: transport, config: cfg}, nil
}

// Session returns the most recent session, or nil before the first Run.
func (d *Driver) Session() *Session {
	return d.current.Load()
}

// Phase returns the phase of the most recent session, PhaseInit before the first Run.
func (d *Driver) Phase() Phase {
	if s := d.current.Load(); s != nil {
		return s.Phase()
	}
	return PhaseInit
}

// Ping sends the query byte and reports whether the programmer answered READY within
// the response timeout. Silence is not an error. Do not call Ping while Run is active.
func (d *Driver) Ping(ctx context.Context) (bool, error) {
	resp, err := d.awaitResponse(ctx, []byte{wire.Query})
	switch {
	case errors.Is(err, ErrResponseTimeout):
		return false, nil
	case err != nil:
		return false, err
	}
	return resp.Text() == wire.ReadyReply, nil
}

// Run uploads image: handshake, per-byte transfer with readback verification, finish
// signal, then waiting for the programmer to report completion.
//
// The handshake result never gates the transfer. A readback mismatch or timeout ends
// the session in PhaseFailed with a *ReadbackError. The completion wait has no
// deadline; it returns only on a FINISH message or when ctx is cancelled, in which case
// the session stays in PhaseAwaitFinish.
func (d *Driver) Run(ctx context.Context, image Image) (Result, error) {
	if image.Len() == 0 {
		return Result{Phase: PhaseInit}, ErrEmptyImage
	}

	log := d.logger()
	sess := newSession(image, func(from, to Phase) {
		log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("session phase changed")
		d.emit(Event{Kind: EventPhaseChanged, Previous: from, Phase: to, Total: image.Len()})
	})
	d.current.Store(sess)

	if err := d.handshake(ctx, sess); err != nil {
		return sess.result(), err
	}
	if err := d.transfer(ctx, sess); err != nil {
		return sess.result(), err
	}
	if err := d.awaitFinish(ctx, sess); err != nil {
		return sess.result(), err
	}
	return sess.result(), nil
}

// handshake queries the programmer. Anything but READY, including silence, is only a
// warning: the transfer starts regardless.
func (d *Driver) handshake(ctx context.Context, sess *Session) error {
	if err := sess.transition(ctx, eventHandshake); err != nil {
		return err
	}

	resp, err := d.awaitResponse(ctx, []byte{wire.Query})
	switch {
	case err == nil && resp.Text() == wire.ReadyReply:
		sess.handshakeReady = true
		d.logger().Debug().Msg("programmer ready")
	case err == nil || errors.Is(err, ErrResponseTimeout):
		warning := ErrHandshakeNotReady
		if err != nil {
			warning = fmt.Errorf("%w: %w", ErrHandshakeNotReady, err)
		}
		d.logger().Warn().Err(warning).Str("reply", resp.Text()).Msg("programmer did not reply with ready")
		d.emit(Event{
			Kind:    EventHandshakeWarning,
			Phase:   sess.Phase(),
			Message: resp.Text(),
			Err:     warning,
			Total:   sess.image.Len(),
		})
	default:
		return d.fail(ctx, sess, fmt.Errorf("handshake: %w", err))
	}

	return sess.transition(ctx, eventTransfer)
}

// transfer writes every byte in order and requires an exact echo of its token.
func (d *Driver) transfer(ctx context.Context, sess *Session) error {
	total := sess.image.Len()
	log := d.logger()

	for i := sess.Index(); i < total; i = sess.Index() {
		expected := sess.image.Token(i)

		resp, err := d.awaitResponse(ctx, sess.image.Frame(i))
		timedOut := errors.Is(err, ErrResponseTimeout)
		if err != nil && !timedOut {
			return d.fail(ctx, sess, fmt.Errorf("byte %d: %w", i, err))
		}

		got := ""
		if !timedOut {
			got = resp.Text()
		}
		if timedOut || got != expected {
			rbErr := &ReadbackError{Index: i, Expected: expected, Got: got, TimedOut: timedOut}
			log.Error().Err(rbErr).Int("index", i).Int("total", total).Msg("readback failed")
			d.emit(Event{
				Kind:    EventReadbackFailed,
				Phase:   sess.Phase(),
				Index:   i,
				Total:   total,
				Message: got,
				Err:     rbErr,
			})
			return d.fail(ctx, sess, rbErr)
		}

		sess.advance()
		d.emit(Event{Kind: EventByteVerified, Phase: sess.Phase(), Index: i, Total: total})
	}

	log.Debug().Int("bytes", total).Msg("all program bytes sent")
	return sess.transition(ctx, eventFinish)
}

// awaitFinish sends the finish signal and consumes arrivals until the programmer
// reports completion. CR LF arrivals are line ending echoes and are ignored.
func (d *Driver) awaitFinish(ctx context.Context, sess *Session) error {
	queue := newArrivalQueue()
	unsubscribe := d.transport.Subscribe(queue.push)
	defer unsubscribe()

	if err := d.transport.Write([]byte{wire.FinishSignal}); err != nil {
		return d.fail(ctx, sess, fmt.Errorf("finish signal: %w", err))
	}

	for {
		raw, err := queue.pop(ctx)
		if err != nil {
			return fmt.Errorf("waiting for programmer to finish: %w", err)
		}

		resp := newResponse(raw)
		switch {
		case resp.IsLineEnding():
			continue
		case resp.IsFinish():
			if err := sess.transition(ctx, eventComplete); err != nil {
				return err
			}
			d.logger().Debug().Str("reply", resp.Text()).Msg("programmer finished")
			d.emit(Event{
				Kind:    EventFinished,
				Phase:   sess.Phase(),
				Index:   sess.Index(),
				Total:   sess.image.Len(),
				Message: resp.Text(),
			})
			return nil
		default:
			d.emit(Event{
				Kind:    EventDeviceMessage,
				Phase:   sess.Phase(),
				Index:   sess.Index(),
				Total:   sess.image.Len(),
				Message: resp.Text(),
			})
		}
	}
}

// fail moves the session to PhaseFailed and returns cause.
func (*Driver) fail(ctx context.Context, sess *Session, cause error) error {
	if err := sess.transition(ctx, eventFail); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (d *Driver) emit(e Event) {
	if d.config.Observer != nil {
		d.config.Observer(e)
	}
}

func (d *Driver) logger() *zerolog.Logger {
	if d.config.Logger != nil {
		return d.config.Logger
	}
	return Logger()
}
