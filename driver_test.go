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
	"testing"
	"time"

	"github.com/ZaparooProject/go-avrprog/internal/syncutil"
	"github.com/ZaparooProject/go-avrprog/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 40 * time.Millisecond

// eventRecorder collects observer events for assertions from the test goroutine.
type eventRecorder struct {
	events []Event
	mu     syncutil.Mutex
}

func (r *eventRecorder) observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) phases() []Phase {
	var out []Phase
	for _, e := range r.ofKind(EventPhaseChanged) {
		out = append(out, e.Phase)
	}
	return out
}

func newTestDriver(t *testing.T, transport Transport) (*Driver, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	drv, err := NewDriver(transport, WithResponseTimeout(testTimeout), WithObserver(rec.observe))
	require.NoError(t, err)
	return drv, rec
}

// byteFrames filters the per-byte frames out of the write log.
func byteFrames(writes [][]byte) []string {
	var out []string
	for _, w := range writes {
		if len(w) == wire.FrameLength {
			out = append(out, string(w))
		}
	}
	return out
}

func TestNewDriver(t *testing.T) {
	t.Parallel()

	t.Run("NilTransport", func(t *testing.T) {
		t.Parallel()
		drv, err := NewDriver(nil)
		require.ErrorIs(t, err, ErrNilTransport)
		assert.Nil(t, drv)
	})

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()
		drv, err := NewDriver(NewMockTransport())
		require.NoError(t, err)
		assert.Equal(t, DefaultResponseTimeout, drv.config.ResponseTimeout)
		assert.Equal(t, 5*time.Second, drv.config.ResponseTimeout)
		assert.Nil(t, drv.config.Observer)
		assert.Equal(t, PhaseInit, drv.Phase())
		assert.Nil(t, drv.Session())
	})

	t.Run("IgnoresNonPositiveTimeout", func(t *testing.T) {
		t.Parallel()
		drv, err := NewDriver(NewMockTransport(), WithResponseTimeout(0))
		require.NoError(t, err)
		assert.Equal(t, DefaultResponseTimeout, drv.config.ResponseTimeout)
	})
}

func TestDriver_Run_PerfectEcho(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponder(EchoResponder("Program length: 4", "FINISH"))
	drv, rec := newTestDriver(t, mock)

	image := NewImage([]byte{0x0C, 0x94, 0x1A, 0xFF})
	result, err := drv.Run(context.Background(), image)
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.Equal(t, PhaseDone, result.Phase)
	assert.Equal(t, 4, result.BytesVerified)
	assert.Equal(t, 4, result.Total)
	assert.True(t, result.HandshakeReady)

	writes := mock.Writes()
	require.Len(t, writes, 6)
	assert.Equal(t, []byte{'?'}, writes[0])
	assert.Equal(t, []string{"0x0c ", "0x94 ", "0x1a ", "0xff "}, byteFrames(writes))
	assert.Equal(t, []byte{0x0D}, writes[5])

	assert.Equal(t,
		[]Phase{PhaseAwaitReady, PhaseSending, PhaseAwaitFinish, PhaseDone},
		rec.phases())

	verified := rec.ofKind(EventByteVerified)
	require.Len(t, verified, 4)
	for i, e := range verified {
		assert.Equal(t, i, e.Index, "round trips must be in index order")
		assert.Equal(t, 4, e.Total)
	}
	assert.InDelta(t, 100.0, verified[3].Percentage(), 0.001)

	messages := rec.ofKind(EventDeviceMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "Program length: 4", messages[0].Message)
	assert.Empty(t, rec.ofKind(EventHandshakeWarning))
	assert.Len(t, rec.ofKind(EventFinished), 1)
	assert.Zero(t, mock.Len(), "no listener may outlive the session")
}

func TestDriver_Run_TokenRendering(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	var echoed []string
	mock.SetResponder(func(written []byte) [][]byte {
		arrivals := EchoResponder("FINISH")(written)
		if len(written) == wire.FrameLength {
			echoed = append(echoed, string(arrivals[0]))
		}
		return arrivals
	})
	drv, _ := newTestDriver(t, mock)

	_, err := drv.Run(context.Background(), NewImage([]byte{0x1A}))
	require.NoError(t, err)

	assert.Equal(t, []string{"0x1a "}, byteFrames(mock.Writes()))
	assert.Equal(t, []string{"0x1a"}, echoed, "expected readback has no trailing space")
}

func TestDriver_Run_MismatchStopsTransfer(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	echo := EchoResponder("FINISH")
	mock.SetResponder(func(written []byte) [][]byte {
		if string(written) == "0x33 " {
			return [][]byte{[]byte("0x3e")}
		}
		return echo(written)
	})
	drv, rec := newTestDriver(t, mock)

	image := NewImage([]byte{0x11, 0x22, 0x33, 0x44, 0x55})
	result, err := drv.Run(context.Background(), image)

	require.Error(t, err)
	assert.True(t, IsReadbackFailure(err))
	var rbErr *ReadbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, 2, rbErr.Index)
	assert.Equal(t, "0x33", rbErr.Expected)
	assert.Equal(t, "0x3e", rbErr.Got)
	assert.False(t, rbErr.TimedOut)

	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Equal(t, 2, result.BytesVerified)
	assert.Equal(t, PhaseFailed, drv.Phase())

	assert.Equal(t, []string{"0x11 ", "0x22 ", "0x33 "}, byteFrames(mock.Writes()),
		"bytes after the mismatch must never be sent")
	assert.Zero(t, mock.WriteCount([]byte{wire.FinishSignal}))

	failed := rec.ofKind(EventReadbackFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Index)
}

func TestDriver_Run_HandshakeDoesNotGateTransfer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply [][]byte
	}{
		{name: "WrongReply", reply: [][]byte{[]byte("BUSY")}},
		{name: "NoReply", reply: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := NewMockTransport()
			echo := EchoResponder("FINISH")
			mock.SetResponder(func(written []byte) [][]byte {
				if len(written) == 1 && written[0] == wire.Query {
					return tt.reply
				}
				return echo(written)
			})
			drv, rec := newTestDriver(t, mock)

			result, err := drv.Run(context.Background(), NewImage([]byte{0xAB, 0xCD}))
			require.NoError(t, err)

			assert.Equal(t, PhaseDone, result.Phase)
			assert.False(t, result.HandshakeReady)
			assert.Equal(t, []string{"0xab ", "0xcd "}, byteFrames(mock.Writes()))

			warnings := rec.ofKind(EventHandshakeWarning)
			require.Len(t, warnings, 1)
			require.ErrorIs(t, warnings[0].Err, ErrHandshakeNotReady)
			if tt.reply == nil {
				require.ErrorIs(t, warnings[0].Err, ErrResponseTimeout)
			}
		})
	}
}

func TestDriver_Run_FinishSignalSentOnce(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponder(EchoResponder("Entered programming mode", "FINISH-OK"))
	drv, rec := newTestDriver(t, mock)

	result, err := drv.Run(context.Background(), NewImage([]byte{1, 2, 3}))
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, result.Phase)
	assert.Equal(t, 1, mock.WriteCount([]byte{0x0D}))
	writes := mock.Writes()
	assert.Equal(t, []byte{0x0D}, writes[len(writes)-1], "finish signal follows the last byte")

	finished := rec.ofKind(EventFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, "FINISH-OK", finished[0].Message)
}

func TestDriver_Run_LineEndingIgnoredDuringFinishWait(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponder(EchoResponder())
	drv, rec := newTestDriver(t, mock)

	done := make(chan error, 1)
	var result Result
	go func() {
		var err error
		result, err = drv.Run(context.Background(), NewImage([]byte{0x42}))
		done <- err
	}()

	require.Eventually(t, func() bool {
		return drv.Phase() == PhaseAwaitFinish
	}, time.Second, 5*time.Millisecond)

	mock.Inject([]byte{0x0D, 0x0A})
	mock.Inject([]byte{0x0D, 0x0A})

	select {
	case err := <-done:
		t.Fatalf("session ended on a line ending: %v", err)
	case <-time.After(3 * testTimeout):
	}
	assert.Equal(t, PhaseAwaitFinish, drv.Phase())
	assert.Empty(t, rec.ofKind(EventDeviceMessage))

	mock.Inject([]byte("FINISH"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session did not finish")
	}
	assert.Equal(t, PhaseDone, result.Phase)
}

func TestDriver_Run_ReadbackTimeoutIsMismatch(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	echo := EchoResponder("FINISH")
	mock.SetResponder(func(written []byte) [][]byte {
		if string(written) == "0x02 " {
			return nil
		}
		return echo(written)
	})
	drv, rec := newTestDriver(t, mock)

	start := time.Now()
	result, err := drv.Run(context.Background(), NewImage([]byte{0x01, 0x02, 0x03}))
	elapsed := time.Since(start)

	require.Error(t, err)
	require.ErrorIs(t, err, ErrReadbackMismatch)
	assert.NotErrorIs(t, err, ErrResponseTimeout, "timeouts are reported as mismatches")
	var rbErr *ReadbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, 1, rbErr.Index)
	assert.True(t, rbErr.TimedOut)
	assert.Empty(t, rbErr.Got)

	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Equal(t, 1, result.BytesVerified)
	assert.Equal(t, []string{"0x01 ", "0x02 "}, byteFrames(mock.Writes()))
	assert.GreaterOrEqual(t, elapsed, testTimeout)
	assert.Len(t, rec.ofKind(EventReadbackFailed), 1)
}

func TestDriver_Run_EmptyImage(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	drv, _ := newTestDriver(t, mock)

	result, err := drv.Run(context.Background(), NewImage(nil))
	require.ErrorIs(t, err, ErrEmptyImage)
	assert.Equal(t, PhaseInit, result.Phase)
	assert.Empty(t, mock.Writes())
}

func TestDriver_Run_WriteFailure(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetWriteError(errors.New("device unplugged"))
	drv, _ := newTestDriver(t, mock)

	result, err := drv.Run(context.Background(), NewImage([]byte{0x01}))
	require.Error(t, err)
	assert.True(t, IsTransportFailure(err))
	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Zero(t, mock.Len())
}

func TestDriver_Run_ClosedTransport(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	require.NoError(t, mock.Close())
	drv, _ := newTestDriver(t, mock)

	result, err := drv.Run(context.Background(), NewImage([]byte{0x01}))
	require.ErrorIs(t, err, ErrTransportClosed)
	assert.Equal(t, PhaseFailed, result.Phase)
}

func TestDriver_Run_CancelDuringFinishWait(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponder(EchoResponder("Flashing page 0.."))
	drv, rec := newTestDriver(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var result Result
	go func() {
		var err error
		result, err = drv.Run(ctx, NewImage([]byte{0x10, 0x20}))
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(rec.ofKind(EventDeviceMessage)) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("finish wait ignored cancellation")
	}
	assert.Equal(t, PhaseAwaitFinish, result.Phase, "the finish wait never fails the session")
	assert.Equal(t, 2, result.BytesVerified)
	assert.Zero(t, mock.Len())
}

func TestDriver_Run_CancelDuringTransfer(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	echo := EchoResponder("FINISH")
	mock.SetResponder(func(written []byte) [][]byte {
		if string(written) == "0x02 " {
			return nil
		}
		return echo(written)
	})
	rec := &eventRecorder{}
	drv, err := NewDriver(mock, WithResponseTimeout(time.Minute), WithObserver(rec.observe))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	start := time.Now()
	result, err := drv.Run(ctx, NewImage([]byte{0x01, 0x02}))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Empty(t, rec.ofKind(EventReadbackFailed))
}

func TestDriver_Ping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		responder Responder
		name      string
		want      bool
	}{
		{name: "Ready", responder: EchoResponder(), want: true},
		{name: "WrongReply", responder: func([]byte) [][]byte { return [][]byte{[]byte("BUSY")} }},
		{name: "Silent", responder: func([]byte) [][]byte { return nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := NewMockTransport()
			mock.SetResponder(tt.responder)
			drv, _ := newTestDriver(t, mock)

			ready, err := drv.Ping(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ready)
			assert.Equal(t, 1, mock.WriteCount([]byte("?")))
			assert.Nil(t, drv.Session())
		})
	}

	t.Run("ClosedTransport", func(t *testing.T) {
		t.Parallel()
		mock := NewMockTransport()
		require.NoError(t, mock.Close())
		drv, _ := newTestDriver(t, mock)

		_, err := drv.Ping(context.Background())
		require.ErrorIs(t, err, ErrTransportClosed)
	})
}

func TestDriver_AwaitResponse(t *testing.T) {
	t.Parallel()

	t.Run("FirstArrivalWins", func(t *testing.T) {
		t.Parallel()
		mock := NewMockTransport()
		mock.SetResponder(func([]byte) [][]byte {
			return [][]byte{[]byte("first"), []byte("second")}
		})
		drv, _ := newTestDriver(t, mock)

		resp, err := drv.awaitResponse(context.Background(), []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, "first", resp.Text())
		assert.Zero(t, mock.Len())
	})

	t.Run("TimeoutRemovesListener", func(t *testing.T) {
		t.Parallel()
		mock := NewMockTransport()
		drv, _ := newTestDriver(t, mock)

		_, err := drv.awaitResponse(context.Background(), []byte("?"))
		require.ErrorIs(t, err, ErrResponseTimeout)
		assert.True(t, IsTimeout(err))
		assert.Zero(t, mock.Len())
		assert.Zero(t, mock.Inject([]byte("late")), "late arrival must find no listener")
	})

	t.Run("DelayedArrivalWithinDeadline", func(t *testing.T) {
		t.Parallel()
		mock := NewMockTransport()
		mock.SetDelay(testTimeout / 4)
		mock.SetResponder(EchoResponder())
		drv, _ := newTestDriver(t, mock)

		resp, err := drv.awaitResponse(context.Background(), []byte("0x7f "))
		require.NoError(t, err)
		assert.Equal(t, "0x7f", resp.Text())
	})

	t.Run("LateArrivalNotMisattributed", func(t *testing.T) {
		t.Parallel()
		mock := NewMockTransport()
		mock.SetDelay(3 * testTimeout)
		mock.SetResponder(func([]byte) [][]byte { return [][]byte{[]byte("stale")} })
		drv, _ := newTestDriver(t, mock)

		_, err := drv.awaitResponse(context.Background(), []byte("0x01 "))
		require.ErrorIs(t, err, ErrResponseTimeout)

		// let the stale reply land while no exchange is pending
		time.Sleep(3 * testTimeout)

		mock.SetDelay(0)
		mock.SetResponder(EchoResponder())
		resp, err := drv.awaitResponse(context.Background(), []byte("0x02 "))
		require.NoError(t, err)
		assert.Equal(t, "0x02", resp.Text())
	})
}

func TestArrivalQueue(t *testing.T) {
	t.Parallel()

	q := newArrivalQueue()
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.push([]byte("d"))
	}()
	got, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "d", string(got))
}
