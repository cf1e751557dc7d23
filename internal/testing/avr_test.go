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
	"testing"

	"github.com/ZaparooProject/go-avrprog/isp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

func tx(t *testing.T, avr *SimulatedAVR, w ...byte) []byte {
	t.Helper()
	r := make([]byte, 4)
	require.NoError(t, avr.Tx(w, r))
	return r
}

func enterProgramming(t *testing.T, avr *SimulatedAVR) {
	t.Helper()
	require.NoError(t, avr.Out(gpio.High))
	require.NoError(t, avr.Out(gpio.Low))
	r := tx(t, avr, 0xAC, 0x53, 0x00, 0x00)
	require.Equal(t, byte(0x53), r[2])
}

func TestSimulatedAVR_RequiresReset(t *testing.T) {
	t.Parallel()

	avr := NewSimulatedAVR(isp.ATtiny84A())
	r := tx(t, avr, 0xAC, 0x53, 0x00, 0x00)
	assert.Equal(t, []byte{0, 0, 0, 0}, r)
	assert.False(t, avr.InProgrammingMode())

	enterProgramming(t, avr)
	assert.True(t, avr.InProgrammingMode())

	require.NoError(t, avr.Out(gpio.High))
	assert.False(t, avr.InProgrammingMode())
}

func TestSimulatedAVR_PageWriteAndRead(t *testing.T) {
	t.Parallel()

	avr := NewSimulatedAVR(isp.ATtiny84A())
	enterProgramming(t, avr)

	// word 33 lives at offset 1 of page 1
	tx(t, avr, 0x40, 0x00, 0x01, 0x0C)
	tx(t, avr, 0x48, 0x00, 0x01, 0x94)
	tx(t, avr, 0x4C, 0x00, 0x20, 0x00)

	assert.Equal(t, byte(0x94), tx(t, avr, 0x28, 0x00, 0x21, 0x00)[3])
	assert.Equal(t, byte(0x0C), tx(t, avr, 0x20, 0x00, 0x21, 0x00)[3])
	assert.Equal(t, byte(0xFF), tx(t, avr, 0x20, 0x00, 0x20, 0x00)[3], "unloaded words stay erased")
	assert.Equal(t, 1, avr.PageWrites())
}

func TestSimulatedAVR_WriteOnlyClearsBits(t *testing.T) {
	t.Parallel()

	avr := NewSimulatedAVR(isp.ATtiny84A())
	enterProgramming(t, avr)

	tx(t, avr, 0x40, 0x00, 0x00, 0xF0)
	tx(t, avr, 0x4C, 0x00, 0x00, 0x00)
	tx(t, avr, 0x40, 0x00, 0x00, 0x0F)
	tx(t, avr, 0x4C, 0x00, 0x00, 0x00)
	assert.Equal(t, byte(0x00), tx(t, avr, 0x20, 0x00, 0x00, 0x00)[3])

	tx(t, avr, 0xAC, 0x80, 0x00, 0x00)
	assert.Equal(t, byte(0xFF), tx(t, avr, 0x20, 0x00, 0x00, 0x00)[3])
	assert.Equal(t, 1, avr.Erases())
}

func TestSimulatedAVR_FailSyncs(t *testing.T) {
	t.Parallel()

	avr := NewSimulatedAVR(isp.ATtiny84A())
	avr.FailSyncs(1)
	require.NoError(t, avr.Out(gpio.Low))

	assert.NotEqual(t, byte(0x53), tx(t, avr, 0xAC, 0x53, 0x00, 0x00)[2])
	assert.Equal(t, byte(0x53), tx(t, avr, 0xAC, 0x53, 0x00, 0x00)[2])
}

func TestSimulatedAVR_ShortTransfer(t *testing.T) {
	t.Parallel()

	avr := NewSimulatedAVR(isp.ATtiny84A())
	require.ErrorIs(t, avr.Tx([]byte{0xAC}, make([]byte, 1)), errShortTransfer)
}

func TestSimulatedAVR_Program(t *testing.T) {
	t.Parallel()

	avr := NewSimulatedAVR(isp.Geometry{Name: "tiny", PageWords: 2, FlashWords: 2})
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, avr.Program(3))
	assert.Len(t, avr.Program(10), 4)
}
