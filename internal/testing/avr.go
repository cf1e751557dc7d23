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
	"errors"

	"github.com/ZaparooProject/go-avrprog/internal/syncutil"
	"github.com/ZaparooProject/go-avrprog/isp"
	"periph.io/x/conn/v3/gpio"
)

const erasedWord = 0xFFFF

var errShortTransfer = errors.New("ISP instructions are 4 bytes")

// SimulatedAVR models an AVR target's serial programming interface in memory.
// It satisfies isp.Bus and isp.ResetLine.
//
// Like real flash, a page write can only clear bits; programming over unerased
// words without a chip erase leaves the AND of old and new contents.
type SimulatedAVR struct {
	corrupt     map[uint16]uint16
	flash       []uint16
	pageBuffer  []uint16
	geometry    isp.Geometry
	erases      int
	pageWrites  int
	failSyncs   int
	mu          syncutil.Mutex
	resetLow    bool
	programming bool
}

// NewSimulatedAVR creates an erased target with the given geometry.
func NewSimulatedAVR(g isp.Geometry) *SimulatedAVR {
	avr := &SimulatedAVR{
		geometry:   g,
		flash:      make([]uint16, g.FlashWords),
		pageBuffer: make([]uint16, g.PageWords),
		corrupt:    make(map[uint16]uint16),
	}
	fill(avr.flash, erasedWord)
	fill(avr.pageBuffer, erasedWord)
	return avr
}

// FailSyncs makes the next n Programming Enable instructions go unanswered.
func (a *SimulatedAVR) FailSyncs(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failSyncs = n
}

// CorruptWord flips the bits in mask whenever wordAddress is written.
func (a *SimulatedAVR) CorruptWord(wordAddress, mask uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.corrupt[wordAddress] = mask
}

// Out implements isp.ResetLine. Programming mode is left whenever RESET goes high.
func (a *SimulatedAVR) Out(l gpio.Level) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLow = l == gpio.Low
	if !a.resetLow {
		a.programming = false
	}
	return nil
}

// Tx implements isp.Bus for 4-byte serial programming instructions.
//
// The response clocks out 0x00, then echoes of the first two bytes, then the result
// byte of read instructions (or an echo of byte 3).
func (a *SimulatedAVR) Tx(w, r []byte) error {
	if len(w) != 4 || len(r) != 4 {
		return errShortTransfer
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r[0], r[1], r[2], r[3] = 0x00, w[0], w[1], w[2]
	if !a.resetLow {
		// target running its program: nothing on MISO
		r[1], r[2], r[3] = 0x00, 0x00, 0x00
		return nil
	}

	addr := uint16(w[1])<<8 | uint16(w[2])
	switch w[0] {
	case isp.InstrProgrammingEnable:
		a.programmingEnable(w, r)
	case isp.InstrLoadLow:
		if a.programming {
			i := int(addr) % a.geometry.PageWords
			a.pageBuffer[i] = a.pageBuffer[i]&0xFF00 | uint16(w[3])
		}
	case isp.InstrLoadHigh:
		if a.programming {
			i := int(addr) % a.geometry.PageWords
			a.pageBuffer[i] = a.pageBuffer[i]&0x00FF | uint16(w[3])<<8
		}
	case isp.InstrWritePage:
		if a.programming {
			a.writePage(addr)
		}
	case isp.InstrReadLow:
		if a.programming && int(addr) < len(a.flash) {
			r[3] = byte(a.flash[addr])
		}
	case isp.InstrReadHigh:
		if a.programming && int(addr) < len(a.flash) {
			r[3] = byte(a.flash[addr] >> 8)
		}
	}
	return nil
}

func (a *SimulatedAVR) programmingEnable(w, r []byte) {
	switch w[1] {
	case 0x53:
		if a.failSyncs > 0 {
			a.failSyncs--
			r[2] = 0xFF
			return
		}
		a.programming = true
	case 0x80:
		if a.programming {
			fill(a.flash, erasedWord)
			a.erases++
		}
	}
}

func (a *SimulatedAVR) writePage(addr uint16) {
	base := int(addr) &^ (a.geometry.PageWords - 1)
	for i, word := range a.pageBuffer {
		target := base + i
		if target >= len(a.flash) {
			break
		}
		word ^= a.corrupt[uint16(target)] //nolint:gosec // bounded by flash size
		a.flash[target] &= word
	}
	fill(a.pageBuffer, erasedWord)
	a.pageWrites++
}

// Program returns flash contents as bytes, low byte of each word first, trimmed to n bytes.
func (a *SimulatedAVR) Program(n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, 0, n)
	for _, word := range a.flash {
		if len(out) >= n {
			break
		}
		out = append(out, byte(word), byte(word>>8))
	}
	return out[:min(n, len(out))]
}

// Erases returns how many chip erases were executed.
func (a *SimulatedAVR) Erases() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.erases
}

// PageWrites returns how many page writes were executed.
func (a *SimulatedAVR) PageWrites() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pageWrites
}

// InProgrammingMode reports whether Programming Enable was accepted since the last reset.
func (a *SimulatedAVR) InProgrammingMode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.programming
}

func fill(words []uint16, v uint16) {
	for i := range words {
		words[i] = v
	}
}

var (
	_ isp.Bus       = (*SimulatedAVR)(nil)
	_ isp.ResetLine = (*SimulatedAVR)(nil)
)
