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
	"context"
	"fmt"
	"strings"

	"github.com/ZaparooProject/go-avrprog/internal/syncutil"
	"github.com/ZaparooProject/go-avrprog/internal/wire"
	"github.com/ZaparooProject/go-avrprog/isp"
)

// ProgramBufferSize is the number of program bytes the programmer firmware buffers
const ProgramBufferSize = 2000

// Faults injects misbehaviour into a VirtualProgrammer.
type Faults struct {
	// CorruptEchoAt echoes a wrong token for the byte at this index; negative disables
	CorruptEchoAt int
	// NoReady ignores the query byte
	NoReady bool
	// Silent produces no output at all
	Silent bool
	// JoinLineEndings sends CR LF in the same chunk as the text before it
	JoinLineEndings bool
}

// NoFaults returns a healthy configuration.
func NoFaults() Faults {
	return Faults{CorruptEchoAt: -1}
}

// VirtualProgrammer reproduces the companion programmer firmware: it consumes the
// upload protocol byte by byte and flashes a SimulatedAVR over isp.
//
// Output is handed to the emit callback one printf at a time, which is how the
// USB CDC stack on the real device tends to packetize it.
type VirtualProgrammer struct {
	avr        *SimulatedAVR
	programmer *isp.Programmer
	emit       func([]byte)
	input      strings.Builder
	program    []byte
	faults     Faults
	uploads    int
	mu         syncutil.Mutex
	halted     bool
}

// NewVirtualProgrammer creates a programmer wired to avr. emit receives each output
// chunk and must not call back into the programmer.
func NewVirtualProgrammer(avr *SimulatedAVR, faults Faults, emit func([]byte)) *VirtualProgrammer {
	return &VirtualProgrammer{
		avr:        avr,
		programmer: isp.New(avr, avr, isp.WithGeometry(avr.geometry), isp.WithTiming(isp.Timing{})),
		emit:       emit,
		faults:     faults,
	}
}

// Feed processes host bytes in order, as the firmware's getchar loop would.
func (v *VirtualProgrammer) Feed(data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, c := range data {
		if v.halted {
			return
		}
		v.handle(c)
	}
}

func (v *VirtualProgrammer) handle(c byte) {
	if c == wire.Query && !v.faults.NoReady {
		v.print(wire.ReadyReply)
	}
	if !wire.IsTokenChar(c) {
		return
	}

	switch c {
	case wire.FinishSignal:
		v.flash()
		v.input.Reset()
		v.program = v.program[:0]
	case wire.TokenSeparator:
		token := v.input.String()
		v.input.Reset()
		if len(v.program) >= ProgramBufferSize {
			// the firmware writes past its buffer here; model the crash
			v.halted = true
			return
		}

		echo := token
		if len(v.program) == v.faults.CorruptEchoAt {
			echo = token + "!"
		}
		v.print(echo)

		value, err := wire.DecodeToken(token)
		if err != nil {
			value = 0
		}
		v.program = append(v.program, value)
	default:
		_ = v.input.WriteByte(c)
	}
}

// flash mirrors the firmware's programming sequence and its console messages.
func (v *VirtualProgrammer) flash() {
	n := len(v.program)
	first, last := byte(0), byte(0)
	if n > 0 {
		first, last = v.program[0], v.program[n-1]
	}
	v.println(fmt.Sprintf("Program length: %d / first & last byte: %d %d", n, first, last))

	if n%2 != 0 {
		v.println("program bytes are not a multiple of 2!")
		v.halted = true
		return
	}

	ctx := context.Background()
	p := v.programmer
	if err := p.Reset(ctx); err != nil {
		v.fail(err.Error())
		return
	}
	if err := p.EnterProgrammingMode(); err != nil {
		v.fail("failed to enter programming mode")
		return
	}
	v.println("Entered programming mode")

	if err := p.ChipErase(ctx); err != nil {
		v.fail("the erase operation has been performed too many times in this session!")
		return
	}
	v.println("Erased program memory successfully for programming")

	words := make([]uint16, n/2)
	for i := range words {
		words[i] = uint16(v.program[2*i]) | uint16(v.program[2*i+1])<<8
	}

	pageWords := p.Geometry().PageWords
	fullPages := len(words) / pageWords
	for page := range fullPages {
		v.println(fmt.Sprintf("Flashing page %d..", page))
		if !v.writeAndVerify(ctx, page*pageWords, words[page*pageWords:(page+1)*pageWords]) {
			return
		}
	}

	v.println("Flashing partial page..")
	if !v.writeAndVerify(ctx, fullPages*pageWords, words[fullPages*pageWords:]) {
		return
	}

	v.println("Verifying overall page flashes..")
	if err := p.Verify(0, words); err != nil {
		v.fail("Overall page verification failed! Pages have not been flashed correctly..")
		return
	}
	v.println("Overall page flash verification successful! Firmware has been flashed correctly")
	v.println("Going back to standby mode for future flashes..")
	v.print(wire.FinishPrefix)
	v.uploads++
}

func (v *VirtualProgrammer) writeAndVerify(ctx context.Context, base int, words []uint16) bool {
	p := v.programmer
	for offset, word := range words {
		if err := p.LoadWord(uint16(offset), word); err != nil { //nolint:gosec // < page size
			v.fail(err.Error())
			return false
		}
	}
	if err := p.WritePage(ctx, uint16(base)); err != nil { //nolint:gosec // < flash size
		v.fail(err.Error())
		return false
	}

	v.println("Verifying flash..")
	if err := p.Verify(uint16(base), words); err != nil { //nolint:gosec // < flash size
		v.fail("Verification failed! Page has not been flashed correctly..")
		return false
	}
	v.println("Page flash successfully verified!")
	return true
}

func (v *VirtualProgrammer) fail(msg string) {
	v.println(msg)
	v.halted = true
}

func (v *VirtualProgrammer) print(s string) {
	if v.faults.Silent || v.emit == nil {
		return
	}
	v.emit([]byte(s))
}

// println sends text and its CR LF, separately unless JoinLineEndings is set.
func (v *VirtualProgrammer) println(s string) {
	if v.faults.JoinLineEndings {
		v.print(s + "\r\n")
		return
	}
	v.print(s)
	v.print("\r\n")
}

// Halted reports whether the firmware hit one of its terminal error paths.
func (v *VirtualProgrammer) Halted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.halted
}

// Uploads returns how many uploads finished with FINISH.
func (v *VirtualProgrammer) Uploads() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.uploads
}
