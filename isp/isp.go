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

// Package isp drives an AVR microcontroller's serial programming interface: the
// 4-byte SPI instruction set used to erase, write and read program memory while the
// target is held in reset.
//
// A Programmer works over any full-duplex Bus. Open wires one to a Linux SPI port
// and GPIO line through periph.
package isp

import (
	"context"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-avrprog"
	"periph.io/x/conn/v3/gpio"
)

// Serial programming instructions
const (
	InstrProgrammingEnable = 0xAC
	InstrLoadLow           = 0x40
	InstrLoadHigh          = 0x48
	InstrWritePage         = 0x4C
	InstrReadLow           = 0x20
	InstrReadHigh          = 0x28

	// second byte of InstrProgrammingEnable variants
	subEnable    = 0x53
	subChipErase = 0x80

	// MaxErases bounds chip erases per Programmer, stopping runaway erase loops
	// before they wear out the flash
	MaxErases = 200
)

// Bus is a full-duplex SPI connection. periph's spi.Conn satisfies it.
type Bus interface {
	Tx(w, r []byte) error
}

// ResetLine drives the target's RESET pin. periph's gpio.PinOut satisfies it.
type ResetLine interface {
	Out(l gpio.Level) error
}

// Geometry describes the target's program memory.
type Geometry struct {
	Name       string
	PageWords  int
	FlashWords int
}

// ATtiny84A returns the geometry of the ATtiny24A/44A/84A family's largest member.
func ATtiny84A() Geometry {
	return Geometry{Name: "ATtiny84A", PageWords: 32, FlashWords: 4096}
}

// PageBytes returns the page size in bytes.
func (g Geometry) PageBytes() int {
	return g.PageWords * 2
}

// Timing holds the delays the target needs between instructions. The zero value
// performs no waits, which only a simulated target tolerates.
type Timing struct {
	ResetSettle  time.Duration
	ResetPulse   time.Duration
	ResetRelease time.Duration
	ChipErase    time.Duration
	WritePage    time.Duration
}

// DefaultTiming returns datasheet minimums rounded up to whole milliseconds.
func DefaultTiming() Timing {
	return Timing{
		ResetSettle:  50 * time.Millisecond,
		ResetPulse:   50 * time.Millisecond,
		ResetRelease: 20 * time.Millisecond,
		ChipErase:    9 * time.Millisecond,
		WritePage:    5 * time.Millisecond,
	}
}

// Option configures a Programmer.
type Option func(*Programmer)

// WithGeometry selects the target's memory layout.
func WithGeometry(g Geometry) Option {
	return func(p *Programmer) {
		if g.PageWords > 0 && g.FlashWords > 0 {
			p.geometry = g
		}
	}
}

// WithTiming overrides the instruction delays.
func WithTiming(t Timing) Option {
	return func(p *Programmer) {
		p.timing = t
	}
}

// Programmer issues serial programming instructions to one target.
// It is not safe for concurrent use.
type Programmer struct {
	bus      Bus
	reset    ResetLine
	geometry Geometry
	timing   Timing
	erases   int
}

// New creates a Programmer. reset may be nil when the RESET pin is driven elsewhere.
func New(bus Bus, reset ResetLine, opts ...Option) *Programmer {
	p := &Programmer{
		bus:      bus,
		reset:    reset,
		geometry: ATtiny84A(),
		timing:   DefaultTiming(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Geometry returns the target memory layout in use.
func (p *Programmer) Geometry() Geometry {
	return p.geometry
}

// Erases returns how many chip erases this Programmer has issued.
func (p *Programmer) Erases() int {
	return p.erases
}

// Reset pulses RESET high then holds it low, leaving the target ready to accept
// Programming Enable.
func (p *Programmer) Reset(ctx context.Context) error {
	if p.reset == nil {
		return nil
	}
	if err := sleepCtx(ctx, p.timing.ResetSettle); err != nil {
		return err
	}
	if err := p.reset.Out(gpio.High); err != nil {
		return fmt.Errorf("reset high: %w", err)
	}
	if err := sleepCtx(ctx, p.timing.ResetPulse); err != nil {
		return err
	}
	if err := p.reset.Out(gpio.Low); err != nil {
		return fmt.Errorf("reset low: %w", err)
	}
	return sleepCtx(ctx, p.timing.ResetRelease)
}

// Release drives RESET high so the target runs its program.
func (p *Programmer) Release() error {
	if p.reset == nil {
		return nil
	}
	if err := p.reset.Out(gpio.High); err != nil {
		return fmt.Errorf("reset release: %w", err)
	}
	return nil
}

// EnterProgrammingMode sends Programming Enable and checks the target echoed it.
func (p *Programmer) EnterProgrammingMode() error {
	r, err := p.tx(InstrProgrammingEnable, subEnable, 0x00, 0x00)
	if err != nil {
		return err
	}
	if r[2] != subEnable {
		return fmt.Errorf("%w: got 0x%02X", ErrNoSync, r[2])
	}
	return nil
}

// ChipErase erases program memory and EEPROM.
func (p *Programmer) ChipErase(ctx context.Context) error {
	if p.erases >= MaxErases {
		return fmt.Errorf("%w: %d erases issued", ErrEraseLimit, p.erases)
	}
	if _, err := p.tx(InstrProgrammingEnable, subChipErase, 0x00, 0x00); err != nil {
		return err
	}
	p.erases++
	return sleepCtx(ctx, p.timing.ChipErase)
}

// LoadWord places word at offset in the target's page buffer, low byte first.
func (p *Programmer) LoadWord(offset, word uint16) error {
	msb, lsb := byte(offset>>8), byte(offset)
	if _, err := p.tx(InstrLoadLow, msb, lsb, byte(word)); err != nil {
		return err
	}
	_, err := p.tx(InstrLoadHigh, msb, lsb, byte(word>>8))
	return err
}

// WritePage commits the page buffer to the page containing wordAddress.
func (p *Programmer) WritePage(ctx context.Context, wordAddress uint16) error {
	if _, err := p.tx(InstrWritePage, byte(wordAddress>>8), byte(wordAddress), 0x00); err != nil {
		return err
	}
	return sleepCtx(ctx, p.timing.WritePage)
}

// ReadWord reads one program word.
func (p *Programmer) ReadWord(wordAddress uint16) (uint16, error) {
	msb, lsb := byte(wordAddress>>8), byte(wordAddress)
	high, err := p.tx(InstrReadHigh, msb, lsb, 0x00)
	if err != nil {
		return 0, err
	}
	low, err := p.tx(InstrReadLow, msb, lsb, 0x00)
	if err != nil {
		return 0, err
	}
	return uint16(high[3])<<8 | uint16(low[3]), nil
}

// Verify reads len(expected) words starting at wordAddress and returns a
// *VerifyError for the first difference.
func (p *Programmer) Verify(wordAddress uint16, expected []uint16) error {
	for i, want := range expected {
		addr := wordAddress + uint16(i) //nolint:gosec // bounded by flash size
		got, err := p.ReadWord(addr)
		if err != nil {
			return err
		}
		if got != want {
			return &VerifyError{WordAddress: addr, Expected: want, Actual: got}
		}
	}
	return nil
}

func (p *Programmer) tx(instr, b1, b2, b3 byte) ([4]byte, error) {
	w := [4]byte{instr, b1, b2, b3}
	var r [4]byte
	if err := p.bus.Tx(w[:], r[:]); err != nil {
		return r, &BusError{Instruction: instr, Err: err}
	}
	avrprog.Debugf("isp tx % X -> % X", w, r)
	return r, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
