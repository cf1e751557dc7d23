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

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ZaparooProject/go-avrprog"
	"github.com/ZaparooProject/go-avrprog/isp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits int
}

func newBar(out io.Writer, total int, description string) *progressbar.ProgressBar {
	if !isTerminal(out) {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// reporter prints driver events the way an operator wants to read them.
// Without a terminal, byte progress is printed every 10 percent.
type reporter struct {
	out      io.Writer
	bar      *progressbar.ProgressBar
	total    int
	lastTens int
}

func newReporter(out io.Writer, total int) *reporter {
	return &reporter{out: out, total: total, bar: newBar(out, total, "Sending"), lastTens: -1}
}

func (r *reporter) observe(e avrprog.Event) {
	switch e.Kind {
	case avrprog.EventPhaseChanged:
		r.phase(e)
	case avrprog.EventHandshakeWarning:
		r.println("Programmer did not reply with ready signal!")
	case avrprog.EventByteVerified:
		r.progress(e)
	case avrprog.EventReadbackFailed:
		r.finish()
		r.println(fmt.Sprintf("Programmer did not readback byte correctly! (%v)", e.Err))
	case avrprog.EventDeviceMessage:
		r.println("Message from programmer: " + e.Message)
	case avrprog.EventFinished:
		r.println("Programmer has notified me that flashing is done - goodbye!")
	}
}

func (r *reporter) phase(e avrprog.Event) {
	switch e.Phase {
	case avrprog.PhaseSending:
		r.println("Sending over program bytes in hex..")
	case avrprog.PhaseAwaitFinish:
		r.finish()
		r.println("All program bytes sent over!")
	}
}

func (r *reporter) progress(e avrprog.Event) {
	if r.bar != nil {
		_ = r.bar.Add(1)
		return
	}
	tens := int(e.Percentage()) / 10
	if tens > r.lastTens {
		r.lastTens = tens
		r.println(fmt.Sprintf("%3.0f%% (%d/%d bytes)", e.Percentage(), e.Index+1, e.Total))
	}
}

func (r *reporter) println(s string) {
	_, _ = fmt.Fprintln(r.out, s)
}

// finish removes the progress bar; safe to call more than once.
func (r *reporter) finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
	}
}

// pageReporter prints isp.Flash progress.
type pageReporter struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

func newPageReporter(out io.Writer) *pageReporter {
	return &pageReporter{out: out}
}

func (r *pageReporter) observe(p isp.Progress) {
	switch p.Stage {
	case isp.StageSync:
		_, _ = fmt.Fprintln(r.out, "Entering programming mode")
	case isp.StageErase:
		_, _ = fmt.Fprintln(r.out, "Erasing program memory")
		r.bar = newBar(r.out, p.Pages, "Flashing")
	case isp.StageWritePage:
		if r.bar == nil {
			_, _ = fmt.Fprintf(r.out, "Flashing page %d/%d\n", p.Page+1, p.Pages)
		}
	case isp.StageVerifyPage:
		if r.bar != nil {
			_ = r.bar.Add(1)
		}
	case isp.StageVerifyImage:
		r.finish()
		_, _ = fmt.Fprintln(r.out, "Verifying whole image")
	case isp.StageDone:
	}
}

func (r *pageReporter) finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
	}
}
