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

package isp

import (
	"context"
	"fmt"

	"github.com/ZaparooProject/go-avrprog"
)

// Stage names a step of Flash.
type Stage string

const (
	StageSync        Stage = "sync"
	StageErase       Stage = "erase"
	StageWritePage   Stage = "write page"
	StageVerifyPage  Stage = "verify page"
	StageVerifyImage Stage = "verify image"
	StageDone        Stage = "done"
)

// Progress describes where Flash is. Page counts include the partial last page.
type Progress struct {
	Stage Stage
	Page  int
	Pages int
	Words int
}

// ProgressFunc receives Flash progress. It runs on the flashing goroutine and should
// return quickly.
type ProgressFunc func(Progress)

// syncAttempts bounds Programming Enable retries, each preceded by a reset pulse
const syncAttempts = 3

// Flash programs img at word address 0: reset, enter programming mode, chip erase,
// then write and verify each page, and finally verify the whole image.
func (p *Programmer) Flash(ctx context.Context, img avrprog.Image, progress ProgressFunc) error {
	words, err := p.imageWords(img)
	if err != nil {
		return err
	}
	report := func(pr Progress) {
		pr.Words = len(words)
		if progress != nil {
			progress(pr)
		}
	}

	pageWords := p.geometry.PageWords
	pages := (len(words) + pageWords - 1) / pageWords
	log := avrprog.Logger()

	report(Progress{Stage: StageSync, Pages: pages})
	if err := p.sync(ctx); err != nil {
		return err
	}

	report(Progress{Stage: StageErase, Pages: pages})
	if err := p.ChipErase(ctx); err != nil {
		return fmt.Errorf("chip erase: %w", err)
	}

	for page := range pages {
		start := page * pageWords
		end := min(start+pageWords, len(words))
		base := uint16(start) //nolint:gosec // bounded by FlashWords

		report(Progress{Stage: StageWritePage, Page: page, Pages: pages})
		for offset, word := range words[start:end] {
			if err := p.LoadWord(uint16(offset), word); err != nil { //nolint:gosec // < PageWords
				return fmt.Errorf("page %d: %w", page, err)
			}
		}
		if err := p.WritePage(ctx, base); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}

		report(Progress{Stage: StageVerifyPage, Page: page, Pages: pages})
		if err := p.Verify(base, words[start:end]); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		log.Debug().Int("page", page).Int("pages", pages).Msg("page flashed and verified")
	}

	report(Progress{Stage: StageVerifyImage, Page: pages, Pages: pages})
	if err := p.Verify(0, words); err != nil {
		return fmt.Errorf("image: %w", err)
	}

	report(Progress{Stage: StageDone, Page: pages, Pages: pages})
	return nil
}

// sync resets the target and enters programming mode, pulsing reset again when the
// target did not echo.
func (p *Programmer) sync(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= syncAttempts; attempt++ {
		if resetErr := p.Reset(ctx); resetErr != nil {
			return resetErr
		}
		err = p.EnterProgrammingMode()
		if err == nil {
			return nil
		}
		avrprog.Logger().Debug().Err(err).Int("attempt", attempt).Msg("programming enable not echoed")
	}
	return err
}

// imageWords packs img into little-endian program words.
func (p *Programmer) imageWords(img avrprog.Image) ([]uint16, error) {
	data := img.Bytes()
	if len(data) == 0 {
		return nil, avrprog.ErrEmptyImage
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}
	if len(data)/2 > p.geometry.FlashWords {
		return nil, fmt.Errorf("%w: %d words, %s has %d", ErrImageTooLarge,
			len(data)/2, p.geometry.Name, p.geometry.FlashWords)
	}

	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = uint16(data[2*i]) | uint16(data[2*i+1])<<8
	}
	return words, nil
}
