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

// Package firmware loads raw program images and checks them against what the
// programmer can accept.
package firmware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ZaparooProject/go-avrprog"
)

const (
	// ProgrammerBufferSize is the largest image the programmer firmware can buffer
	ProgrammerBufferSize = 2000
	// ErasedByte is the value of unprogrammed flash
	ErasedByte = 0xFF
)

// ErrTooLarge is returned by Read when the input exceeds the read limit.
var ErrTooLarge = errors.New("firmware file too large")

// maxReadSize caps how much Read will buffer; far above any AVR flash size.
const maxReadSize = 1 << 20

// Load reads a raw binary image (the bytes to place at flash address 0) from path.
//
// Example:
//
//	img, err := firmware.Load("fw.bin")
//	if err != nil {
//	    return err
//	}
//	if problems := firmware.Check(img, firmware.DefaultLimits()); len(problems) > 0 {
//	    return problems[0]
//	}
func Load(path string) (avrprog.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return avrprog.Image{}, fmt.Errorf("failed to open firmware: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, err := Read(f)
	if err != nil {
		return avrprog.Image{}, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Read reads a raw binary image from r.
func Read(r io.Reader) (avrprog.Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxReadSize+1))
	if err != nil {
		return avrprog.Image{}, fmt.Errorf("failed to read firmware: %w", err)
	}
	if len(data) > maxReadSize {
		return avrprog.Image{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxReadSize)
	}
	return avrprog.NewImage(data), nil
}

// Pad appends one ErasedByte when the image has an odd length, so it covers whole
// 16-bit program words. Even images are returned unchanged.
func Pad(img avrprog.Image) avrprog.Image {
	if img.Len()%2 == 0 {
		return img
	}
	return avrprog.NewImage(append(img.Bytes(), ErasedByte))
}

// Equal reports whether two images hold the same bytes.
func Equal(a, b avrprog.Image) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}
