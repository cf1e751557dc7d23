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
	"errors"
	"fmt"
)

var (
	// ErrNoSync indicates the target did not echo the Programming Enable instruction
	ErrNoSync = errors.New("target did not acknowledge programming enable")
	// ErrEraseLimit indicates the chip erase guard tripped
	ErrEraseLimit = errors.New("chip erase limit reached")
	// ErrOddLength indicates an image that does not cover whole program words
	ErrOddLength = errors.New("image length is not a whole number of words")
	// ErrImageTooLarge indicates an image larger than the target flash
	ErrImageTooLarge = errors.New("image does not fit target flash")
	// ErrVerifyFailed is wrapped by *VerifyError
	ErrVerifyFailed = errors.New("flash verification failed")
)

// VerifyError reports the first program word whose readback differs from the image.
type VerifyError struct {
	WordAddress uint16
	Expected    uint16
	Actual      uint16
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("flash verification failed at word 0x%04X: expected 0x%04X, read 0x%04X",
		e.WordAddress, e.Expected, e.Actual)
}

// Unwrap returns ErrVerifyFailed
func (*VerifyError) Unwrap() error {
	return ErrVerifyFailed
}

// BusError wraps a failed SPI transfer with the instruction that was being sent.
type BusError struct {
	Err         error
	Instruction byte
}

func (e *BusError) Error() string {
	return fmt.Sprintf("SPI transfer of instruction 0x%02X failed: %v", e.Instruction, e.Err)
}

// Unwrap returns the underlying bus error
func (e *BusError) Unwrap() error {
	return e.Err
}
