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

package firmware

import (
	"fmt"

	"github.com/ZaparooProject/go-avrprog"
)

// ProblemKind classifies why the programmer would refuse an image.
type ProblemKind int

const (
	// ProblemEmpty means there is nothing to program
	ProblemEmpty ProblemKind = iota
	// ProblemOddLength means the last program word is incomplete
	ProblemOddLength
	// ProblemTooLarge means the image does not fit the programmer buffer
	ProblemTooLarge
)

// String returns a short name for the kind
func (k ProblemKind) String() string {
	switch k {
	case ProblemEmpty:
		return "empty"
	case ProblemOddLength:
		return "odd length"
	case ProblemTooLarge:
		return "too large"
	default:
		return "unknown"
	}
}

// Problem is a single reason an image cannot be uploaded as is.
type Problem struct {
	Kind   ProblemKind
	Length int
	Limit  int
}

// Error implements error so a Problem can be returned directly.
func (p Problem) Error() string {
	switch p.Kind {
	case ProblemEmpty:
		return "firmware image is empty"
	case ProblemOddLength:
		return fmt.Sprintf("firmware image has %d bytes, not a whole number of 16-bit words", p.Length)
	case ProblemTooLarge:
		return fmt.Sprintf("firmware image has %d bytes, programmer buffer holds %d", p.Length, p.Limit)
	default:
		return "unknown firmware problem"
	}
}

// Limits describes what a programmer accepts. Zero MaxBytes means unlimited.
type Limits struct {
	MaxBytes    int
	WordAligned bool
}

// DefaultLimits matches the companion programmer firmware.
func DefaultLimits() Limits {
	return Limits{MaxBytes: ProgrammerBufferSize, WordAligned: true}
}

// Check returns every problem found with img; nil means the image can be uploaded.
func Check(img avrprog.Image, limits Limits) []Problem {
	n := img.Len()
	if n == 0 {
		return []Problem{{Kind: ProblemEmpty}}
	}

	var problems []Problem
	if limits.WordAligned && n%2 != 0 {
		problems = append(problems, Problem{Kind: ProblemOddLength, Length: n})
	}
	if limits.MaxBytes > 0 && n > limits.MaxBytes {
		problems = append(problems, Problem{Kind: ProblemTooLarge, Length: n, Limit: limits.MaxBytes})
	}
	return problems
}

// OnlyOddLength reports whether padding alone would resolve problems.
func OnlyOddLength(problems []Problem) bool {
	return len(problems) == 1 && problems[0].Kind == ProblemOddLength
}
