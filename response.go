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
	"strings"
	"unicode/utf8"

	"github.com/ZaparooProject/go-avrprog/internal/wire"
)

// Response is one arrival from the programmer.
type Response struct {
	raw []byte
}

func newResponse(raw []byte) Response {
	return Response{raw: raw}
}

// Raw returns the bytes as they arrived.
func (r Response) Raw() []byte {
	return r.raw
}

// Text decodes the arrival as UTF-8. Every byte that does not start a valid
// sequence becomes one U+FFFD.
func (r Response) Text() string {
	if utf8.Valid(r.raw) {
		return string(r.raw)
	}

	var b strings.Builder
	b.Grow(len(r.raw) + 8)
	for raw := r.raw; len(raw) > 0; {
		c, size := utf8.DecodeRune(raw)
		if c == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.Write(raw[:size])
		}
		raw = raw[size:]
	}
	return b.String()
}

// IsLineEnding reports whether the arrival is exactly CR LF.
func (r Response) IsLineEnding() bool {
	return wire.IsLineEnding(r.raw)
}

// IsFinish reports whether the arrival announces completed flashing.
func (r Response) IsFinish() bool {
	return wire.IsFinish(r.Text())
}
