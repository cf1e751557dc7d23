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

package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidToken indicates text that is not a "0x" prefixed byte token
var ErrInvalidToken = errors.New("invalid byte token")

const hexDigits = "0123456789abcdef"

// EncodeToken renders a byte as the text the programmer echoes back, e.g. 0x1A -> "0x1a".
func EncodeToken(b byte) string {
	return string([]byte{'0', 'x', hexDigits[b>>4], hexDigits[b&0x0F]})
}

// EncodeFrame renders a byte as it is written to the link: the token plus a trailing space.
func EncodeFrame(b byte) []byte {
	return []byte{'0', 'x', hexDigits[b>>4], hexDigits[b&0x0F], TokenSeparator}
}

// DecodeToken parses a token the way the programmer firmware does: base 16 with an
// optional 0x prefix. Values wider than one byte are truncated to the low byte.
func DecodeToken(token string) (byte, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(token, TokenPrefix), "0X")
	if digits == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return byte(v), nil
}

// IsLineEnding reports whether an arrival is exactly the CR LF pair.
func IsLineEnding(raw []byte) bool {
	return bytes.Equal(raw, LineEnding)
}

// IsFinish reports whether decoded text announces the end of flashing.
func IsFinish(text string) bool {
	return strings.HasPrefix(text, FinishPrefix)
}

// IsTokenChar reports whether the programmer firmware accepts c into its input buffer.
// Everything else except the query byte is silently discarded by the device.
func IsTokenChar(c byte) bool {
	return c == FinishSignal || c == TokenSeparator ||
		(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')
}
