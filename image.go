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
	"github.com/ZaparooProject/go-avrprog/internal/wire"
)

// Image is a firmware image: bytes in transmission order.
// An Image is immutable once built.
type Image struct {
	data []byte
}

// NewImage copies data into a new Image.
func NewImage(data []byte) Image {
	return Image{data: append([]byte(nil), data...)}
}

// Len returns the number of bytes in the image.
func (img Image) Len() int {
	return len(img.data)
}

// Byte returns the byte at index i.
func (img Image) Byte(i int) byte {
	return img.data[i]
}

// Token returns byte i rendered the way the programmer echoes it, e.g. "0x1a".
func (img Image) Token(i int) string {
	return wire.EncodeToken(img.data[i])
}

// Frame returns byte i as written to the link: its token plus a trailing space.
func (img Image) Frame(i int) []byte {
	return wire.EncodeFrame(img.data[i])
}

// Bytes returns a copy of the image contents.
func (img Image) Bytes() []byte {
	return append([]byte(nil), img.data...)
}
