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

// Control bytes and literals of the programmer link protocol
const (
	Query          = '?'  // Handshake query sent by the host
	FinishSignal   = 0x0D // Raw carriage return that ends the byte stream
	LineFeed       = 0x0A
	TokenSeparator = ' ' // Terminates every byte token sent by the host
)

// Replies emitted by the programmer
const (
	ReadyReply   = "READY"
	FinishPrefix = "FINISH"
)

// Token layout
const (
	TokenPrefix = "0x"
	TokenLength = 4 // "0x" + two lowercase hex digits
	FrameLength = TokenLength + 1
)

// LineEnding is the two byte sequence the programmer emits after a printed line.
var LineEnding = []byte{FinishSignal, LineFeed}
