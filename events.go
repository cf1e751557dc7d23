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

// EventKind identifies an entry of the driver's observability stream.
type EventKind int

const (
	// EventPhaseChanged is emitted on every session phase transition
	EventPhaseChanged EventKind = iota
	// EventHandshakeWarning is emitted when the programmer did not answer READY
	EventHandshakeWarning
	// EventByteVerified is emitted after each matching readback
	EventByteVerified
	// EventReadbackFailed is emitted once when a readback mismatches or times out
	EventReadbackFailed
	// EventDeviceMessage carries text the programmer printed while flashing
	EventDeviceMessage
	// EventFinished is emitted when the programmer reports completion
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventPhaseChanged:
		return "phase_changed"
	case EventHandshakeWarning:
		return "handshake_warning"
	case EventByteVerified:
		return "byte_verified"
	case EventReadbackFailed:
		return "readback_failed"
	case EventDeviceMessage:
		return "device_message"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is one entry of the driver's observability stream.
type Event struct {
	Err      error  // Failure detail for warnings and readback failures
	Message  string // Device text or human readable summary
	Phase    Phase  // Phase when the event was emitted
	Previous Phase  // Source phase, EventPhaseChanged only
	Kind     EventKind
	Index    int // Byte index the event refers to
	Total    int // Image length
}

// Percentage returns transfer completion from 0 to 100.
func (e Event) Percentage() float64 {
	if e.Total == 0 {
		return 0
	}
	done := e.Index
	if e.Kind == EventByteVerified {
		done++
	}
	return float64(done) * 100 / float64(e.Total)
}

// Observer receives driver events synchronously on the driver goroutine.
// Implementations should return quickly.
type Observer func(Event)
