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

package avrprog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZaparooProject/go-avrprog"
	"github.com/ZaparooProject/go-avrprog/firmware"
	virt "github.com/ZaparooProject/go-avrprog/internal/testing"
	"github.com/ZaparooProject/go-avrprog/isp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFirmware(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fw.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestIntegration_FileToFlash(t *testing.T) {
	t.Parallel()

	data := make([]byte, 333)
	for i := range data {
		data[i] = byte(i ^ 0x5A)
	}
	img, err := firmware.Load(writeFirmware(t, data))
	require.NoError(t, err)

	problems := firmware.Check(img, firmware.DefaultLimits())
	require.True(t, firmware.OnlyOddLength(problems))
	img = firmware.Pad(img)
	require.Empty(t, firmware.Check(img, firmware.DefaultLimits()))

	pipe := virt.Pipe(virt.NewSimulatedAVR(isp.ATtiny84A()), virt.NoFaults(), virt.WithJitter(time.Millisecond, 7))
	defer func() { _ = pipe.Close() }()

	var verified int
	drv, err := avrprog.NewDriver(pipe, avrprog.WithObserver(func(e avrprog.Event) {
		if e.Kind == avrprog.EventByteVerified {
			verified++
		}
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := drv.Run(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, avrprog.PhaseDone, result.Phase)
	assert.Equal(t, 334, verified)
	assert.Equal(t, img.Bytes(), pipe.AVR().Program(334))
	assert.Equal(t, 1, pipe.Programmer().Uploads())
}

func TestIntegration_SilentProgrammer(t *testing.T) {
	t.Parallel()

	pipe := virt.Pipe(virt.NewSimulatedAVR(isp.ATtiny84A()), virt.Faults{CorruptEchoAt: -1, Silent: true})
	defer func() { _ = pipe.Close() }()

	var warnings, failures int
	drv, err := avrprog.NewDriver(pipe,
		avrprog.WithResponseTimeout(30*time.Millisecond),
		avrprog.WithObserver(func(e avrprog.Event) {
			switch e.Kind {
			case avrprog.EventHandshakeWarning:
				warnings++
			case avrprog.EventReadbackFailed:
				failures++
			}
		}))
	require.NoError(t, err)

	result, err := drv.Run(context.Background(), avrprog.NewImage([]byte{0x12, 0x34}))
	require.ErrorIs(t, err, avrprog.ErrReadbackMismatch)
	assert.True(t, avrprog.IsReadbackFailure(err))
	assert.Equal(t, avrprog.PhaseFailed, result.Phase)
	assert.Zero(t, result.BytesVerified)
	assert.Equal(t, 1, warnings)
	assert.Equal(t, 1, failures)
}

func TestIntegration_SequentialSessions(t *testing.T) {
	t.Parallel()

	pipe := virt.Pipe(virt.NewSimulatedAVR(isp.ATtiny84A()), virt.NoFaults())
	defer func() { _ = pipe.Close() }()

	drv, err := avrprog.NewDriver(pipe)
	require.NoError(t, err)

	for _, data := range [][]byte{{0x01, 0x02}, {0x03, 0x04, 0x05, 0x06}} {
		result, err := drv.Run(context.Background(), avrprog.NewImage(data))
		require.NoError(t, err)
		assert.True(t, result.Succeeded())
		assert.Equal(t, data, pipe.AVR().Program(len(data)))
	}
	assert.Equal(t, 2, pipe.Programmer().Uploads())
}
