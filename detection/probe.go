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

package detection

import (
	"context"
	"time"

	"github.com/ZaparooProject/go-avrprog"
	"github.com/ZaparooProject/go-avrprog/transport/uart"
)

func probeWithTimeout(ctx context.Context, path string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultOptions().ProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return probePort(probeCtx, path, timeout)
}

// probeProgrammer opens path and sends a single query byte. The programmer ignores
// a stray query, so probing a real programmer leaves it ready for an upload.
//
// Only one attempt is made per port: unrelated devices should not be hammered.
func probeProgrammer(ctx context.Context, path string, timeout time.Duration) bool {
	transport := uart.New(path)
	if err := transport.Open(); err != nil {
		return false
	}
	defer func() { _ = transport.Close() }()

	drv, err := avrprog.NewDriver(transport, avrprog.WithResponseTimeout(timeout))
	if err != nil {
		return false
	}

	ready, err := drv.Ping(ctx)
	return err == nil && ready
}
