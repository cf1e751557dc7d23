//go:build deadlock

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

// Package syncutil holds the mutex types shared by transports and listener registries.
// This variant is selected with -tags=deadlock and reports lock-order inversions and
// long-held locks through github.com/sasha-s/go-deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex guards transport and listener state.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex guards read-mostly registries such as subscriber sets.
type RWMutex struct {
	deadlock.RWMutex
}
