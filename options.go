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
	"time"

	"github.com/rs/zerolog"
)

// DefaultResponseTimeout bounds every handshake and readback wait.
const DefaultResponseTimeout = 5000 * time.Millisecond

// Config holds the driver configuration.
type Config struct {
	// Observer receives the progress and message stream (optional)
	Observer Observer

	// Logger overrides the package logger (optional)
	Logger *zerolog.Logger

	// ResponseTimeout bounds each handshake and readback wait
	ResponseTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		ResponseTimeout: DefaultResponseTimeout,
	}
}

// Option is a functional option for configuring the Driver.
type Option func(*Config)

// WithResponseTimeout sets the deadline of each timed wait. Non-positive values are ignored.
//
// Example:
//
//	drv, _ := avrprog.NewDriver(port, avrprog.WithResponseTimeout(2*time.Second))
func WithResponseTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.ResponseTimeout = timeout
		}
	}
}

// WithObserver sets the callback receiving driver events.
//
// Example:
//
//	drv, _ := avrprog.NewDriver(port, avrprog.WithObserver(func(e avrprog.Event) {
//	    if e.Kind == avrprog.EventDeviceMessage {
//	        fmt.Println("Message from programmer:", e.Message)
//	    }
//	}))
func WithObserver(observer Observer) Option {
	return func(c *Config) {
		c.Observer = observer
	}
}

// WithLogger routes driver logging to logger instead of the package logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = &logger
	}
}
