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
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/ZaparooProject/go-avrprog/internal/syncutil"
	"github.com/rs/zerolog"
)

const logTimeFormat = "15:04:05.000"

// debugEnabled controls whether debug output also goes to the console.
// Set with AVRPROG_DEBUG / DEBUG or SetDebugEnabled.
var debugEnabled atomic.Bool

var (
	loggerMu      syncutil.Mutex
	consoleWriter io.Writer = os.Stderr
	packageLogger atomic.Pointer[zerolog.Logger]
)

func init() {
	if os.Getenv("AVRPROG_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled.Store(true)
	}
	rebuildLogger()
}

// Logger returns the package diagnostic logger.
// Entries always reach the session log file when one is open and reach the console
// only in debug mode. With neither sink active the logger discards everything.
func Logger() *zerolog.Logger {
	return packageLogger.Load()
}

// rebuildLogger recomputes the sinks after debug mode or the session log changes.
func rebuildLogger() {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	var writers []io.Writer
	if sessionLogWriter != nil {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        sessionLogWriter,
			NoColor:    true,
			TimeFormat: logTimeFormat,
		})
	}
	if debugEnabled.Load() {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        consoleWriter,
			TimeFormat: logTimeFormat,
		})
	}

	var l zerolog.Logger
	if len(writers) == 0 {
		l = zerolog.Nop()
	} else {
		l = zerolog.New(zerolog.MultiLevelWriter(writers...)).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}
	packageLogger.Store(&l)
}

// Debugf logs a formatted debug message through the package logger.
func Debugf(format string, args ...any) {
	Logger().Debug().Msg(fmt.Sprintf(format, args...))
}

// Debugln logs its operands, space separated, through the package logger.
func Debugln(args ...any) {
	msg := fmt.Sprintln(args...)
	Logger().Debug().Msg(msg[:len(msg)-1])
}

// SetDebugEnabled switches console debug output on or off.
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
	rebuildLogger()
}

// DebugEnabled reports whether console debug output is on.
func DebugEnabled() bool {
	return debugEnabled.Load()
}
