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
	"runtime"
	"strings"
	"time"
)

// Session log state, guarded by loggerMu
var (
	sessionLogFile   *os.File
	sessionLogPath   string
	sessionLogWriter io.Writer
)

// InitSessionLog creates a session log file in the current directory and routes the
// package logger into it. Returns the file name for display to the user.
func InitSessionLog() (string, error) {
	filename := fmt.Sprintf("avrprog_%s.log", time.Now().Format("20060102_150405"))

	logFile, err := os.Create(filename) //nolint:gosec // filename is constructed internally
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	writeSessionHeader(logFile)

	loggerMu.Lock()
	sessionLogFile = logFile
	sessionLogPath = filename
	sessionLogWriter = logFile
	loggerMu.Unlock()

	rebuildLogger()
	return filename, nil
}

// CloseSessionLog writes the footer and closes the session log, if any.
func CloseSessionLog() error {
	loggerMu.Lock()
	logFile := sessionLogFile
	sessionLogFile = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	loggerMu.Unlock()

	rebuildLogger()

	if logFile == nil {
		return nil
	}
	_, _ = fmt.Fprintf(logFile, "\n%s === Session ended ===\n", time.Now().Format(logTimeFormat))
	if err := logFile.Close(); err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the current session log file path.
func GetSessionLogPath() string {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	return sessionLogPath
}

func writeSessionHeader(writer io.Writer) {
	_, _ = fmt.Fprint(writer, "=== avrprog Session Log ===\n")
	_, _ = fmt.Fprintf(writer, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(writer, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(writer, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(writer, "Go Version: %s\n", runtime.Version())
	if exe, err := os.Executable(); err == nil {
		_, _ = fmt.Fprintf(writer, "Executable: %s\n", exe)
	}
	_, _ = fmt.Fprintf(writer, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(writer, "===========================\n\n")
}
