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

// Command avrprog uploads a raw firmware image to an AVR microcontroller, either
// through the USB serial programmer or directly over host SPI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZaparooProject/go-avrprog"
	"github.com/ZaparooProject/go-avrprog/detection"
	"github.com/ZaparooProject/go-avrprog/firmware"
	"github.com/ZaparooProject/go-avrprog/isp"
	"github.com/ZaparooProject/go-avrprog/transport/uart"
	"periph.io/x/conn/v3/physic"
)

const (
	envPort  = "AVRPROG_PORT"
	envDebug = "AVRPROG_DEBUG"
)

var errNoImage = errors.New("no firmware image given (use -image)")

type config struct {
	port     string
	image    string
	spiPort  string
	resetPin string
	timeout  time.Duration // fixed by the protocol; tests shorten it
	baud     int
	ispSpeed physic.Frequency
	debug    bool
	logFile  bool
	pad      bool
	list     bool
	probe    bool
	useISP   bool
}

func parseConfig(args []string, getenv func(string) string) (*config, error) {
	cfg := &config{ispSpeed: isp.DefaultSpeed, timeout: avrprog.DefaultResponseTimeout}

	fs := flag.NewFlagSet("avrprog", flag.ContinueOnError)
	fs.StringVar(&cfg.port, "port", "", "Serial port of the programmer (auto-detect if empty, env "+envPort+")")
	fs.StringVar(&cfg.image, "image", "fw.bin", "Raw firmware image to upload")
	fs.IntVar(&cfg.baud, "baud", uart.DefaultBaudRate, "Serial baud rate")
	fs.BoolVar(&cfg.debug, "debug", false, "Enable debug output (env "+envDebug+")")
	fs.BoolVar(&cfg.logFile, "log", false, "Write a session log file to the current directory")
	fs.BoolVar(&cfg.pad, "pad", false, "Pad odd-length images with one 0xFF byte")
	fs.BoolVar(&cfg.list, "list", false, "List programmer candidates and exit")
	fs.BoolVar(&cfg.probe, "probe", false, "Confirm candidates by sending the query byte")
	fs.BoolVar(&cfg.useISP, "isp", false, "Flash directly over host SPI instead of the serial programmer")
	fs.StringVar(&cfg.spiPort, "spi", isp.DefaultSPIPort, "SPI port for -isp (first available if empty)")
	fs.StringVar(&cfg.resetPin, "reset-pin", isp.DefaultResetPin, "GPIO wired to the target RESET for -isp")
	fs.Var(&cfg.ispSpeed, "isp-speed", "SPI clock for -isp, e.g. 200kHz")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.port == "" {
		cfg.port = getenv(envPort)
	}
	if v := getenv(envDebug); v != "" && v != "0" {
		cfg.debug = true
	}
	if cfg.image == "" && !cfg.list {
		return nil, errNoImage
	}
	return cfg, nil
}

// openTransport is swapped in tests
var openTransport = func(cfg *config) (avrprog.Transport, error) {
	t := uart.New(cfg.port, uart.WithBaudRate(cfg.baud))
	if err := t.Open(); err != nil {
		return nil, err
	}
	return t, nil
}

func detectionOptions(cfg *config) *detection.Options {
	opts := detection.DefaultOptions()
	if cfg.probe {
		opts.Mode = detection.Probe
	}
	return &opts
}

func listDevices(ctx context.Context, cfg *config, out io.Writer) error {
	devices, err := detection.Detect(ctx, detectionOptions(cfg))
	if err != nil {
		return fmt.Errorf("detect programmers: %w", err)
	}
	for _, d := range devices {
		_, _ = fmt.Fprintln(out, d.String())
	}
	return nil
}

func resolvePort(ctx context.Context, cfg *config, out io.Writer) error {
	if cfg.port != "" {
		return nil
	}
	best, err := detection.Best(ctx, detectionOptions(cfg))
	if err != nil {
		return fmt.Errorf("no -port given and auto-detection failed: %w", err)
	}
	cfg.port = best.Path
	_, _ = fmt.Fprintf(out, "Using %s\n", best)
	return nil
}

func loadImage(cfg *config, out io.Writer) (avrprog.Image, error) {
	img, err := firmware.Load(cfg.image)
	if err != nil {
		return avrprog.Image{}, err
	}

	problems := firmware.Check(img, firmware.DefaultLimits())
	if cfg.pad && firmware.OnlyOddLength(problems) {
		img = firmware.Pad(img)
		_, _ = fmt.Fprintf(out, "Padded image to %d bytes\n", img.Len())
		problems = nil
	}
	if len(problems) > 0 {
		errs := make([]error, 0, len(problems))
		for _, p := range problems {
			errs = append(errs, p)
		}
		return avrprog.Image{}, fmt.Errorf("%s: %w", cfg.image, errors.Join(errs...))
	}
	return img, nil
}

func runUpload(ctx context.Context, cfg *config, img avrprog.Image, out io.Writer) error {
	if err := resolvePort(ctx, cfg, out); err != nil {
		return err
	}

	transport, err := openTransport(cfg)
	if err != nil {
		return fmt.Errorf("failed to open programmer: %w", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close port: %v\n", err)
		}
	}()
	_, _ = fmt.Fprintln(out, "Serial connection port open!")

	ui := newReporter(out, img.Len())
	drv, err := avrprog.NewDriver(transport,
		avrprog.WithResponseTimeout(cfg.timeout),
		avrprog.WithObserver(ui.observe))
	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}

	result, err := drv.Run(ctx, img)
	ui.finish()
	avrprog.Logger().Info().
		Str("phase", string(result.Phase)).
		Int("verified", result.BytesVerified).
		Int("total", result.Total).
		Dur("elapsed", result.Elapsed).
		Msg("upload finished")
	if err != nil {
		return fmt.Errorf("upload failed in %s after %d/%d bytes: %w",
			result.Phase, result.BytesVerified, result.Total, err)
	}
	return nil
}

func runISP(ctx context.Context, cfg *config, img avrprog.Image, out io.Writer) error {
	dev, err := isp.Open(isp.Config{SPIPort: cfg.spiPort, ResetPin: cfg.resetPin, Speed: cfg.ispSpeed})
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to release target: %v\n", err)
		}
	}()

	return flashISP(ctx, dev.Programmer, img, out)
}

func flashISP(ctx context.Context, p *isp.Programmer, img avrprog.Image, out io.Writer) error {
	_, _ = fmt.Fprintf(out, "Flashing %d bytes to %s over SPI\n", img.Len(), p.Geometry().Name)
	ui := newPageReporter(out)
	err := p.Flash(ctx, img, ui.observe)
	ui.finish()
	if err != nil {
		return fmt.Errorf("ISP flash failed: %w", err)
	}
	_, _ = fmt.Fprintln(out, "Firmware has been flashed and verified")
	return nil
}

func run(ctx context.Context, cfg *config, out io.Writer) error {
	if cfg.debug {
		avrprog.SetDebugEnabled(true)
	}
	if cfg.logFile {
		path, err := avrprog.InitSessionLog()
		if err != nil {
			return fmt.Errorf("failed to open session log: %w", err)
		}
		defer func() { _ = avrprog.CloseSessionLog() }()
		_, _ = fmt.Fprintf(out, "Session log: %s\n", path)
	}

	if cfg.list {
		return listDevices(ctx, cfg, out)
	}

	img, err := loadImage(cfg, out)
	if err != nil {
		return err
	}
	if cfg.useISP {
		return runISP(ctx, cfg, img, out)
	}
	return runUpload(ctx, cfg, img, out)
}

func main() {
	os.Exit(mainWithExitCode(os.Args[1:]))
}

func mainWithExitCode(args []string) int {
	cfg, err := parseConfig(args, os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			_, _ = fmt.Fprint(os.Stderr, "\nInterrupted, stopping...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
