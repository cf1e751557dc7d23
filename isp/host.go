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

package isp

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	// DefaultSpeed is slow enough for a target running from its 1 MHz internal clock
	DefaultSpeed = 200 * physic.KiloHertz
	// DefaultSPIPort selects the first SPI port periph finds
	DefaultSPIPort = ""
	// DefaultResetPin is the Raspberry Pi header pin commonly wired to RESET
	DefaultResetPin = "GPIO25"
)

// ErrResetPinNotFound is returned when periph has no GPIO of the requested name.
var ErrResetPinNotFound = errors.New("reset pin not found")

// Config selects the host SPI port and RESET line.
type Config struct {
	SPIPort  string
	ResetPin string
	Speed    physic.Frequency
}

// DefaultConfig returns the defaults used by the command line tool.
func DefaultConfig() Config {
	return Config{
		SPIPort:  DefaultSPIPort,
		ResetPin: DefaultResetPin,
		Speed:    DefaultSpeed,
	}
}

// Device is a Programmer bound to host hardware.
type Device struct {
	*Programmer
	port spi.PortCloser
}

// Open initialises periph, opens the SPI port in mode 0 and claims the reset pin.
func Open(cfg Config, opts ...Option) (*Device, error) {
	if cfg.Speed <= 0 {
		cfg.Speed = DefaultSpeed
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %q: %w", cfg.SPIPort, err)
	}

	conn, err := port.Connect(cfg.Speed, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	pin := gpioreg.ByName(cfg.ResetPin)
	if pin == nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %s", ErrResetPinNotFound, cfg.ResetPin)
	}
	if err := pin.Out(gpio.High); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to drive reset pin %s: %w", cfg.ResetPin, err)
	}

	return &Device{Programmer: New(conn, pin, opts...), port: port}, nil
}

// Close releases the target from reset and closes the SPI port.
func (d *Device) Close() error {
	releaseErr := d.Release()
	if err := d.port.Close(); err != nil {
		return errors.Join(releaseErr, fmt.Errorf("SPI close failed: %w", err))
	}
	return releaseErr
}
