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

// Package detection finds programmers attached as USB serial devices.
package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ZaparooProject/go-avrprog"
	"go.bug.st/serial/enumerator"
)

// Mode represents the level of invasiveness for device detection
type Mode int

const (
	// Passive mode only inspects USB descriptors
	Passive Mode = iota
	// Probe mode additionally opens each candidate and sends the query byte
	Probe
)

// Confidence represents the confidence level of device detection
type Confidence int

const (
	// Low confidence - an unrecognised USB serial device
	Low Confidence = iota
	// Medium confidence - a USB CDC or USB-serial bridge commonly used with microcontrollers
	Medium
	// High confidence - a Raspberry Pi Pico, or any device that answered READY
	High
)

// String returns the lower-case confidence name
func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// RaspberryPiVID is the USB vendor ID of the Raspberry Pi Pico.
const RaspberryPiVID = "2E8A"

// DeviceInfo represents a detected programmer candidate
type DeviceInfo struct {
	// Additional metadata (vidpid, product, serial)
	Metadata map[string]string
	// Connection path (e.g., "/dev/ttyACM0", "COM3")
	Path string
	// Human-readable device name
	Name string
	// Detection confidence level
	Confidence Confidence
}

// String returns a human-readable representation of the device
func (d DeviceInfo) String() string {
	s := fmt.Sprintf("%s (confidence: %s)", d.Path, d.Confidence)
	if vidpid := d.Metadata["vidpid"]; vidpid != "" {
		s += " [" + vidpid + "]"
	}
	if d.Name != "" {
		s += " " + d.Name
	}
	return s
}

// Options configures the detection behavior
type Options struct {
	// USB VID:PID pairs to skip (e.g., ["1234:5678", "ABCD:EF01"])
	Blocklist []string
	// Device paths to explicitly ignore (e.g., ["/dev/ttyUSB0", "COM2"])
	IgnorePaths []string
	// Cache TTL duration
	CacheTTL time.Duration
	// Per-device probe timeout in Probe mode
	ProbeTimeout time.Duration
	// Detection invasiveness level
	Mode Mode
	// Enable result caching
	EnableCache bool
}

// DefaultOptions returns sensible default detection options
func DefaultOptions() Options {
	return Options{
		Mode:         Passive,
		Blocklist:    DefaultBlocklist(),
		ProbeTimeout: 500 * time.Millisecond,
		EnableCache:  true,
		CacheTTL:     30 * time.Second,
	}
}

// Errors
var (
	// ErrNoDevicesFound indicates no programmer candidates were detected
	ErrNoDevicesFound = errors.New("no programmer devices found")
	// ErrDetectionTimeout indicates detection was cancelled before it finished
	ErrDetectionTimeout = errors.New("detection timeout")
)

// listPorts and probePort are swapped in tests
var (
	listPorts = enumerator.GetDetailedPortsList
	probePort = probeProgrammer
)

// Detect lists USB serial ports and returns programmer candidates, best first.
func Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}

	if opts.EnableCache {
		if cached, found := getCached(opts.Mode, opts.CacheTTL); found {
			// cached results bypass the filters applied when they were stored
			if filtered := filterDevices(cached, opts); len(filtered) > 0 {
				return filtered, nil
			}
		}
	}

	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	devices, err := devicesFromPorts(ctx, ports, opts)
	if err != nil {
		return nil, err
	}

	if opts.EnableCache {
		if len(devices) > 0 {
			setCached(opts.Mode, devices)
		} else {
			// a stale entry would point consumers at an unplugged device
			clearCacheForMode(opts.Mode)
		}
	}

	if len(devices) == 0 {
		return nil, ErrNoDevicesFound
	}
	return devices, nil
}

// Best returns the highest ranked candidate.
func Best(ctx context.Context, opts *Options) (DeviceInfo, error) {
	devices, err := Detect(ctx, opts)
	if err != nil {
		return DeviceInfo{}, err
	}
	return devices[0], nil
}

func devicesFromPorts(ctx context.Context, ports []*enumerator.PortDetails, opts *Options) ([]DeviceInfo, error) {
	var devices []DeviceInfo
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDetectionTimeout, err)
		}
		if port == nil || !port.IsUSB {
			continue
		}

		device := deviceFromPort(port)
		if !includeDevice(device, opts) {
			continue
		}

		if opts.Mode == Probe {
			if !probeWithTimeout(ctx, device.Path, opts.ProbeTimeout) {
				avrprog.Debugln("detection: no READY from", device.Path, "skipping")
				continue
			}
			device.Confidence = High
		}
		devices = append(devices, device)
	}

	rank(devices)
	return devices, nil
}

func deviceFromPort(port *enumerator.PortDetails) DeviceInfo {
	device := DeviceInfo{
		Path:     port.Name,
		Name:     port.Product,
		Metadata: make(map[string]string),
	}
	if port.VID != "" && port.PID != "" {
		device.Metadata["vidpid"] = strings.ToUpper(port.VID + ":" + port.PID)
	}
	if port.Product != "" {
		device.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		device.Metadata["serial"] = port.SerialNumber
	}
	device.Confidence = classify(port)
	return device
}

// classify scores a port by its USB vendor ID.
func classify(port *enumerator.PortDetails) Confidence {
	vid := strings.ToUpper(port.VID)
	if vid == RaspberryPiVID {
		return High
	}

	knownBridges := []string{
		"2341", // Arduino
		"0403", // FTDI
		"10C4", // Silicon Labs CP210x
		"1A86", // QinHeng CH340
		"067B", // Prolific PL2303
		"239A", // Adafruit
	}
	for _, known := range knownBridges {
		if vid == known {
			return Medium
		}
	}
	return Low
}

// rank orders devices by confidence, then by path for a stable result.
func rank(devices []DeviceInfo) {
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].Confidence != devices[j].Confidence {
			return devices[i].Confidence > devices[j].Confidence
		}
		return devices[i].Path < devices[j].Path
	})
}

func includeDevice(device DeviceInfo, opts *Options) bool {
	if IsPathIgnored(device.Path, opts.IgnorePaths) {
		return false
	}
	if vidpid, ok := device.Metadata["vidpid"]; ok && IsBlocked(vidpid, opts.Blocklist) {
		return false
	}
	return true
}

// filterDevices applies IgnorePaths and Blocklist filtering to a device list.
func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	if len(opts.IgnorePaths) == 0 && len(opts.Blocklist) == 0 {
		return devices
	}

	var filtered []DeviceInfo
	for _, device := range devices {
		if includeDevice(device, opts) {
			filtered = append(filtered, device)
		}
	}
	return filtered
}

// ClearDetectionCache removes all cached detection results
func ClearDetectionCache() {
	clearCache()
}
