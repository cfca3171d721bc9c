// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/cpu"
	"golang.org/x/exp/slices"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the verbose printer.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid setting")

// NetworkingModes are the accepted values of [vm] networkingMode.
var NetworkingModes = []string{"NAT", "bridged", "mirrored", "none", "virtioproxy"}

var memoryRE = regexp.MustCompile(`^([0-9]+)(GB|MB|KB|B)?$`)

var units = map[string]uint64{
	"":   1,
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
}

// ParseMemory parses a memory size: an integer with an optional unit
// of B, KB, MB or GB. It returns the size in bytes.
func ParseMemory(s string) (uint64, error) {
	m := memoryRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("memory %q: %w: want <integer>[B|KB|MB|GB]", s, ErrInvalid)
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory %q: %w: %v", s, ErrInvalid, err)
	}
	u := units[m[2]]
	if n > ^uint64(0)/u {
		return 0, fmt.Errorf("memory %q: %w: too large", s, ErrInvalid)
	}
	return n * u, nil
}

// HardwareConcurrency returns the number of logical CPUs of the host.
func HardwareConcurrency() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		v("cpu.Counts: (%d, %v), using runtime.NumCPU", n, err)
		return runtime.NumCPU()
	}
	return n
}

// ParseProcessors parses a processor count. It must be positive and
// no more than max.
func ParseProcessors(s string, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("processors %q: %w: %v", s, ErrInvalid, err)
	}
	if n < 1 || n > max {
		return 0, fmt.Errorf("processors %q: %w: want 1 to %d", s, ErrInvalid, max)
	}
	return n, nil
}

// ParseNetworkingMode checks a networking mode. Modes are case
// sensitive.
func ParseNetworkingMode(s string) (string, error) {
	if !slices.Contains(NetworkingModes, s) {
		return "", fmt.Errorf("networking mode %q: %w: want one of %q", s, ErrInvalid, NetworkingModes)
	}
	return s, nil
}

// VM holds the virtual machine settings from a [vm] section.
// Zero values mean unset.
type VM struct {
	Memory         uint64
	Processors     int
	NetworkingMode string
}

// VM validates and returns the [vm] section.
func (f File) VM() (*VM, error) {
	var vm VM
	var err error
	if s, ok := f.Get("vm", "memory"); ok {
		if vm.Memory, err = ParseMemory(s); err != nil {
			return nil, err
		}
	}
	if s, ok := f.Get("vm", "processors"); ok {
		if vm.Processors, err = ParseProcessors(s, HardwareConcurrency()); err != nil {
			return nil, err
		}
	}
	if s, ok := f.Get("vm", "networkingMode"); ok {
		if vm.NetworkingMode, err = ParseNetworkingMode(s); err != nil {
			return nil, err
		}
	}
	return &vm, nil
}
