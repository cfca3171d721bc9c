// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// Global request and channel type names. The @distrun suffix keeps
// them out of the namespace reserved by RFC 4250.
const (
	ResolveRequest   = "resolve@distrun"
	ListRequest      = "list@distrun"
	StatusRequest    = "status@distrun"
	TerminateRequest = "terminate@distrun"
	ShutdownRequest  = "shutdown@distrun"

	ProcessChannel = "process@distrun"

	// ExitStatusRequest is the standard SSH channel request
	// carrying a process exit code.
	ExitStatusRequest = "exit-status"
)

// ID is the opaque identifier an environment is given when it is
// registered. IDs are never reused.
type ID = uuid.UUID

// NilID is the zero ID. No environment has it.
var NilID = uuid.Nil

// Status is a host service status code. Clients report it but do not
// interpret it beyond its category.
type Status uint32

// Status codes. Values start above the RFC 4254 channel open failure
// reasons (1-4) so a rejection from a foreign server is never confused
// with one of ours.
const (
	StatusOK Status = iota + 0x100
	StatusNotFound
	StatusInvalidArgument
	StatusResourceLimit
	StatusAccessDenied
	StatusInternal
)

var statusNames = map[Status]string{
	StatusOK:              "ok",
	StatusNotFound:        "not found",
	StatusInvalidArgument: "invalid argument",
	StatusResourceLimit:   "resource limit",
	StatusAccessDenied:    "access denied",
	StatusInternal:        "internal error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return fmt.Sprintf("%s (%#x)", n, uint32(s))
	}
	return fmt.Sprintf("status %#x", uint32(s))
}

// Failure is the reply payload of a global request that failed.
type Failure struct {
	Status  Status `cbor:"status"`
	Message string `cbor:"message"`
}

func (f *Failure) Error() string {
	if len(f.Message) == 0 {
		return f.Status.String()
	}
	return fmt.Sprintf("%s: %s", f.Status, f.Message)
}

// Resolve asks for the ID of an environment. An empty Name asks for
// the default environment.
type Resolve struct {
	Name string `cbor:"name"`
}

// Resolved is the reply to Resolve.
type Resolved struct {
	ID   ID     `cbor:"id"`
	Name string `cbor:"name"`
}

// Target names an environment by ID, as in a terminate request.
type Target struct {
	ID ID `cbor:"id"`
}

// Empty is the payload of requests that carry no arguments.
type Empty struct{}

// State is the run state of an environment.
type State string

// Environment states.
const (
	Stopped State = "Stopped"
	Running State = "Running"
)

// Environment describes one registered environment.
type Environment struct {
	Name      string `cbor:"name"`
	ID        ID     `cbor:"id"`
	Default   bool   `cbor:"default"`
	State     State  `cbor:"state"`
	Processes int    `cbor:"processes"`
}

// Listing is the reply to a list request.
type Listing struct {
	Environments []Environment `cbor:"environments"`
}

// VM holds the validated virtual machine settings of the host service.
type VM struct {
	Memory         uint64 `cbor:"memory,omitempty"`
	Processors     int    `cbor:"processors,omitempty"`
	NetworkingMode string `cbor:"networkingMode,omitempty"`
}

// HostStatus is the reply to a status request.
type HostStatus struct {
	Version      string `cbor:"version"`
	Default      string `cbor:"default"`
	Environments int    `cbor:"environments"`
	Running      int    `cbor:"running"`
	VM           VM     `cbor:"vm"`
	HostMemory   uint64 `cbor:"hostMemory"`
	HostCPUs     int    `cbor:"hostCPUs"`
}

// Pty requests a pseudo terminal for the new process.
type Pty struct {
	Term string `cbor:"term"`
	Rows uint16 `cbor:"rows"`
	Cols uint16 `cbor:"cols"`
}

// CreateProcess is the open payload of a ProcessChannel.
//
// Command is a command line; the service splits it with POSIX shell
// quoting rules. Env is the caller's environment, in order.
type CreateProcess struct {
	ID      ID       `cbor:"id"`
	Command string   `cbor:"command"`
	Env     []string `cbor:"env"`
	Cwd     string   `cbor:"cwd,omitempty"`
	User    string   `cbor:"user,omitempty"`
	Pty     *Pty     `cbor:"pty,omitempty"`
}

// ExitStatus is the payload of an exit-status channel request. It is
// SSH wire encoded, not CBOR, as RFC 4254 6.10 requires.
type ExitStatus struct {
	Status uint32
}
