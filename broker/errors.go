// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"errors"
	"fmt"

	"github.com/u-root/distrun/wire"
)

// Error categories. Every error returned by a Client matches exactly
// one of them with errors.Is.
var (
	// ErrResolution means an environment name could not be resolved,
	// or no default environment is configured.
	ErrResolution = errors.New("environment resolution failed")
	// ErrConnection means the host service could not be reached.
	ErrConnection = errors.New("cannot reach host service")
	// ErrCreation means the host service would not create a process.
	ErrCreation = errors.New("process creation failed")
	// ErrRejected means the host service refused an administrative
	// request.
	ErrRejected = errors.New("host service rejected request")
	// ErrClosed is returned for operations on a closed Client.
	ErrClosed = errors.New("client closed")
)

// Error is a failed broker operation. Status is the host service
// status code, or zero when the failure happened before the host
// service answered.
type Error struct {
	Op     string
	Status wire.Status
	Err    error

	// lost is set when the connection failed during Op.
	lost bool
}

// lostError is a transport failure during op.
func lostError(op string, err error) *Error {
	return &Error{Op: op, Err: err, lost: true}
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches e against its category. A lost connection is
// ErrConnection whatever the operation; only a name the host service
// reports as not found is ErrResolution.
func (e *Error) Is(target error) bool {
	if e.lost || e.Op == opConnect {
		return target == ErrConnection
	}
	unresolved := e.Op == opResolve && e.Status == wire.StatusNotFound
	switch target {
	case ErrResolution:
		return unresolved
	case ErrCreation:
		return e.Op == opCreate
	case ErrRejected:
		return e.Op != opCreate && !unresolved
	}
	return false
}

// Operation names, as they appear in errors.
const (
	opConnect   = "connect"
	opResolve   = "resolve"
	opCreate    = "create process"
	opTerminate = "terminate"
	opShutdown  = "shutdown"
	opList      = "list"
	opStatus    = "status"
)

// StatusOf returns the host status code carried by err, if any.
func StatusOf(err error) (wire.Status, bool) {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status, true
	}
	return 0, false
}
