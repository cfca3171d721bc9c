// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package relay moves bytes between the local console and a remote
// process until the process exits, then reports its exit code.
//
// Three pumps run at once: stdin forwards local input to the remote
// process, stdout and stderr forward its output. A fourth goroutine
// watches the process handle. When the process ends, the stop signal
// is raised and the output pumps are given a grace period to drain
// what the process wrote before it exited. The stdin pump may be
// blocked on a terminal that never produces another byte; it is
// abandoned, not joined.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/u-root/distrun/handle"
)

const (
	// ChunkSize is the most a pump reads before it writes.
	ChunkSize = 4096
	// DefaultGrace is how long output pumps may drain after the
	// process has exited.
	DefaultGrace = 2 * time.Second
	// ExitIndeterminate is returned when the exit code of the remote
	// process could not be determined. It is outside 0-255 so no
	// process can return it.
	ExitIndeterminate = -1
)

var (
	// ErrIO is a failure of the relay's transport: the process
	// handle could not be waited on, or the handle set was unusable.
	ErrIO = errors.New("relay i/o failure")
	// ErrExitStatusIndeterminate means the process ended but its
	// exit code is unknown.
	ErrExitStatusIndeterminate = errors.New("exit status indeterminate")
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the verbose printer.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Console is the local end of a relay.
type Console struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// State is the state of a pump.
type State int32

// Pump states. A pump moves only forward through them.
const (
	Idle State = iota
	Pumping
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pumping:
		return "pumping"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Relay relays one remote process.
type Relay struct {
	Console Console
	Handles *handle.Set
	Grace   time.Duration

	stdin, stdout, stderr *pump
}

// New returns a Relay between con and the process in hs.
func New(con Console, hs *handle.Set) *Relay {
	return &Relay{Console: con, Handles: hs, Grace: DefaultGrace}
}

// Run relays until the process exits and returns its exit code. If
// the exit code cannot be determined, Run returns ExitIndeterminate and
// an error matching ErrIO or ErrExitStatusIndeterminate.
//
// Canceling ctx raises the stop signal as if the process had exited,
// but its exit code is then indeterminate.
//
// Failures of the local console end only the pump that saw them; they
// are reported by PumpErrors.
func (r *Relay) Run(ctx context.Context) (int, error) {
	hs := r.Handles
	if hs == nil || !hs.Complete() {
		return ExitIndeterminate, fmt.Errorf("%w: incomplete handle set", ErrIO)
	}

	stop := make(chan struct{})
	r.stdin = &pump{name: "stdin", src: r.Console.In, dst: hs.Stdin, done: make(chan struct{})}
	r.stdout = &pump{name: "stdout", src: hs.Stdout, dst: r.Console.Out, done: make(chan struct{})}
	r.stderr = &pump{name: "stderr", src: hs.Stderr, dst: r.Console.Err, done: make(chan struct{})}

	go r.stdin.forwardInput(stop, hs.CloseStdin)
	go r.stdout.forwardOutput()
	go r.stderr.forwardOutput()

	watch := make(chan error, 1)
	go func() {
		watch <- hs.Process.Wait()
	}()

	var werr error
	select {
	case werr = <-watch:
		if werr != nil {
			werr = fmt.Errorf("%w: waiting for process: %v", ErrIO, werr)
		}
	case <-ctx.Done():
		werr = fmt.Errorf("%w: %v", ErrIO, ctx.Err())
	}
	v("relay: termination %v, draining", werr)
	close(stop)

	r.drain()

	if werr != nil {
		return ExitIndeterminate, werr
	}
	code, err := hs.Process.ExitCode()
	if err != nil {
		return ExitIndeterminate, fmt.Errorf("%w: %v", ErrExitStatusIndeterminate, err)
	}
	return code, nil
}

// drain waits up to the grace period for the output pumps to finish.
// The stdin pump is not waited for.
func (r *Relay) drain() {
	r.stdin.stopping()
	r.stdout.stopping()
	r.stderr.stopping()

	t := time.NewTimer(r.Grace)
	defer t.Stop()
	for _, p := range []*pump{r.stdout, r.stderr} {
		select {
		case <-p.done:
		case <-t.C:
			v("relay: %s still draining after %v, abandoning", p.name, r.Grace)
			return
		}
	}
}

// States returns the states of the stdin, stdout and stderr pumps.
func (r *Relay) States() [3]State {
	var s [3]State
	for i, p := range []*pump{r.stdin, r.stdout, r.stderr} {
		if p != nil {
			s[i] = p.State()
		}
	}
	return s
}

// PumpErrors returns the local console failures seen by the stdout
// and stderr pumps, and by the stdin pump if it has stopped.
func (r *Relay) PumpErrors() error {
	var err error
	for _, p := range []*pump{r.stdin, r.stdout, r.stderr} {
		if p == nil || p.State() != Stopped {
			continue
		}
		if p.err != nil {
			err = multierror.Append(err, p.err)
		}
	}
	return err
}

// Run relays hs to con with the default grace period.
func Run(ctx context.Context, con Console, hs *handle.Set) (int, error) {
	return New(con, hs).Run(ctx)
}
