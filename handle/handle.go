// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package handle holds the set of handles that make up one remote
// process: its three stdio streams, its process handle, and whatever
// local resources (a terminal in raw mode, say) were acquired to talk
// to it.
//
// A Set has exactly one owner. Resources are registered with Own as
// they are acquired, and Release gives every one of them back exactly
// once, last acquired first, no matter how far setup got.
package handle

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ErrReleased is returned by a second call to Release.
var ErrReleased = errors.New("handle set already released")

// Process is the process/control handle of a remote process.
type Process interface {
	// Wait blocks until the process has terminated. A nil return
	// means termination was observed; it says nothing about the
	// exit code.
	Wait() error
	// ExitCode returns the exit code of a terminated process.
	ExitCode() (int, error)
}

type resource struct {
	name    string
	release func() error
	once    sync.Once
	err     error
}

func (r *resource) do() error {
	r.once.Do(func() {
		if err := r.release(); err != nil {
			r.err = fmt.Errorf("release %s: %w", r.name, err)
		}
	})
	return r.err
}

// Set is the I/O surface of one remote process. The stream and
// process fields are read by the relay; only the owner releases.
type Set struct {
	// Stdin is written by the host and read by the remote process.
	Stdin io.Writer
	// Stdout and Stderr are written by the remote process.
	Stdout io.Reader
	Stderr io.Reader
	// Process signals termination and yields the exit code.
	Process Process

	mu        sync.Mutex
	resources []*resource
	stdinEOF  *resource
	released  bool
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// Own registers release as the way to give back the named resource.
// It returns a function that releases just that resource; calling it
// more than once, or calling it and then Release, still runs release
// only once. If the set has already been released the resource is
// released immediately.
func (s *Set) Own(name string, release func() error) func() error {
	r := &resource{name: name, release: release}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		r.do() //nolint
		return r.do
	}
	s.resources = append(s.resources, r)
	s.mu.Unlock()
	return r.do
}

// OwnStdin registers the half close of Stdin. The relay calls
// CloseStdin when local input reaches end of file.
func (s *Set) OwnStdin(closeWrite func() error) {
	s.Own("stdin", closeWrite)
	s.mu.Lock()
	s.stdinEOF = s.resources[len(s.resources)-1]
	s.mu.Unlock()
}

// CloseStdin signals end of input to the remote process. It is a
// no-op if no stdin closer was registered.
func (s *Set) CloseStdin() error {
	s.mu.Lock()
	r := s.stdinEOF
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.do()
}

// Complete reports whether all three streams and the process handle
// are present.
func (s *Set) Complete() bool {
	return s.Stdin != nil && s.Stdout != nil && s.Stderr != nil && s.Process != nil
}

// Release releases every owned resource, most recently acquired
// first, and returns the aggregate of their errors. Only the first
// call does anything; later calls return ErrReleased.
func (s *Set) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	s.released = true
	rs := s.resources
	s.resources = nil
	s.mu.Unlock()

	var err error
	for i := len(rs) - 1; i >= 0; i-- {
		if e := rs[i].do(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	return err
}
