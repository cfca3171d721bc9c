// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/u-root/distrun/wire"
)

// ErrNoExitStatus is returned by ExitCode when the remote process
// ended without reporting how.
var ErrNoExitStatus = errors.New("process ended without an exit status")

// exitSignal is the payload of an exit-signal request, RFC 4254 6.10.
type exitSignal struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// process watches the requests on a process channel for the exit
// status of the remote process. It implements handle.Process.
type process struct {
	done chan struct{}

	mu   sync.Mutex
	code int
	err  error
}

func newProcess(reqs <-chan *ssh.Request) *process {
	p := &process{done: make(chan struct{}), err: ErrNoExitStatus}
	go p.watch(reqs)
	return p
}

// watch runs until the channel is closed, which happens after the
// host service sends the exit status, or when the connection drops.
func (p *process) watch(reqs <-chan *ssh.Request) {
	defer close(p.done)
	for req := range reqs {
		v("process request %q", req.Type)
		switch req.Type {
		case wire.ExitStatusRequest:
			var es wire.ExitStatus
			if err := ssh.Unmarshal(req.Payload, &es); err != nil {
				p.set(0, fmt.Errorf("malformed exit status: %w", err))
				break
			}
			p.set(int(es.Status), nil)
		case "exit-signal":
			var es exitSignal
			if err := ssh.Unmarshal(req.Payload, &es); err != nil {
				p.set(0, fmt.Errorf("malformed exit signal: %w", err))
				break
			}
			// Report a signal death the way a shell does.
			sig := unix.SignalNum("SIG" + es.Signal)
			if sig == 0 {
				p.set(0, fmt.Errorf("killed by unknown signal %q", es.Signal))
				break
			}
			p.set(128+int(sig), nil)
		}
		if req.WantReply {
			req.Reply(false, nil) //nolint
		}
	}
}

func (p *process) set(code int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code, p.err = code, err
}

// Wait waits for the process channel to close.
func (p *process) Wait() error {
	<-p.done
	return nil
}

// ExitCode returns the exit code reported by the host service.
func (p *process) ExitCode() (int, error) {
	select {
	case <-p.done:
	default:
		return 0, errors.New("process still running")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.err
}
