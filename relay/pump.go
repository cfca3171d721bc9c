// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package relay

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// pump copies src to dst one chunk at a time. Each pump owns its
// buffer; pumps share nothing but the stop signal.
type pump struct {
	name  string
	src   io.Reader
	dst   io.Writer
	state atomic.Int32
	done  chan struct{}
	// err is written before done is closed or the state becomes
	// Stopped, and read only after.
	err error
}

// State returns the current state of p.
func (p *pump) State() State {
	return State(p.state.Load())
}

// stopping moves a pump that has not stopped to Draining.
func (p *pump) stopping() {
	if !p.state.CompareAndSwap(int32(Pumping), int32(Draining)) {
		p.state.CompareAndSwap(int32(Idle), int32(Draining))
	}
}

func (p *pump) finish() {
	p.state.Store(int32(Stopped))
	close(p.done)
}

// forwardOutput copies remote output to the console until the remote
// stream ends. End of stream, and any read error, mean the remote side
// closed it. A failed console write stops forwarding, but the stream
// is still read to its end so the remote process is never blocked
// writing to it.
func (p *pump) forwardOutput() {
	defer p.finish()
	p.state.CompareAndSwap(int32(Idle), int32(Pumping))
	buf := make([]byte, ChunkSize)
	dst := p.dst
	for {
		n, rerr := p.src.Read(buf)
		if n > 0 && dst != io.Discard {
			if _, err := dst.Write(buf[:n]); err != nil {
				p.err = fmt.Errorf("%s: %w", p.name, err)
				v("relay: %v, discarding the rest", p.err)
				dst = io.Discard
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				v("relay: %s closed: %v", p.name, rerr)
			}
			return
		}
	}
}

// forwardInput copies console input to the remote process. It checks
// the stop signal after every read, since a read from a terminal may
// never return. On end of local input it half closes the remote stdin
// with eof.
func (p *pump) forwardInput(stop <-chan struct{}, eof func() error) {
	defer p.finish()
	p.state.CompareAndSwap(int32(Idle), int32(Pumping))
	buf := make([]byte, ChunkSize)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, rerr := p.src.Read(buf)
		select {
		case <-stop:
			return
		default:
		}
		if n > 0 {
			if _, err := p.dst.Write(buf[:n]); err != nil {
				// The remote side stopped reading.
				v("relay: %s: %v", p.name, err)
				return
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				p.err = fmt.Errorf("%s: %w", p.name, rerr)
			}
			if err := eof(); err != nil {
				v("relay: closing remote stdin: %v", err)
			}
			return
		}
	}
}
