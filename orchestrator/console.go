// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package orchestrator

import (
	"io"
	"os"

	"github.com/u-root/distrun/handle"
	"github.com/u-root/distrun/wire"
	"github.com/u-root/u-root/pkg/termios"
	"golang.org/x/term"
)

// Console is the local end of a session.
type Console struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// StdConsole is the console of the current process.
func StdConsole() Console {
	return Console{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// own gives hs the console's output streams. An output stream that
// is an io.Closer, other than the process's own, is closed on release.
// The error stream stays open: Run reports failures on it afterwards.
func (c Console) own(hs *handle.Set) {
	out := func() error { return nil }
	if cl, ok := c.Out.(io.Closer); ok && c.Out != io.Writer(os.Stdout) && c.Out != c.Err {
		out = cl.Close
	}
	hs.Own("console output", out)
	hs.Own("console error", func() error { return nil })
}

// terminal returns the file descriptor of In if it is a terminal.
func (c Console) terminal() (int, bool) {
	f, ok := c.In.(*os.File)
	if !ok {
		return -1, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// setup prepares an interactive console. If In is a terminal it is put
// in raw mode, with the restore owned by hs, and the returned Pty
// describes it. Otherwise setup returns nil and leaves the console
// alone.
func (c Console) setup(hs *handle.Set) *wire.Pty {
	fd, ok := c.terminal()
	if !ok {
		return nil
	}
	p := &wire.Pty{Term: os.Getenv("TERM"), Cols: 80, Rows: 24}
	if len(p.Term) == 0 {
		p.Term = "xterm"
	}
	if w, err := termios.GetWinSize(uintptr(fd)); err != nil {
		v("Can not get winsize: %v; assuming %dx%d", err, p.Cols, p.Rows)
	} else {
		p.Cols, p.Rows = w.Col, w.Row
	}

	t, err := termios.New()
	if err != nil {
		v("termios.New: %v; not using raw mode", err)
		return p
	}
	r, err := t.Raw()
	if err != nil {
		v("raw mode: %v", err)
		return p
	}
	hs.Own("console mode", func() error {
		return t.Set(r)
	})
	return p
}
