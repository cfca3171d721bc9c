// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/u-root/distrun/handle"
	"github.com/u-root/distrun/wire"
)

func TestQuoteArg(t *testing.T) {
	var tests = []struct {
		in  string
		out string
	}{
		{in: "", out: "''"},
		{in: "arg", out: "'arg'"},
		{in: "arg space", out: "'arg space'"},
		{in: "\"", out: "'\"'"},
		{in: "'", out: "''\"'\"''"},
		{in: "'a'", out: "''\"'\"'a'\"'\"''"},
	}
	for i, tt := range tests {
		result := quoteArg(tt.in)
		if result != tt.out {
			t.Errorf("%d: quoteArg(%s) = %s, expected %s", i, tt.in, result, tt.out)
		}
	}
}

func TestCommandLine(t *testing.T) {
	for _, tt := range []struct {
		name string
		r    Request
		want string
		err  error
	}{
		{name: "shell", r: Request{}, want: "/bin/sh -l"},
		{name: "args", r: Request{Args: []string{"ls", "-l", "/tmp"}}, want: "/bin/sh -c 'ls -l /tmp'"},
		{name: "quote", r: Request{Args: []string{"echo", "it's"}}, want: `/bin/sh -c 'echo it'"'"'s'`},
		{name: "exec", r: Request{Exec: `grep "a b" /etc/passwd`, Args: []string{"ignored"}}, want: `grep "a b" /etc/passwd`},
		{name: "unbalanced", r: Request{Exec: `echo "oops`}, err: errors.New("any")},
		{name: "blank", r: Request{Exec: "   "}, err: errEmptyExec},
	} {
		got, err := tt.r.CommandLine()
		if (err != nil) != (tt.err != nil) {
			t.Errorf("%s: CommandLine(): err %v, want %v", tt.name, err, tt.err)
			continue
		}
		if tt.err == errEmptyExec && !errors.Is(err, errEmptyExec) {
			t.Errorf("%s: CommandLine(): got %v, want %v", tt.name, err, errEmptyExec)
		}
		if got != tt.want {
			t.Errorf("%s: CommandLine(): got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestVsockIdPort(t *testing.T) {
	for _, tt := range []struct {
		name string
		host string
		port string
		h    uint32
		p    uint32
		err  error
	}{
		{name: "badhostport", host: "", port: "", err: strconv.ErrSyntax},
		{name: "noport", host: "1", port: "", err: strconv.ErrSyntax},
		{name: "ok", host: "1", port: "2", h: 1, p: 2},
		{name: "badhostnum", host: "z", port: "2", err: strconv.ErrSyntax},
		{name: "hex", host: "0x42", port: "17023", h: 0x42, p: 17023},
	} {
		h, p, err := vsockIdPort(tt.host, tt.port)
		if !errors.Is(err, tt.err) || h != tt.h || p != tt.p {
			t.Errorf("%s:vsockIdPort(%s, %s): (%v, %v, %v) != (%v, %v, %v)", tt.name, tt.host, tt.port, h, p, err, tt.h, tt.p, tt.err)
		}
	}
}

func TestGetPort(t *testing.T) {
	for _, tt := range []struct {
		host string
		port string
		want string
	}{
		{"bogus", "", DefaultPort},
		{"bogus", "22", DefaultPort},
		{"bogus", "2222", "2222"},
	} {
		got, err := GetPort(tt.host, tt.port)
		if err != nil || got != tt.want {
			t.Errorf("GetPort(%q, %q): (%q, %v), want (%q, nil)", tt.host, tt.port, got, err, tt.want)
		}
	}
}

func TestErrorCategories(t *testing.T) {
	for _, tt := range []struct {
		err  *Error
		cat  error
		not  error
		text string
	}{
		{
			err:  &Error{Op: opResolve, Status: wire.StatusNotFound, Err: errors.New("no default environment")},
			cat:  ErrResolution,
			not:  ErrCreation,
			text: "resolve: not found (0x101): no default environment",
		},
		{
			err:  &Error{Op: opConnect, Err: errors.New("connection refused")},
			cat:  ErrConnection,
			not:  ErrResolution,
			text: "connect: connection refused",
		},
		{
			err:  &Error{Op: opCreate, Status: wire.StatusResourceLimit, Err: errors.New("too many processes")},
			cat:  ErrCreation,
			not:  ErrRejected,
			text: "create process: resource limit (0x103): too many processes",
		},
		{
			err:  lostError(opResolve, io.EOF),
			cat:  ErrConnection,
			not:  ErrResolution,
			text: "resolve: EOF",
		},
		{
			err:  lostError(opCreate, io.EOF),
			cat:  ErrConnection,
			not:  ErrCreation,
			text: "create process: EOF",
		},
		{
			err:  &Error{Op: opResolve, Status: wire.StatusInternal, Err: errors.New("request refused")},
			cat:  ErrRejected,
			not:  ErrResolution,
			text: "resolve: internal error (0x105): request refused",
		},
		{
			err:  &Error{Op: opTerminate, Status: wire.StatusNotFound, Err: errors.New("x")},
			cat:  ErrRejected,
			not:  ErrConnection,
			text: "terminate: not found (0x101): x",
		},
	} {
		err := fmt.Errorf("wrapped: %w", tt.err)
		if !errors.Is(err, tt.cat) {
			t.Errorf("errors.Is(%v, %v): got false, want true", err, tt.cat)
		}
		if errors.Is(err, tt.not) {
			t.Errorf("errors.Is(%v, %v): got true, want false", err, tt.not)
		}
		if got := tt.err.Error(); got != tt.text {
			t.Errorf("Error(): got %q, want %q", got, tt.text)
		}
		s, ok := StatusOf(err)
		if ok != (tt.err.Status != 0) || s != tt.err.Status {
			t.Errorf("StatusOf(%v): got (%v, %v), want (%v, %v)", err, s, ok, tt.err.Status, tt.err.Status != 0)
		}
	}
}

func TestConnectRefused(t *testing.T) {
	v = t.Logf
	c, err := New(Endpoint{Network: "unix", Address: filepath.Join(t.TempDir(), "none.sock")}, WithKeyFile(""))
	if err != nil {
		t.Fatalf("New: %v != nil", err)
	}
	defer c.Close()
	if _, err := c.Resolve(context.Background(), "x"); !errors.Is(err, ErrConnection) {
		t.Fatalf("Resolve on a missing socket: got %v, want %v", err, ErrConnection)
	}
}

// silent listens on a fresh unix socket and accepts connections
// without ever answering them.
func silent(t *testing.T) string {
	t.Helper()
	d, err := os.MkdirTemp("", "dr")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(d) })
	sock := filepath.Join(d, "s")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("net.Listen(unix, %q): %v != nil", sock, err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		var held []net.Conn
		defer func() {
			for _, c := range held {
				c.Close()
			}
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held = append(held, c)
		}
	}()
	return sock
}

func TestConnectHandshakeTimeout(t *testing.T) {
	c, err := New(Endpoint{Network: "unix", Address: silent(t)}, WithKeyFile(""), WithTimeout(500*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v != nil", err)
	}
	defer c.Close()
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrConnection) {
			t.Errorf("Connect to a silent host service: got %v, want %v", err, ErrConnection)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Connect still blocked after 5s with a 500ms timeout")
	}
}

func TestCloseInterruptsConnect(t *testing.T) {
	c, err := New(Endpoint{Network: "unix", Address: silent(t)}, WithKeyFile(""), WithTimeout(time.Minute))
	if err != nil {
		t.Fatalf("New: %v != nil", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	// Let Connect get as far as the handshake.
	time.Sleep(100 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close: %v != nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Close blocked behind Connect")
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrConnection) {
			t.Errorf("interrupted Connect: got %v, want %v", err, ErrConnection)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Connect still blocked after Close")
	}
}

func TestClosedClient(t *testing.T) {
	c, err := New(DefaultEndpoint)
	if err != nil {
		t.Fatalf("New: %v != nil", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v != nil", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v != nil", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) || !errors.Is(err, ErrConnection) {
		t.Fatalf("Connect after Close: got %v, want %v", err, ErrClosed)
	}
}

func TestCreateProcessBadCommand(t *testing.T) {
	c, err := New(DefaultEndpoint)
	if err != nil {
		t.Fatalf("New: %v != nil", err)
	}
	defer c.Close()
	hs := handle.New()
	defer hs.Release()
	err = c.CreateProcess(context.Background(), wire.NilID, &Request{Exec: `"`}, hs)
	if !errors.Is(err, ErrCreation) {
		t.Fatalf("CreateProcess: got %v, want %v", err, ErrCreation)
	}
	if s, _ := StatusOf(err); s != wire.StatusInvalidArgument {
		t.Errorf("CreateProcess status: got %v, want %v", s, wire.StatusInvalidArgument)
	}
	if hs.Complete() {
		t.Errorf("handle set populated after a failed CreateProcess")
	}
}
