// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package broker is the client side of the distrun host service.
//
// A Client resolves environment names, asks the host service to create
// processes and hands back their streams in a handle.Set, and makes
// the administrative calls (list, status, terminate, shutdown).
package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/u-root/distrun/handle"
	"github.com/u-root/distrun/wire"
	"golang.org/x/crypto/ssh"
)

const defaultTimeout = 5 * time.Second

var v = func(string, ...interface{}) {}

// SetVerbose sets the verbose printer.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Client is a connection to a host service. The zero value is not
// usable; call New.
type Client struct {
	Endpoint Endpoint
	// KeyFile is the private key offered to the host service.
	// If empty, it comes from ssh config or DefaultKeyFile.
	KeyFile string
	// HostKeyFile, if set, pins the host service's public key.
	HostKeyFile string
	// Timeout bounds connection setup.
	Timeout time.Duration

	config ssh.ClientConfig

	// dialMu serializes Connect; mu guards the fields below it and is
	// never held across network I/O.
	dialMu  sync.Mutex
	mu      sync.Mutex
	conn    *ssh.Client
	pending net.Conn
	closed  bool
}

// Option configures a Client.
type Option func(*Client) error

// WithKeyFile sets the private key file.
func WithKeyFile(kf string) Option {
	return func(c *Client) error {
		c.KeyFile = kf
		return nil
	}
}

// WithHostKeyFile pins the host service key to the one in hk.
func WithHostKeyFile(hk string) Option {
	return func(c *Client) error {
		c.HostKeyFile = hk
		return nil
	}
}

// WithTimeout sets the connection setup timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.Timeout = d
		return nil
	}
}

// New returns a Client for the endpoint. It does not connect.
func New(e Endpoint, opts ...Option) (*Client, error) {
	c := &Client{
		Endpoint: e,
		Timeout:  defaultTimeout,
		config: ssh.ClientConfig{
			User:            os.Getenv("USER"),
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// auth completes the ssh client configuration.
func (c *Client) auth() error {
	kf := GetKeyFile(c.Endpoint.Address, c.KeyFile)
	am, err := userKey(kf, len(c.KeyFile) > 0)
	if err != nil {
		return err
	}
	c.config.Auth = nil
	if am != nil {
		c.config.Auth = append(c.config.Auth, am)
	}
	if len(c.HostKeyFile) > 0 {
		cb, err := hostKey(c.HostKeyFile)
		if err != nil {
			return err
		}
		c.config.HostKeyCallback = cb
	}
	c.config.Timeout = c.Timeout
	return nil
}

// Connect connects to the host service. Once connected, further
// calls return nil and reuse the connection. Timeout bounds both the
// dial and the handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	c.mu.Lock()
	closed, connected := c.closed, c.conn != nil
	c.mu.Unlock()
	if closed {
		return &Error{Op: opConnect, Err: ErrClosed}
	}
	if connected {
		return nil
	}
	if err := c.auth(); err != nil {
		return &Error{Op: opConnect, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	conn, addr, err := c.Endpoint.dial(ctx)
	v("dial %v: (%v, %v)", c.Endpoint, addr, err)
	if err != nil {
		return &Error{Op: opConnect, Err: err}
	}
	if !c.pend(conn) {
		conn.Close()
		return &Error{Op: opConnect, Err: ErrClosed}
	}
	// ssh.NewClientConn does not look at config.Timeout.
	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, &c.config)
	stopped := stop()
	conn.SetDeadline(time.Time{})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	if err == nil && !stopped {
		err = ctx.Err()
		sc.Close()
	}
	if err == nil && c.closed {
		err = ErrClosed
		sc.Close()
	}
	if err != nil {
		conn.Close()
		return &Error{Op: opConnect, Err: err}
	}
	c.conn = ssh.NewClient(sc, chans, reqs)
	return nil
}

// pend records conn as the connection being set up, so that Close can
// interrupt it. It returns false if c is closed.
func (c *Client) pend(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pending = conn
	return true
}

// Close releases the connection, if there is one, and interrupts a
// Connect in progress. Only the first call does anything.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.pending != nil {
		c.pending.Close()
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Client) client(ctx context.Context) (*ssh.Client, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, &Error{Op: opConnect, Err: ErrClosed}
	}
	return c.conn, nil
}

type reply struct {
	ok      bool
	payload []byte
	err     error
}

// call sends the global request name with the CBOR encoding of in and
// decodes a successful reply into out.
func (c *Client) call(ctx context.Context, op, name string, in, out interface{}) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	b, err := wire.Marshal(in)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	r := make(chan reply, 1)
	go func() {
		ok, payload, err := cl.SendRequest(name, true, b)
		r <- reply{ok: ok, payload: payload, err: err}
	}()
	var rep reply
	select {
	case <-ctx.Done():
		return lostError(op, ctx.Err())
	case rep = <-r:
	}
	v("%s: ok %v, %d bytes, err %v", name, rep.ok, len(rep.payload), rep.err)
	if rep.err != nil {
		return lostError(op, rep.err)
	}
	if !rep.ok {
		var f wire.Failure
		if err := wire.Unmarshal(rep.payload, &f); err != nil || f.Status == 0 {
			// Not one of ours.
			return &Error{Op: op, Status: wire.StatusInternal, Err: errors.New("request refused")}
		}
		return &Error{Op: op, Status: f.Status, Err: errors.New(f.Message)}
	}
	if out == nil {
		return nil
	}
	if err := wire.Unmarshal(rep.payload, out); err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}

// Resolve returns the ID of the named environment. An empty name
// resolves the default environment.
func (c *Client) Resolve(ctx context.Context, name string) (wire.ID, error) {
	var r wire.Resolved
	if err := c.call(ctx, opResolve, wire.ResolveRequest, &wire.Resolve{Name: name}, &r); err != nil {
		return wire.NilID, err
	}
	if r.ID == wire.NilID {
		return wire.NilID, &Error{Op: opResolve, Status: wire.StatusNotFound, Err: errors.New("host service returned no id")}
	}
	return r.ID, nil
}

// Terminate stops every process in the environment.
func (c *Client) Terminate(ctx context.Context, id wire.ID) error {
	return c.call(ctx, opTerminate, wire.TerminateRequest, &wire.Target{ID: id}, nil)
}

// ShutdownAll stops every process in every environment.
func (c *Client) ShutdownAll(ctx context.Context) error {
	return c.call(ctx, opShutdown, wire.ShutdownRequest, &wire.Empty{}, nil)
}

// List returns the registered environments.
func (c *Client) List(ctx context.Context) ([]wire.Environment, error) {
	var l wire.Listing
	if err := c.call(ctx, opList, wire.ListRequest, &wire.Empty{}, &l); err != nil {
		return nil, err
	}
	return l.Environments, nil
}

// Status returns the state of the host service.
func (c *Client) Status(ctx context.Context) (*wire.HostStatus, error) {
	var s wire.HostStatus
	if err := c.call(ctx, opStatus, wire.StatusRequest, &wire.Empty{}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateProcess asks the host service to start a process in the
// environment id, and fills in hs with its streams and process handle.
//
// Everything acquired is owned by hs, even when CreateProcess fails;
// the caller must release hs in every case.
func (c *Client) CreateProcess(ctx context.Context, id wire.ID, r *Request, hs *handle.Set) error {
	cmd, err := r.CommandLine()
	if err != nil {
		return &Error{Op: opCreate, Status: wire.StatusInvalidArgument, Err: err}
	}
	env := r.Env
	if env == nil {
		env = os.Environ()
	}
	b, err := wire.Marshal(&wire.CreateProcess{
		ID:      id,
		Command: cmd,
		Env:     env,
		Cwd:     r.Cwd,
		User:    r.User,
		Pty:     r.Pty,
	})
	if err != nil {
		return &Error{Op: opCreate, Err: err}
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}

	v("open %s: %q", wire.ProcessChannel, cmd)
	ch, reqs, err := cl.OpenChannel(wire.ProcessChannel, b)
	if err != nil {
		var oce *ssh.OpenChannelError
		if errors.As(err, &oce) {
			return &Error{Op: opCreate, Status: wire.Status(oce.Reason), Err: errors.New(oce.Message)}
		}
		return lostError(opCreate, err)
	}
	hs.Own("process channel", func() error {
		if err := ch.Close(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	})
	hs.Stdin = ch
	hs.OwnStdin(func() error {
		if err := ch.CloseWrite(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	})
	hs.Stdout = ch
	hs.Stderr = ch.Stderr()
	hs.Process = newProcess(reqs)
	return nil
}
