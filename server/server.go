// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gliderlabs/ssh"
	"github.com/shirou/gopsutil/mem"
	"github.com/u-root/u-root/pkg/ulog"
	gossh "golang.org/x/crypto/ssh"

	"github.com/u-root/distrun/config"
	"github.com/u-root/distrun/ds"
	"github.com/u-root/distrun/registry"
	"github.com/u-root/distrun/session"
	"github.com/u-root/distrun/version"
	"github.com/u-root/distrun/wire"
)

const defaultPort = "17023"

var v = func(string, ...interface{}) {}

// SetVerbose sets the verbose printer.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

var errResourceLimit = errors.New("too many processes")

// Server is a distrun host service.
type Server struct {
	*ssh.Server

	// Registry holds the environments processes run in.
	Registry *registry.Registry
	// VM is reported by status requests.
	VM config.VM
	// MaxProcesses limits the processes running in one environment.
	// Zero means no limit.
	MaxProcesses int
	// Advert, if set, is told how many processes are running.
	Advert *ds.Advert

	mu    sync.Mutex
	procs map[wire.ID]map[*session.Session]bool
}

// New sets up a distrund. If publicKeyFile is not empty, only clients
// holding the private half of a key in it may connect. If hostKeyFile
// is empty, a host key is generated.
func New(reg *registry.Registry, publicKeyFile, hostKeyFile string) (*Server, error) {
	v("configure SSH server")
	s := &Server{
		Registry: reg,
		procs:    map[wire.ID]map[*session.Session]bool{},
	}
	s.Server = &ssh.Server{
		// Pick a reasonable default, which can be used for a call
		// to listen and which will be overridden later from a
		// listen.Addr
		Addr: ":" + defaultPort,
		RequestHandlers: map[string]ssh.RequestHandler{
			wire.ResolveRequest:   s.resolve,
			wire.ListRequest:      s.list,
			wire.StatusRequest:    s.status,
			wire.TerminateRequest: s.terminate,
			wire.ShutdownRequest:  s.shutdown,
		},
		ChannelHandlers: map[string]ssh.ChannelHandler{
			wire.ProcessChannel: s.process,
		},
	}
	if len(publicKeyFile) > 0 {
		s.PublicKeyHandler = func(ctx ssh.Context, key ssh.PublicKey) bool {
			return authorized(publicKeyFile, key)
		}
	}
	if len(hostKeyFile) > 0 {
		if err := s.SetOption(ssh.HostKeyFile(hostKeyFile)); err != nil {
			return nil, fmt.Errorf("host key %q: %w", hostKeyFile, err)
		}
	}
	return s, nil
}

// authorized reports whether key is one of the keys in an
// authorized_keys file.
func authorized(file string, key ssh.PublicKey) bool {
	data, err := os.ReadFile(file)
	if err != nil {
		ulog.Log.Printf("distrund: authorized keys: %v", err)
		return false
	}
	for len(data) > 0 {
		allowed, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			ulog.Log.Printf("distrund: authorized keys %q: %v", file, err)
			return false
		}
		if ssh.KeysEqual(key, allowed) {
			return true
		}
		data = rest
	}
	return false
}

// statusOf picks the status code reported for err.
func statusOf(err error) wire.Status {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrNoDefault),
		errors.Is(err, session.ErrNoUser),
		errors.Is(err, session.ErrNoCommand),
		errors.Is(err, os.ErrNotExist):
		return wire.StatusNotFound
	case errors.Is(err, session.ErrBadCommand):
		return wire.StatusInvalidArgument
	case errors.Is(err, session.ErrAccessDenied), errors.Is(err, os.ErrPermission):
		return wire.StatusAccessDenied
	case errors.Is(err, errResourceLimit):
		return wire.StatusResourceLimit
	}
	return wire.StatusInternal
}

// fail is the reply to a request that failed with err.
func fail(req string, err error) (bool, []byte) {
	f := &wire.Failure{Status: statusOf(err), Message: err.Error()}
	v("%s: %v", req, f)
	b, merr := wire.Marshal(f)
	if merr != nil {
		return false, nil
	}
	return false, b
}

// reply is the reply to a request that succeeded with out.
func reply(req string, out interface{}) (bool, []byte) {
	b, err := wire.Marshal(out)
	if err != nil {
		return fail(req, err)
	}
	return true, b
}

func (s *Server) resolve(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
	var r wire.Resolve
	if err := wire.Unmarshal(req.Payload, &r); err != nil {
		return fail(req.Type, fmt.Errorf("%w: %v", session.ErrBadCommand, err))
	}
	e, err := s.Registry.Lookup(r.Name)
	if err != nil {
		return fail(req.Type, err)
	}
	return reply(req.Type, &wire.Resolved{ID: e.ID, Name: e.Name})
}

func (s *Server) list(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
	def := s.Registry.Default()
	var l wire.Listing
	for _, e := range s.Registry.List() {
		n := s.running(e.ID)
		st := wire.Stopped
		if n > 0 {
			st = wire.Running
		}
		l.Environments = append(l.Environments, wire.Environment{
			Name:      e.Name,
			ID:        e.ID,
			Default:   e.Name == def,
			State:     st,
			Processes: n,
		})
	}
	return reply(req.Type, &l)
}

func (s *Server) status(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
	st := &wire.HostStatus{
		Version:      version.Info(),
		Default:      s.Registry.Default(),
		Environments: len(s.Registry.List()),
		Running:      s.running(wire.NilID),
		VM: wire.VM{
			Memory:         s.VM.Memory,
			Processors:     s.VM.Processors,
			NetworkingMode: s.VM.NetworkingMode,
		},
		HostCPUs: config.HardwareConcurrency(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.HostMemory = vm.Total
	} else {
		v("VirtualMemory: %v", err)
	}
	return reply(req.Type, st)
}

func (s *Server) terminate(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
	var t wire.Target
	if err := wire.Unmarshal(req.Payload, &t); err != nil {
		return fail(req.Type, fmt.Errorf("%w: %v", session.ErrBadCommand, err))
	}
	e, err := s.Registry.ByID(t.ID)
	if err != nil {
		return fail(req.Type, err)
	}
	n := s.kill(e.ID)
	ulog.Log.Printf("distrund: terminate %q: %d processes killed", e.Name, n)
	return reply(req.Type, &wire.Empty{})
}

func (s *Server) shutdown(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
	n := s.kill(wire.NilID)
	ulog.Log.Printf("distrund: shutdown: %d processes killed", n)
	return reply(req.Type, &wire.Empty{})
}
