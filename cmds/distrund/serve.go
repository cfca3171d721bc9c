// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gliderlabs/ssh"
	"github.com/mdlayher/vsock"
	"github.com/u-root/distrun/config"
	"github.com/u-root/distrun/registry"
	"github.com/u-root/distrun/server"
)

const any = math.MaxUint32

type modifier struct {
	name string
	f    func(*server.Server) (func(), error)
}

func (m *modifier) String() string {
	return m.name
}

// modifiers run once the server is set up and before it serves. They
// return a function to undo what they did. A modifier that fails is
// logged and serving goes on, so it must leave the server usable.
var modifiers []*modifier

func listen(network, addr string) (net.Listener, error) {
	// Sadly, vsock is not in the standard Go net package.
	switch network {
	case "vsock":
		p, err := strconv.ParseUint(addr, 0, 32)
		if err != nil {
			return nil, err
		}
		return vsock.ListenContextID(any, uint32(p), nil)

	case "unix":
		// Abstract sockets have no file.
		if len(addr) > 0 && addr[0] != '@' {
			if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
				return nil, err
			}
			if fi, err := os.Lstat(addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
				verbose("removing stale socket %q", addr)
				os.Remove(addr)
			}
		}
		return net.Listen(network, addr)

	default:
		return net.Listen(network, net.JoinHostPort("", addr))
	}
}

func serve(reg *registry.Registry, vm *config.VM) error {
	s, err := server.New(reg, *pubKeyFile, *hostKeyFile)
	if err != nil {
		return err
	}
	s.VM = *vm
	s.MaxProcesses = *maxProcs

	ln, err := listen(*network, *addr)
	if err != nil {
		return err
	}
	log.Printf("DISTRUND: %d environments, default %q, listening on %v", len(reg.List()), reg.Default(), ln.Addr())

	// If there is a hup or term, we stop serving.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigs
		log.Printf("DISTRUND: received %v, shutting down", sig)
		if err := s.Shutdown(context.Background()); err != nil {
			log.Printf("DISTRUND: shutdown: %v", err)
		}
	}()

	for _, m := range modifiers {
		undo, err := m.f(s)
		if err != nil {
			log.Printf("DISTRUND: error %v from modifier %s", err, m)
			continue
		}
		defer undo()
	}

	if err := s.Serve(ln); err != ssh.ErrServerClosed {
		return err
	}
	verbose("server closed")
	return nil
}
