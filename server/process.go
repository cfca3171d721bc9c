// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"fmt"
	"strings"

	"github.com/gliderlabs/ssh"
	"github.com/u-root/u-root/pkg/ulog"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/u-root/distrun/session"
	"github.com/u-root/distrun/wire"
)

// windowChange is the payload of a window-change request, RFC 4254 6.7.
type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

// exitSignal is the payload of an exit-signal request, RFC 4254 6.10.
type exitSignal struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// add records a running process. It fails if the environment is at
// its limit.
func (s *Server) add(id wire.ID, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.procs[id]
	if !ok {
		m = map[*session.Session]bool{}
		s.procs[id] = m
	}
	if s.MaxProcesses > 0 && len(m) >= s.MaxProcesses {
		return fmt.Errorf("%d running: %w", len(m), errResourceLimit)
	}
	m[sess] = true
	if s.Advert != nil {
		s.Advert.Tenant(1)
	}
	return nil
}

func (s *Server) remove(id wire.ID, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs[id], sess)
	if len(s.procs[id]) == 0 {
		delete(s.procs, id)
	}
	if s.Advert != nil {
		s.Advert.Tenant(-1)
	}
}

// running counts the processes in an environment, or in all of them
// for NilID.
func (s *Server) running(id wire.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != wire.NilID {
		return len(s.procs[id])
	}
	var n int
	for _, m := range s.procs {
		n += len(m)
	}
	return n
}

// kill kills the processes in an environment, or in all of them for
// NilID, and returns how many it killed.
func (s *Server) kill(id wire.ID) int {
	s.mu.Lock()
	var victims []*session.Session
	for eid, m := range s.procs {
		if id != wire.NilID && eid != id {
			continue
		}
		for sess := range m {
			victims = append(victims, sess)
		}
	}
	s.mu.Unlock()

	var n int
	for _, sess := range victims {
		if err := sess.Kill(); err != nil {
			v("kill: %v", err)
			continue
		}
		n++
	}
	return n
}

func reject(newChan gossh.NewChannel, err error) {
	st := statusOf(err)
	v("%s: reject %v: %v", wire.ProcessChannel, st, err)
	newChan.Reject(gossh.RejectionReason(st), err.Error()) //nolint
}

// process handles a process@distrun channel: it starts the process,
// relays its stdio over the channel, and reports how it ended.
func (s *Server) process(srv *ssh.Server, conn *gossh.ServerConn, newChan gossh.NewChannel, ctx ssh.Context) {
	var req wire.CreateProcess
	if err := wire.Unmarshal(newChan.ExtraData(), &req); err != nil {
		reject(newChan, fmt.Errorf("%w: %v", session.ErrBadCommand, err))
		return
	}
	e, err := s.Registry.ByID(req.ID)
	if err != nil {
		reject(newChan, err)
		return
	}

	sess := session.New(e.Root, req.Command)
	sess.Env, sess.Cwd, sess.User = req.Env, req.Cwd, req.User
	if req.Pty != nil {
		sess.Pty = &session.Pty{Term: req.Pty.Term, Rows: req.Pty.Rows, Cols: req.Pty.Cols}
	}
	if err := sess.Prepare(); err != nil {
		reject(newChan, err)
		return
	}
	if err := s.add(e.ID, sess); err != nil {
		reject(newChan, err)
		return
	}
	defer s.remove(e.ID, sess)

	ch, reqs, err := newChan.Accept()
	if err != nil {
		v("accept: %v", err)
		return
	}
	defer ch.Close()
	go func() {
		for r := range reqs {
			ok := false
			if r.Type == "window-change" {
				var w windowChange
				if err := gossh.Unmarshal(r.Payload, &w); err == nil {
					ok = sess.Resize(uint16(w.Rows), uint16(w.Cols)) == nil
				}
			}
			if r.WantReply {
				r.Reply(ok, nil) //nolint
			}
		}
	}()

	sess.Stdin, sess.Stdout, sess.Stderr = ch, ch, ch.Stderr()
	ulog.Log.Printf("distrund: %s: %q in %q as %q", conn.RemoteAddr(), req.Command, e.Name, sess.Identity().Name)
	x, err := sess.Run()
	if err != nil {
		// Prepare found the command, so this is rare. Say why, and
		// report it the way a shell does.
		fmt.Fprintf(ch.Stderr(), "distrund: %v\n", err)
		x = &session.Exit{Code: 127}
	}
	v("%q in %q: %+v", req.Command, e.Name, x)
	ch.CloseWrite() //nolint

	if x.Signal != 0 {
		sig := strings.TrimPrefix(unix.SignalName(x.Signal), "SIG")
		if _, err := ch.SendRequest("exit-signal", false, gossh.Marshal(&exitSignal{Signal: sig})); err == nil {
			return
		}
	}
	if _, err := ch.SendRequest(wire.ExitStatusRequest, false, gossh.Marshal(&wire.ExitStatus{Status: uint32(x.Code)})); err != nil {
		v("exit-status: %v", err)
	}
}
