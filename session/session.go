// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/anmitsu/go-shlex"
	"github.com/creack/pty"
)

// defaultPath is searched for commands when the environment sets no
// PATH.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

var (
	// ErrBadCommand means the command line could not be split, or
	// was empty.
	ErrBadCommand = errors.New("bad command line")
	// ErrNoCommand means the command was not found in the environment.
	ErrNoCommand = errors.New("command not found")
)

var v = func(string, ...interface{}) {}

// PrivateMounts gives each process its own mount namespace, where the
// platform has them. It needs CAP_SYS_ADMIN.
var PrivateMounts bool

// SetVerbose sets the verbose printer.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Pty is the size and type of a requested pseudo terminal.
type Pty struct {
	Term string
	Rows uint16
	Cols uint16
}

// Exit is how a process ended.
type Exit struct {
	// Code is the exit code, if the process exited.
	Code int
	// Signal is the signal that killed the process, or 0.
	Signal syscall.Signal
}

// Session is one process run in an environment.
type Session struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Env is the process environment, in order.
	Env []string
	// Cwd is the working directory inside the environment. If empty,
	// the user's home is used.
	Cwd string
	// User names the identity to run as.
	User string
	// Pty, if set, runs the process on a pseudo terminal.
	Pty *Pty

	root    string
	command string
	id      *Identity
	cmd     *exec.Cmd
	ttyMu   sync.Mutex
	tty     *os.File
	copies  sync.WaitGroup
	stdin   io.WriteCloser
	started atomic.Bool
}

// New returns a Session that will run command inside root.
func New(root, command string) *Session {
	return &Session{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr, root: root, command: command}
}

// Identity returns the identity the process runs as, once started.
func (s *Session) Identity() *Identity {
	return s.id
}

func (s *Session) chrooted() bool {
	return len(s.root) > 0 && s.root != "/"
}

func (s *Session) getenv(k string) string {
	for i := len(s.Env) - 1; i >= 0; i-- {
		if n, val, ok := strings.Cut(s.Env[i], "="); ok && n == k {
			return val
		}
	}
	return ""
}

// lookPath finds file the way exec.LookPath does, but in the
// environment's tree. It returns the path as the process will see it.
func (s *Session) lookPath(file string) (string, error) {
	if strings.Contains(file, "/") {
		return file, nil
	}
	path := s.getenv("PATH")
	if len(path) == 0 {
		path = defaultPath
	}
	for _, dir := range filepath.SplitList(path) {
		if len(dir) == 0 {
			dir = "."
		}
		p := filepath.Join(dir, file)
		fi, err := os.Stat(filepath.Join(rootDir(s.root), p))
		if err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("%q: %w", file, ErrNoCommand)
}

// commandFor builds the exec.Cmd that runs s as id.
func (s *Session) commandFor(id *Identity) (*exec.Cmd, error) {
	args, err := shlex.Split(s.command, true)
	if err != nil {
		return nil, fmt.Errorf("%q: %w: %v", s.command, ErrBadCommand, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%q: %w", s.command, ErrBadCommand)
	}
	p, err := s.lookPath(args[0])
	if err != nil {
		return nil, err
	}
	c := &exec.Cmd{Path: p, Args: args}
	// The real path is resolved by the kernel after the chroot.
	if !s.chrooted() {
		c.Path = filepath.Join(rootDir(s.root), p)
	}
	c.Env = append([]string{}, s.Env...)
	if len(s.getenv("PATH")) == 0 {
		c.Env = append(c.Env, "PATH="+defaultPath)
	}
	c.Dir = s.Cwd
	if len(c.Dir) == 0 {
		c.Dir = "/"
		if fi, err := os.Stat(filepath.Join(rootDir(s.root), id.Home)); err == nil && fi.IsDir() {
			c.Dir = id.Home
		}
	}
	c.SysProcAttr = sysProcAttr(s.root, s.chrooted(), id)
	return c, nil
}

// Prepare decides who the process runs as and finds the command,
// without starting anything. Start calls it if needed.
func (s *Session) Prepare() error {
	if s.cmd != nil {
		return nil
	}
	id, err := identity(s.root, s.User)
	if err != nil {
		return err
	}
	c, err := s.commandFor(id)
	if err != nil {
		return err
	}
	s.id, s.cmd = id, c
	return nil
}

// Start starts the process.
func (s *Session) Start() error {
	if s.started.Load() {
		return errors.New("session already started")
	}
	if err := s.Prepare(); err != nil {
		return err
	}
	c, id := s.cmd, s.id
	v("session: run %q in %q as %q (uid %d) in %q", c.Args, s.root, id.Name, id.UID, c.Dir)

	var err error

	if s.Pty != nil {
		return s.startPty()
	}

	if s.stdin, err = c.StdinPipe(); err != nil {
		return err
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	s.started.Store(true)
	s.copyOut(s.Stdout, stdout)
	s.copyOut(s.Stderr, stderr)
	go func() {
		// Not waited for: a client may never close its stdin.
		io.Copy(s.stdin, s.Stdin) //nolint
		s.stdin.Close()
	}()
	return nil
}

func (s *Session) startPty() error {
	c := s.cmd
	if len(s.Pty.Term) > 0 {
		c.Env = append(c.Env, "TERM="+s.Pty.Term)
	}
	// pty.Start sets Setsid and Setctty itself.
	f, err := pty.StartWithSize(c, &pty.Winsize{Rows: s.Pty.Rows, Cols: s.Pty.Cols})
	if err != nil {
		return err
	}
	s.ttyMu.Lock()
	s.tty = f
	s.ttyMu.Unlock()
	s.started.Store(true)
	v("session: command started with pty")
	s.copyOut(s.Stdout, f)
	go func() {
		io.Copy(f, s.Stdin) //nolint
	}()
	return nil
}

func (s *Session) copyOut(w io.Writer, r io.Reader) {
	s.copies.Add(1)
	go func() {
		defer s.copies.Done()
		// On Linux a pty read returns EIO once the process is gone.
		io.Copy(w, r) //nolint
	}()
}

// Resize changes the size of the pty, if there is one.
func (s *Session) Resize(rows, cols uint16) error {
	s.ttyMu.Lock()
	defer s.ttyMu.Unlock()
	if s.tty == nil {
		return nil
	}
	return pty.Setsize(s.tty, &pty.Winsize{Rows: rows, Cols: cols})
}

// Kill kills the process.
func (s *Session) Kill() error {
	if !s.started.Load() {
		return nil
	}
	return s.cmd.Process.Kill()
}

// Wait waits for the process to end and for its output to be copied.
// It is important to only wait for the process started here, not any
// orphans; a shell waits for its own children.
func (s *Session) Wait() (*Exit, error) {
	if !s.started.Load() {
		return nil, errors.New("session not started")
	}
	s.copies.Wait()
	err := s.cmd.Wait()
	s.ttyMu.Lock()
	if s.tty != nil {
		s.tty.Close()
		s.tty = nil
	}
	s.ttyMu.Unlock()
	v("session: %q returns %v %v", s.cmd.Args, err, s.cmd.ProcessState)
	ps := s.cmd.ProcessState
	if ps == nil {
		return nil, err
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return &Exit{Code: 128 + int(ws.Signal()), Signal: ws.Signal()}, nil
	}
	return &Exit{Code: ps.ExitCode()}, nil
}

// Run runs the process and waits for it.
func (s *Session) Run() (*Exit, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s.Wait()
}
