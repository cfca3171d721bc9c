// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/u-root/distrun/broker"
	"github.com/u-root/distrun/handle"
	"github.com/u-root/distrun/version"
	"github.com/u-root/distrun/wire"
)

// proc is a process that has already exited.
type proc struct {
	code int
	err  error
}

func (p *proc) Wait() error            { return nil }
func (p *proc) ExitCode() (int, error) { return p.code, p.err }

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) { return len(b), nil }

// fake is a host service with one environment, unless envs says
// otherwise.
type fake struct {
	envs    map[string]wire.ID
	def     string
	created *broker.Request
	code    int
	codeErr error
	out     string
	// createErr fails CreateProcess after it has allocated handles.
	createErr error

	calls    []string
	released []string
	closed   int
}

func newFake() *fake {
	return &fake{envs: map[string]wire.ID{"alpine": uuid.New()}, def: "alpine"}
}

func (f *fake) Resolve(ctx context.Context, name string) (wire.ID, error) {
	f.calls = append(f.calls, "resolve")
	if len(name) == 0 {
		name = f.def
	}
	id, ok := f.envs[name]
	if !ok {
		return wire.NilID, &broker.Error{Op: "resolve", Status: wire.StatusNotFound, Err: errors.New("not registered")}
	}
	return id, nil
}

func (f *fake) own(hs *handle.Set, name string) {
	hs.Own(name, func() error {
		f.released = append(f.released, name)
		return nil
	})
}

func (f *fake) CreateProcess(ctx context.Context, id wire.ID, r *broker.Request, hs *handle.Set) error {
	f.calls = append(f.calls, "create")
	f.created = r
	f.own(hs, "channel")
	if f.createErr != nil {
		return f.createErr
	}
	f.own(hs, "stdin")
	hs.Stdin = nopWriter{}
	hs.Stdout = strings.NewReader(f.out)
	hs.Stderr = strings.NewReader("")
	hs.Process = &proc{code: f.code, err: f.codeErr}
	return nil
}

func (f *fake) Terminate(ctx context.Context, id wire.ID) error {
	f.calls = append(f.calls, "terminate")
	return nil
}

func (f *fake) ShutdownAll(ctx context.Context) error {
	f.calls = append(f.calls, "shutdown")
	return nil
}

func (f *fake) List(ctx context.Context) ([]wire.Environment, error) {
	f.calls = append(f.calls, "list")
	var l []wire.Environment
	for n, id := range f.envs {
		l = append(l, wire.Environment{Name: n, ID: id, Default: n == f.def})
	}
	return l, nil
}

func (f *fake) Status(ctx context.Context) (*wire.HostStatus, error) {
	f.calls = append(f.calls, "status")
	return &wire.HostStatus{Version: "1.0", Default: f.def, Environments: len(f.envs), HostCPUs: 4, VM: wire.VM{Processors: 2}}, nil
}

func (f *fake) Close() error {
	f.closed++
	return nil
}

type tester struct {
	o        *Orchestrator
	f        *fake
	out, err bytes.Buffer
	dials    int
}

func newTester() *tester {
	t := &tester{f: newFake()}
	t.o = &Orchestrator{
		Console: Console{In: strings.NewReader(""), Out: &t.out, Err: &t.err},
		Dial: func() (Broker, error) {
			t.dials++
			return t.f, nil
		},
		Environ: []string{"A=1"},
	}
	return t
}

func (tt *tester) run(t *testing.T, args ...string) int {
	t.Helper()
	a, err := ParseArgs(args)
	if err != nil {
		t.Fatalf("ParseArgs(%q): %v != nil", args, err)
	}
	return tt.o.Run(context.Background(), a)
}

func TestExecute(t *testing.T) {
	tt := newTester()
	tt.f.code, tt.f.out = 42, "hi\n"
	if got := tt.run(t, "-u", "root", "--cd", "/tmp", "echo", "hi"); got != 42 {
		t.Fatalf("exit code: got %d, want 42 (stderr %q)", got, tt.err.String())
	}
	if tt.out.String() != "hi\n" {
		t.Errorf("stdout: got %q, want %q", tt.out.String(), "hi\n")
	}
	r := tt.f.created
	if r == nil || r.User != "root" || r.Cwd != "/tmp" || strings.Join(r.Args, " ") != "echo hi" || r.Pty != nil {
		t.Errorf("request: got %+v, want echo hi as root in /tmp without a pty", r)
	}
	if strings.Join(r.Env, ",") != "A=1" {
		t.Errorf("environment: got %q, want %q", r.Env, "A=1")
	}
	if got := strings.Join(tt.f.released, ","); got != "stdin,channel" {
		t.Errorf("released: got %q, want %q", got, "stdin,channel")
	}
	if tt.f.closed != 1 || tt.dials != 1 {
		t.Errorf("dials, closes: got %d, %d, want 1, 1", tt.dials, tt.f.closed)
	}
}

// closeBuffer is a console stream that records being closed.
type closeBuffer struct {
	bytes.Buffer
	closed int
}

func (b *closeBuffer) Close() error {
	b.closed++
	return nil
}

func TestConsoleReleased(t *testing.T) {
	tt := newTester()
	tt.f.out = "hi\n"
	out, errs := &closeBuffer{}, &closeBuffer{}
	tt.o.Console.Out, tt.o.Console.Err = out, errs
	if got := tt.run(t, "echo", "hi"); got != 0 {
		t.Fatalf("exit code: got %d, want 0 (stderr %q)", got, errs.String())
	}
	if out.String() != "hi\n" {
		t.Errorf("stdout: got %q, want %q", out.String(), "hi\n")
	}
	if out.closed != 1 || errs.closed != 0 {
		t.Errorf("console closes (out, err): got (%d, %d), want (1, 0)", out.closed, errs.closed)
	}

	tt = newTester()
	tt.f.createErr = errors.New("no channel")
	out, errs = &closeBuffer{}, &closeBuffer{}
	tt.o.Console.Out, tt.o.Console.Err = out, errs
	if got := tt.run(t, "true"); got != ExitFailure {
		t.Errorf("exit code: got %d, want %d", got, ExitFailure)
	}
	if out.closed != 1 || errs.closed != 0 {
		t.Errorf("console closes after a failed create (out, err): got (%d, %d), want (1, 0)", out.closed, errs.closed)
	}
	if !strings.Contains(errs.String(), "no channel") {
		t.Errorf("stderr: got %q, want the failure reported after release", errs.String())
	}

	tt = newTester()
	both := &closeBuffer{}
	tt.o.Console.Out, tt.o.Console.Err = both, both
	tt.run(t, "true")
	if both.closed != 0 {
		t.Errorf("shared console stream closes: got %d, want 0", both.closed)
	}
}

func TestNoDefault(t *testing.T) {
	tt := newTester()
	tt.f.def = ""
	if got := tt.run(t, "ls"); got != ExitFailure {
		t.Errorf("exit code: got %d, want %d", got, ExitFailure)
	}
	if got := strings.Join(tt.f.calls, ","); got != "resolve" {
		t.Errorf("broker calls: got %q, want %q", got, "resolve")
	}
	msg := tt.err.String()
	if strings.Count(msg, "\n") != 1 || !strings.Contains(msg, "default environment") {
		t.Errorf("stderr: got %q, want one line naming the default environment", msg)
	}
}

func TestCreationFailureReleases(t *testing.T) {
	tt := newTester()
	tt.f.createErr = &broker.Error{Op: "create process", Status: wire.StatusResourceLimit, Err: errors.New("busy")}
	if got := tt.run(t, "-d", "alpine", "ls"); got != ExitFailure {
		t.Errorf("exit code: got %d, want %d", got, ExitFailure)
	}
	if got := strings.Join(tt.f.released, ","); got != "channel" {
		t.Errorf("released: got %q, want %q", got, "channel")
	}
	if !strings.Contains(tt.err.String(), "resource limit") {
		t.Errorf("stderr: got %q, want the host status", tt.err.String())
	}
}

func TestIndeterminate(t *testing.T) {
	tt := newTester()
	tt.f.codeErr = errors.New("no exit status")
	if got := tt.run(t); got != ExitIndeterminate {
		t.Errorf("exit code: got %d, want %d", got, ExitIndeterminate)
	}
	if got := strings.Join(tt.f.released, ","); got != "stdin,channel" {
		t.Errorf("released: got %q, want %q", got, "stdin,channel")
	}
	if len(tt.f.created.Args) != 0 || len(tt.f.created.Exec) != 0 {
		t.Errorf("request: got %+v, want the default shell", tt.f.created)
	}
}

func TestTerminateEmpty(t *testing.T) {
	tt := newTester()
	if got := tt.run(t, "-t", ""); got != ExitFailure {
		t.Errorf("exit code: got %d, want %d", got, ExitFailure)
	}
	if tt.dials != 0 || len(tt.f.calls) != 0 {
		t.Errorf("broker use: %d dials, calls %q; want none", tt.dials, tt.f.calls)
	}
	if tt.err.Len() == 0 {
		t.Errorf("no error message")
	}
}

func TestTerminate(t *testing.T) {
	tt := newTester()
	if got := tt.run(t, "--terminate", "alpine"); got != 0 {
		t.Errorf("exit code: got %d, want 0 (stderr %q)", got, tt.err.String())
	}
	if got := strings.Join(tt.f.calls, ","); got != "resolve,terminate" {
		t.Errorf("broker calls: got %q, want %q", got, "resolve,terminate")
	}

	tt = newTester()
	if got := tt.run(t, "-t", "debian"); got != ExitFailure {
		t.Errorf("exit code: got %d, want %d", got, ExitFailure)
	}
	if got := strings.Join(tt.f.calls, ","); got != "resolve" {
		t.Errorf("broker calls: got %q, want %q", got, "resolve")
	}
}

func TestNoBrokerNeeded(t *testing.T) {
	for _, args := range [][]string{{"-h"}, {"--help", "--list"}, {"-v"}, {"--version", "--shutdown"}} {
		tt := newTester()
		if got := tt.run(t, args...); got != 0 {
			t.Errorf("%q: exit code %d, want 0", args, got)
		}
		if tt.dials != 0 {
			t.Errorf("%q: dialed the host service %d times, want 0", args, tt.dials)
		}
		if tt.out.Len() == 0 {
			t.Errorf("%q: no output", args)
		}
	}
	tt := newTester()
	tt.run(t, "-v")
	if !strings.Contains(tt.out.String(), version.Version) {
		t.Errorf("version: got %q, want it to contain %q", tt.out.String(), version.Version)
	}
}

func TestAdmin(t *testing.T) {
	tt := newTester()
	if got := tt.run(t, "-l"); got != 0 {
		t.Fatalf("list: exit code %d, want 0", got)
	}
	if got, want := tt.out.String(), "alpine (Default)\n"; got != want {
		t.Errorf("list: got %q, want %q", got, want)
	}

	tt = newTester()
	tt.f.envs = nil
	tt.run(t, "--list")
	if got, want := tt.out.String(), "No distributions installed.\n"; got != want {
		t.Errorf("empty list: got %q, want %q", got, want)
	}

	tt = newTester()
	if got := tt.run(t, "--status"); got != 0 {
		t.Fatalf("status: exit code %d, want 0", got)
	}
	for _, want := range []string{"Version: 1.0\n", "Default Distribution: alpine\n", "Installed Distributions: 1\n", "Processors: 2 of 4\n"} {
		if !strings.Contains(tt.out.String(), want) {
			t.Errorf("status: got %q, want it to contain %q", tt.out.String(), want)
		}
	}

	tt = newTester()
	if got := tt.run(t, "--shutdown"); got != 0 {
		t.Fatalf("shutdown: exit code %d, want 0", got)
	}
	if got := strings.Join(tt.f.calls, ","); got != "shutdown" {
		t.Errorf("shutdown: got calls %q, want %q", got, "shutdown")
	}
}

func TestDialFailure(t *testing.T) {
	tt := newTester()
	tt.o.Dial = func() (Broker, error) {
		return nil, errors.New("no socket")
	}
	if got := tt.run(t, "-l"); got != ExitFailure {
		t.Errorf("exit code: got %d, want %d", got, ExitFailure)
	}
	if !strings.Contains(tt.err.String(), "no socket") {
		t.Errorf("stderr: got %q, want the dial error", tt.err.String())
	}
}

func TestCommandTable(t *testing.T) {
	for k := Kind(0); k < numKinds; k++ {
		if commands[k] == nil {
			t.Errorf("no command for %v", k)
		}
	}
	var o Orchestrator
	o.Console.Err = io.Discard
	if got := o.Run(context.Background(), &Args{Kind: numKinds}); got != ExitFailure {
		t.Errorf("unknown kind: got %d, want %d", got, ExitFailure)
	}
}
