// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package orchestrator runs one distrun command: it resolves the
// environment, creates the remote process, relays its I/O and turns
// the outcome into an exit status. The administrative commands map
// directly onto host service calls.
//
// Every failure is reported as one line on the error stream and exit
// status 1. A remote exit code that could not be determined is
// reported as 255, which can not be told apart from a remote process
// that itself exits 255.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/u-root/distrun/broker"
	"github.com/u-root/distrun/ds"
	"github.com/u-root/distrun/handle"
	"github.com/u-root/distrun/relay"
	"github.com/u-root/distrun/version"
	"github.com/u-root/distrun/wire"
)

// ExitFailure is the exit status of a failed command.
const ExitFailure = 1

// ExitIndeterminate is the exit status reported when the remote exit
// code is unknown. A remote exit code of 255 looks the same.
const ExitIndeterminate = 255

var v = func(string, ...interface{}) {}

// SetVerbose sets the verbose printer.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Broker is the host service, as the orchestrator uses it.
// *broker.Client implements it.
type Broker interface {
	Resolve(ctx context.Context, name string) (wire.ID, error)
	CreateProcess(ctx context.Context, id wire.ID, r *broker.Request, hs *handle.Set) error
	Terminate(ctx context.Context, id wire.ID) error
	ShutdownAll(ctx context.Context) error
	List(ctx context.Context) ([]wire.Environment, error)
	Status(ctx context.Context) (*wire.HostStatus, error)
	Close() error
}

// Orchestrator runs commands against a host service.
type Orchestrator struct {
	Console Console
	// Dial returns the host service. It is called at most once per
	// command, and not at all for commands that need no host service.
	Dial func() (Broker, error)
	// Grace is passed to the relay; zero means relay.DefaultGrace.
	Grace time.Duration
	// Environ, if set, replaces the environment sent with new
	// processes.
	Environ []string

	b Broker
}

// failure is an error with a user facing message.
type failure struct {
	msg string
	err error
}

func (f *failure) Error() string {
	if f.err == nil {
		return f.msg
	}
	return fmt.Sprintf("%s: %v", f.msg, f.err)
}

func (f *failure) Unwrap() error {
	return f.err
}

func fail(err error, format string, a ...interface{}) error {
	return &failure{msg: fmt.Sprintf(format, a...), err: err}
}

// command runs one Kind and returns its exit status.
type command func(o *Orchestrator, ctx context.Context, a *Args) (int, error)

// commands is indexed by Kind.
var commands = [numKinds]command{
	Execute:   (*Orchestrator).execute,
	Help:      (*Orchestrator).help,
	Version:   (*Orchestrator).version,
	List:      (*Orchestrator).list,
	Status:    (*Orchestrator).status,
	Shutdown:  (*Orchestrator).shutdown,
	Terminate: (*Orchestrator).terminate,
}

// Run runs a and returns the exit status for the process. Failures are
// printed to the console's error stream.
func (o *Orchestrator) Run(ctx context.Context, a *Args) int {
	if a.Kind < 0 || a.Kind >= numKinds {
		fmt.Fprintf(o.Console.Err, "distrun: unknown command %v\n", a.Kind)
		return ExitFailure
	}
	code, err := commands[a.Kind](o, ctx, a)
	if o.b != nil {
		if cerr := o.b.Close(); cerr != nil {
			v("closing host service connection: %v", cerr)
		}
		o.b = nil
	}
	if err != nil {
		fmt.Fprintf(o.Console.Err, "distrun: %s\n", oneLine(err))
		if code == 0 {
			code = ExitFailure
		}
	}
	return code
}

func oneLine(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}

// host returns the host service, dialing it on first use.
func (o *Orchestrator) host() (Broker, error) {
	if o.b != nil {
		return o.b, nil
	}
	if o.Dial == nil {
		return nil, fail(nil, "no host service configured")
	}
	b, err := o.Dial()
	if err != nil {
		return nil, fail(err, "host service")
	}
	o.b = b
	return b, nil
}

func (o *Orchestrator) help(ctx context.Context, a *Args) (int, error) {
	fmt.Fprint(o.Console.Out, Usage())
	return 0, nil
}

func (o *Orchestrator) version(ctx context.Context, a *Args) (int, error) {
	fmt.Fprintf(o.Console.Out, "distrun %s\n", version.Info())
	return 0, nil
}

// describe turns a broker error into a message saying which step
// failed.
func describe(err error, name string) error {
	if len(name) == 0 {
		name = "default environment"
	} else {
		name = fmt.Sprintf("environment %q", name)
	}
	switch {
	case errors.Is(err, broker.ErrConnection):
		return fail(err, "can not reach the host service")
	case errors.Is(err, broker.ErrResolution):
		return fail(err, "no such environment: %s", name)
	case errors.Is(err, broker.ErrCreation):
		return fail(err, "can not start the process in %s", name)
	}
	return err
}

// RunInteractive runs a command in an environment and relays its I/O
// to the console. It returns the remote exit code.
func (o *Orchestrator) RunInteractive(ctx context.Context, a *Args) (int, error) {
	b, err := o.host()
	if err != nil {
		return ExitFailure, err
	}
	id, err := b.Resolve(ctx, a.Distribution)
	if err != nil {
		return ExitFailure, describe(err, a.Distribution)
	}

	hs := handle.New()
	defer func() {
		if err := hs.Release(); err != nil {
			v("release: %v", err)
		}
	}()

	r := &broker.Request{
		Args: a.Command,
		Exec: a.Exec,
		Cwd:  a.Cwd,
		User: a.User,
		Env:  o.Environ,
	}
	o.Console.own(hs)
	r.Pty = o.Console.setup(hs)
	if err := b.CreateProcess(ctx, id, r, hs); err != nil {
		return ExitFailure, describe(err, a.Distribution)
	}

	rl := relay.New(relay.Console{In: o.Console.In, Out: o.Console.Out, Err: o.Console.Err}, hs)
	if o.Grace > 0 {
		rl.Grace = o.Grace
	}
	code, err := rl.Run(ctx)
	if perr := rl.PumpErrors(); perr != nil {
		v("console: %v", perr)
	}
	if err != nil {
		return ExitIndeterminate, err
	}
	return code, nil
}

func (o *Orchestrator) execute(ctx context.Context, a *Args) (int, error) {
	return o.RunInteractive(ctx, a)
}

// ListEnvironments writes one environment per line, marking the
// default.
func (o *Orchestrator) ListEnvironments(ctx context.Context) error {
	b, err := o.host()
	if err != nil {
		return err
	}
	l, err := b.List(ctx)
	if err != nil {
		return describe(err, "")
	}
	if len(l) == 0 {
		fmt.Fprintln(o.Console.Out, "No distributions installed.")
		return nil
	}
	for _, e := range l {
		d := ""
		if e.Default {
			d = " (Default)"
		}
		fmt.Fprintf(o.Console.Out, "%s%s\n", e.Name, d)
	}
	return nil
}

func (o *Orchestrator) list(ctx context.Context, a *Args) (int, error) {
	return 0, o.ListEnvironments(ctx)
}

// ShowStatus writes the host service status.
func (o *Orchestrator) ShowStatus(ctx context.Context) error {
	b, err := o.host()
	if err != nil {
		return err
	}
	st, err := b.Status(ctx)
	if err != nil {
		return describe(err, "")
	}
	w := o.Console.Out
	def := st.Default
	if len(def) == 0 {
		def = "(none)"
	}
	fmt.Fprintf(w, "Version: %s\n", st.Version)
	fmt.Fprintf(w, "Default Distribution: %s\n", def)
	fmt.Fprintf(w, "Installed Distributions: %d\n", st.Environments)
	fmt.Fprintf(w, "Running Processes: %d\n", st.Running)
	if st.VM.Memory > 0 {
		fmt.Fprintf(w, "Memory: %d bytes\n", st.VM.Memory)
	}
	if st.VM.Processors > 0 {
		fmt.Fprintf(w, "Processors: %d of %d\n", st.VM.Processors, st.HostCPUs)
	}
	if len(st.VM.NetworkingMode) > 0 {
		fmt.Fprintf(w, "Networking Mode: %s\n", st.VM.NetworkingMode)
	}
	return nil
}

func (o *Orchestrator) status(ctx context.Context, a *Args) (int, error) {
	return 0, o.ShowStatus(ctx)
}

// ShutdownAll terminates every process in every environment.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	b, err := o.host()
	if err != nil {
		return err
	}
	if err := b.ShutdownAll(ctx); err != nil {
		return describe(err, "")
	}
	return nil
}

func (o *Orchestrator) shutdown(ctx context.Context, a *Args) (int, error) {
	return 0, o.ShutdownAll(ctx)
}

// TerminateEnvironment terminates every process in the named
// environment.
func (o *Orchestrator) TerminateEnvironment(ctx context.Context, name string) error {
	if len(name) == 0 {
		return fail(nil, "--terminate needs an environment name")
	}
	b, err := o.host()
	if err != nil {
		return err
	}
	id, err := b.Resolve(ctx, name)
	if err != nil {
		return describe(err, name)
	}
	if err := b.Terminate(ctx, id); err != nil {
		return describe(err, name)
	}
	return nil
}

func (o *Orchestrator) terminate(ctx context.Context, a *Args) (int, error) {
	return 0, o.TerminateEnvironment(ctx, a.Target)
}

// Main parses args, loads the client configuration and runs the
// command. It returns the exit status.
func Main(ctx context.Context, con Console, args []string) int {
	a, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintf(con.Err, "distrun: %v\n", err)
		return ExitFailure
	}
	if a.Debug {
		v = log.Printf
		broker.SetVerbose(log.Printf)
		relay.SetVerbose(log.Printf)
		ds.SetVerbose(log.Printf)
	}
	o := &Orchestrator{Console: con}
	if a.Kind != Help && a.Kind != Version {
		cfg, err := LoadClientConfig(ConfigPath())
		if err != nil {
			fmt.Fprintf(con.Err, "distrun: %s\n", oneLine(err))
			return ExitFailure
		}
		cfg.apply(a)
		o.Dial, o.Grace = cfg.Dial, cfg.Grace
	}
	return o.Run(ctx, a)
}
