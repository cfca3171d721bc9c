// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anmitsu/go-shlex"
	"github.com/u-root/distrun/wire"
)

// DefaultShell runs commands given as plain arguments, and is started
// as a login shell when there is no command at all.
const DefaultShell = "/bin/sh"

var errEmptyExec = errors.New("empty command line")

// Request describes a process to create.
type Request struct {
	// Args is a command run by the environment's shell. The
	// arguments are joined with spaces, as a shell would see them.
	Args []string
	// Exec, if set, is a command line run directly, without a shell.
	Exec string
	// Cwd is the working directory; empty means the user's home.
	Cwd string
	// User is the identity to run as; empty means the environment's
	// default user.
	User string
	// Pty, if set, asks for a pseudo terminal of that size.
	Pty *wire.Pty
	// Env is the process environment. Nil means a snapshot of the
	// caller's environment taken when the process is created.
	Env []string
}

// quoteArg quotes s so that a POSIX shell reads it as one word.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// CommandLine returns the command line sent to the host service.
func (r *Request) CommandLine() (string, error) {
	if len(r.Exec) > 0 {
		args, err := shlex.Split(r.Exec, true)
		if err != nil {
			return "", fmt.Errorf("command line %q: %w", r.Exec, err)
		}
		if len(args) == 0 {
			return "", fmt.Errorf("command line %q: %w", r.Exec, errEmptyExec)
		}
		return r.Exec, nil
	}
	if len(r.Args) == 0 {
		return DefaultShell + " -l", nil
	}
	return DefaultShell + " -c " + quoteArg(strings.Join(r.Args, " ")), nil
}
