// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// distrun runs a command in an environment managed by distrund and
// relays its input and output.
//
// Synopsis:
//
//	distrun [OPTIONS] [--] [command [args...]]
//
// With no command, distrun starts a login shell. A command is run by
// the environment's shell; -e runs a command line without one.
//
// Options:
//
//	-d, --distribution name  use the named environment, not the default
//	-e, --exec cmdline       run cmdline without a shell
//	-u, --user name          run as name
//	    --cd dir             run in dir
//	-l, --list               list environments
//	    --status             show the host service status
//	    --shutdown           terminate every process in every environment
//	-t, --terminate name     terminate every process in the named environment
//	-h, --help               show help
//	-v, --version            show the version
//	    --debug              enable debug prints
//
// The host service is found through the [broker] section of
// ~/.distrunconfig, or of $DISTRUN_CONFIG.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/u-root/distrun/orchestrator"
)

func main() {
	// The session ends on these, and its exit status is indeterminate.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	code := orchestrator.Main(ctx, orchestrator.StdConsole(), os.Args[1:])
	stop()
	os.Exit(code)
}
