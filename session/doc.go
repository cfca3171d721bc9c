// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session runs one process inside an environment, on behalf
// of a distrun host service.
//
// New(root, command) creates a Session. The root is the directory the
// environment lives in; unless it is empty or "/", the process is
// chrooted into it. The command is a command line, split with POSIX
// shell quoting. Sessions are very similar to exec.Command, providing
// access to Stdin, Stdout and Stderr, and a Wait that returns how the
// process ended. If a pty is requested, Stdout carries both output
// streams, as on any terminal.
//
// The process runs as the requested user, looked up in the
// environment's own /etc/passwd, or as the default user named in the
// environment's /etc/distrun.conf:
//
//	[user]
//	default = alice
//
// A host service that is not running as root can only run processes
// as itself.
package session
