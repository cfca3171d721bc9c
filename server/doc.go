// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server is for building distrun host services, a.k.a.
// distrund.
//
// A distrund is an ssh server with its own requests and channel type.
// Administrative calls are global requests: resolve, list, status,
// terminate and shutdown, each with a CBOR payload (see package wire).
// Processes are created by opening a process@distrun channel whose
// open payload says what to run, in which environment, as whom. The
// channel carries stdin and stdout as data and stderr as extended
// data, and the server sends exit-status (or exit-signal) before it
// closes the channel.
//
// The basic flow of setting up a server is similar to most such
// servers: a call to New, preceded or followed by a call to
// net.Listen to get a socket, and a call to Serve with the listener.
// For a usage example, see TestEndToEnd.
//
// A distrund runs processes with the privileges it has. Only a
// distrund running as root can run processes as other users, and
// only it can give each process a private mount namespace.
package server
