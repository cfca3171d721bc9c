// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire defines the protocol spoken between distrun and the
// distrund host service.
//
// The transport is an SSH connection. Administrative calls are SSH
// global requests with CBOR payloads; a failed request replies false
// with a CBOR Failure. Processes are created by opening a channel of
// type ProcessChannel whose open payload is a CBOR CreateProcess. The
// service rejects the open with the Status as the rejection reason if
// it cannot create the process. Once accepted, the channel carries
// stdin/stdout as data, stderr as extended data 1, and an
// "exit-status" request precedes the channel close.
package wire
