// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ds advertises and finds distrun host services with DNS-SD.
//
// A host service publishes a _distrun._tcp record whose TXT session
// carries the host architecture, the number of registered
// environments and the number of running processes (tenants). A
// client names the host it wants with a dnssd: URI, e.g.
//
//	dnssd://local/_distrun._tcp?arch=arm64
//
// and is given the first host whose TXT record satisfies every
// query key.
package ds
