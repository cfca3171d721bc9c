// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux && !windows && !plan9

package session

import (
	"os"
	"syscall"
)

// sysProcAttr returns the process attributes for a process in root
// running as id. There are no mount namespaces here.
func sysProcAttr(root string, chroot bool, id *Identity) *syscall.SysProcAttr {
	a := &syscall.SysProcAttr{}
	if chroot {
		a.Chroot = root
	}
	if os.Getuid() == 0 && (id.UID != 0 || id.GID != 0) {
		a.Credential = &syscall.Credential{Uid: id.UID, Gid: id.GID}
	}
	return a
}
