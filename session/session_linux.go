// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"os"
	"syscall"
)

// sysProcAttr returns the process attributes for a process in root
// running as id.
//
// With PrivateMounts set, every process gets a private mount
// namespace, so that mounts made in one environment never leak into
// another or into the host. In the go runtime, CLONE_NEWNS in
// Unshareflags does both the unshare and the remount of / needed to
// privatize mounts.
func sysProcAttr(root string, chroot bool, id *Identity) *syscall.SysProcAttr {
	a := &syscall.SysProcAttr{}
	if chroot {
		a.Chroot = root
	}
	if os.Getuid() != 0 {
		return a
	}
	if PrivateMounts {
		a.Unshareflags = syscall.CLONE_NEWNS
	}
	if id.UID != 0 || id.GID != 0 {
		a.Credential = &syscall.Credential{Uid: id.UID, Gid: id.GID}
	}
	return a
}
