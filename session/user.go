// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/u-root/distrun/config"
)

var (
	// ErrNoUser means the user is not in the environment's passwd file.
	ErrNoUser = errors.New("no such user")
	// ErrAccessDenied means the host service may not run processes
	// as the user.
	ErrAccessDenied = errors.New("access denied")
)

// Identity is a user of an environment.
type Identity struct {
	Name  string
	UID   uint32
	GID   uint32
	Home  string
	Shell string
}

// parsePasswd finds name in passwd(5) text. Malformed lines are
// skipped, as getpwnam does.
func parsePasswd(f *os.File, name string) (*Identity, error) {
	s := bufio.NewScanner(f)
	for s.Scan() {
		l := s.Text()
		if strings.HasPrefix(l, "#") {
			continue
		}
		// name:passwd:uid:gid:gecos:home:shell
		p := strings.Split(l, ":")
		if len(p) != 7 || p[0] != name {
			continue
		}
		uid, err := strconv.ParseUint(p[2], 10, 32)
		if err != nil {
			continue
		}
		gid, err := strconv.ParseUint(p[3], 10, 32)
		if err != nil {
			continue
		}
		return &Identity{Name: name, UID: uint32(uid), GID: uint32(gid), Home: p[5], Shell: p[6]}, nil
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%q: %w", name, ErrNoUser)
}

// LookupUser looks name up in root/etc/passwd.
func LookupUser(root, name string) (*Identity, error) {
	f, err := os.Open(filepath.Join(rootDir(root), "etc", "passwd"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parsePasswd(f, name)
}

// DefaultUser returns the [user] default of root/etc/distrun.conf,
// or "" if none is set.
func DefaultUser(root string) string {
	f, err := config.Load(filepath.Join(rootDir(root), "etc", "distrun.conf"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			v("distrun.conf in %q: %v", root, err)
		}
		return ""
	}
	return f.Lookup("user", "default", "")
}

// self is the identity the host service runs as. It is used when an
// environment has no passwd entry for it.
func self() *Identity {
	id := &Identity{
		Name:  os.Getenv("USER"),
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		Home:  os.Getenv("HOME"),
		Shell: "/bin/sh",
	}
	if len(id.Home) == 0 {
		id.Home = "/"
	}
	return id
}

// identity decides who a process in root runs as.
//
// An empty name means the environment's default user, or, without
// one, whoever the host service runs as. Only a host service running
// as root may run processes as someone else.
func identity(root, name string) (*Identity, error) {
	if len(name) == 0 {
		name = DefaultUser(root)
	}
	me := self()
	if len(name) == 0 {
		if id, err := lookupUID(root, me.UID); err == nil {
			return id, nil
		}
		return me, nil
	}
	id, err := LookupUser(root, name)
	if err != nil {
		if name == me.Name && !errors.Is(err, ErrNoUser) {
			// No passwd file at all; it can only be us.
			return me, nil
		}
		return nil, err
	}
	if id.UID != me.UID && me.UID != 0 {
		return nil, fmt.Errorf("run as %q (uid %d) from uid %d: %w", name, id.UID, me.UID, ErrAccessDenied)
	}
	return id, nil
}

// lookupUID finds the passwd entry for uid in root.
func lookupUID(root string, uid uint32) (*Identity, error) {
	f, err := os.Open(filepath.Join(rootDir(root), "etc", "passwd"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		p := strings.Split(s.Text(), ":")
		if len(p) != 7 || p[2] != strconv.FormatUint(uint64(uid), 10) {
			continue
		}
		if _, err := f.Seek(0, 0); err != nil {
			return nil, err
		}
		return parsePasswd(f, p[0])
	}
	return nil, fmt.Errorf("uid %d: %w", uid, ErrNoUser)
}

func rootDir(root string) string {
	if len(root) == 0 {
		return "/"
	}
	return root
}
