// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// distrund is the host service distrun clients talk to. It keeps the
// registry of environments and starts processes in them.
//
// Synopsis:
//
//	distrund [OPTIONS]
//
// Options:
//
//	-add name=root  register an environment (may be repeated)
//	-default name   make name the default environment
//	-remove name    unregister an environment (may be repeated)
//	-registry file  registry file (default /var/lib/distrun/registry.yaml)
//	-config file    host configuration, [vm] section (default /etc/distrund.conf)
//	-net network    unix, tcp or vsock (default unix)
//	-addr address   socket path or port
//	-pk file        authorized public keys; empty means no authentication
//	-hk file        host private key; empty means generate one
//	-max-processes  limit of running processes per environment
//	-private-mounts give each process its own mount namespace
//	-dnssd          advertise with DNS-SD
//	-klog           send debug prints to the kernel log
//	-d              enable debug prints
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/u-root/distrun/broker"
	"github.com/u-root/distrun/config"
	"github.com/u-root/distrun/ds"
	"github.com/u-root/distrun/registry"
	"github.com/u-root/distrun/server"
	"github.com/u-root/distrun/session"
	"github.com/u-root/u-root/pkg/ulog"
)

// list is a repeatable string flag.
type list []string

func (l *list) String() string {
	return strings.Join(*l, ",")
}

func (l *list) Set(s string) error {
	*l = append(*l, s)
	return nil
}

var (
	hostKeyFile  = flag.String("hk", "", "file for host key")
	pubKeyFile   = flag.String("pk", "", "file for authorized public keys")
	network      = flag.String("net", "unix", "network to use")
	addr         = flag.String("addr", "", "address to listen on; a path for unix, a port otherwise")
	registryFile = flag.String("registry", "/var/lib/distrun/registry.yaml", "registry file")
	configFile   = flag.String("config", "/etc/distrund.conf", "host configuration file")
	defaultEnv   = flag.String("default", "", "make this environment the default")
	maxProcs     = flag.Int("max-processes", 0, "running processes allowed per environment; 0 is no limit")
	private      = flag.Bool("private-mounts", true, "run each process in its own mount namespace")

	debug = flag.Bool("d", false, "enable debug prints")
	klog  = flag.Bool("klog", false, "send debug prints to the kernel log")

	add    list
	remove list

	v = func(string, ...interface{}) {}
)

func init() {
	flag.Var(&add, "add", "register an environment, name=root")
	flag.Var(&remove, "remove", "unregister an environment")
}

func verbose(f string, a ...interface{}) {
	v("DISTRUND:"+f, a...)
}

func commonsetup() {
	if *debug {
		v = log.Printf
		if *klog {
			ulog.KernelLog.Reinit()
			v = ulog.KernelLog.Printf
		}
		server.SetVerbose(verbose)
		session.SetVerbose(verbose)
		config.SetVerbose(verbose)
		ds.SetVerbose(verbose)
	}
	session.PrivateMounts = *private
}

// setupRegistry opens the registry and applies -remove, -add and
// -default, in that order, saving it if anything changed.
func setupRegistry(path string, add, remove []string, def string) (*registry.Registry, error) {
	reg, err := registry.Open(path)
	if err != nil {
		return nil, err
	}
	changed := false
	for _, name := range remove {
		if err := reg.Unregister(name); err != nil {
			return nil, err
		}
		changed = true
	}
	for _, a := range add {
		name, root, ok := strings.Cut(a, "=")
		if !ok || len(name) == 0 || len(root) == 0 {
			return nil, fmt.Errorf("-add %q: want name=root", a)
		}
		e, err := reg.Register(name, root)
		if err != nil {
			return nil, err
		}
		log.Printf("registered %q (%v) at %q", e.Name, e.ID, e.Root)
		changed = true
	}
	if len(def) > 0 {
		if err := reg.SetDefault(def); err != nil {
			return nil, err
		}
		changed = true
	}
	if changed {
		if err := reg.Save(); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// loadVM validates the [vm] section of the host configuration. A
// missing file means no settings.
func loadVM(path string) (*config.VM, error) {
	f, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			verbose("no host configuration %q", path)
			return &config.VM{}, nil
		}
		return nil, err
	}
	vm, err := f.VM()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vm, nil
}

func main() {
	flag.Parse()
	commonsetup()
	if len(*addr) == 0 {
		*addr = broker.DefaultEndpoint.Address
		if *network != "unix" {
			*addr = broker.DefaultPort
		}
	}
	reg, err := setupRegistry(*registryFile, add, remove, *defaultEnv)
	if err != nil {
		log.Fatalf("DISTRUND: registry: %v", err)
	}
	vm, err := loadVM(*configFile)
	if err != nil {
		log.Fatalf("DISTRUND: %v", err)
	}
	if err := serve(reg, vm); err != nil {
		log.Fatalf("DISTRUND: %v", err)
	}
}
