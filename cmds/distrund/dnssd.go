// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/u-root/distrun/ds"
	"github.com/u-root/distrun/server"
)

var (
	dsEnabled   = flag.Bool("dnssd", false, "advertise service using DNSSD")
	dsInstance  = flag.String("dsInstance", "", "DNSSD instance name")
	dsDomain    = flag.String("dsDomain", "local", "DNSSD domain")
	dsService   = flag.String("dsService", ds.Service, "DNSSD Service Type")
	dsInterface = flag.String("dsInterface", "", "DNSSD Interface")
	dsTxtStr    = flag.String("dsTxt", "", "DNSSD key-value pair string parameterizing advertisement")
)

func init() {
	modifiers = append(modifiers, &modifier{f: advertise, name: "dnssd"})
}

// advertise announces s with DNS-SD, with the number of running
// processes as its tenants.
func advertise(s *server.Server) (func(), error) {
	if !*dsEnabled {
		return func() {}, nil
	}
	if *network != "tcp" {
		return nil, fmt.Errorf("can only advertise tcp, not %s", *network)
	}
	p, err := strconv.Atoi(*addr)
	if err != nil {
		return nil, fmt.Errorf("could not parse port %q: %w", *addr, err)
	}
	a := &ds.Advert{
		Instance:  *dsInstance,
		Domain:    *dsDomain,
		Type:      *dsService,
		Interface: *dsInterface,
		Port:      p,
		Text:      ds.ParseKv(*dsTxtStr),
	}
	verbose("Advertising w/dnssd %q", a.Text)
	if err := a.Register(context.Background()); err != nil {
		return nil, fmt.Errorf("could not advertise with dns-sd: %w", err)
	}
	a.Environments(len(s.Registry.List()))
	s.Advert = a
	return a.Unregister, nil
}
