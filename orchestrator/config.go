// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/u-root/distrun/broker"
	"github.com/u-root/distrun/config"
	"github.com/u-root/distrun/relay"
)

// ConfigEnv names the variable that overrides the client
// configuration file.
const ConfigEnv = "DISTRUN_CONFIG"

// ClientConfig says how the client reaches its host service.
type ClientConfig struct {
	Endpoint    broker.Endpoint
	KeyFile     string
	HostKeyFile string
	Grace       time.Duration
}

// ConfigPath returns the client configuration file: $DISTRUN_CONFIG,
// else ~/.distrunconfig.
func ConfigPath() string {
	if p, ok := os.LookupEnv(ConfigEnv); ok {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".distrunconfig")
}

// LoadClientConfig reads the [broker] section of the file at path.
// A missing file gives the defaults.
func LoadClientConfig(path string) (*ClientConfig, error) {
	c := &ClientConfig{Endpoint: broker.DefaultEndpoint, Grace: relay.DefaultGrace}
	f, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		v("no client config %q, using defaults", path)
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	net := f.Lookup("broker", "network", c.Endpoint.Network)
	if net != c.Endpoint.Network {
		// Another network has no use for the default socket path.
		c.Endpoint.Address = ""
	}
	c.Endpoint.Network = net
	c.Endpoint.Address = f.Lookup("broker", "address", c.Endpoint.Address)
	c.KeyFile = f.Lookup("broker", "key", "")
	c.HostKeyFile = f.Lookup("broker", "hostkey", "")
	if g, ok := f.Get("broker", "grace"); ok {
		d, err := time.ParseDuration(g)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%s: [broker] grace %q: %w", path, g, config.ErrInvalid)
		}
		c.Grace = d
	}
	return c, nil
}

// apply overrides c with the connection settings given on the command
// line.
func (c *ClientConfig) apply(a *Args) {
	if len(a.Network) > 0 && a.Network != c.Endpoint.Network {
		c.Endpoint = broker.Endpoint{Network: a.Network}
	}
	if len(a.Address) > 0 {
		c.Endpoint.Address = a.Address
	}
	if len(a.KeyFile) > 0 {
		c.KeyFile = a.KeyFile
	}
	if len(a.HostKey) > 0 {
		c.HostKeyFile = a.HostKey
	}
	if a.Grace > 0 {
		c.Grace = a.Grace
	}
}

// Dial returns a broker client for c. It does not connect; the first
// broker call does.
func (c *ClientConfig) Dial() (Broker, error) {
	return broker.New(c.Endpoint,
		broker.WithKeyFile(c.KeyFile),
		broker.WithHostKeyFile(c.HostKeyFile))
}
