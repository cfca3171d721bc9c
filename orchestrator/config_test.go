// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/u-root/distrun/broker"
	"github.com/u-root/distrun/config"
	"github.com/u-root/distrun/relay"
)

func TestLoadClientConfig(t *testing.T) {
	d := t.TempDir()
	c, err := LoadClientConfig(filepath.Join(d, "missing"))
	if err != nil {
		t.Fatalf("LoadClientConfig(missing): %v != nil", err)
	}
	if c.Endpoint != broker.DefaultEndpoint || c.Grace != relay.DefaultGrace {
		t.Errorf("defaults: got %+v, want %v and %v", c, broker.DefaultEndpoint, relay.DefaultGrace)
	}

	f := filepath.Join(d, "distrunconfig")
	if err := os.WriteFile(f, []byte("[broker]\nnetwork = vsock # guest side\naddress=2:17023\nkey=/k\ngrace=500ms\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err = LoadClientConfig(f)
	if err != nil {
		t.Fatalf("LoadClientConfig(%q): %v != nil", f, err)
	}
	want := ClientConfig{Endpoint: broker.Endpoint{Network: "vsock", Address: "2:17023"}, KeyFile: "/k", Grace: 500 * time.Millisecond}
	if *c != want {
		t.Errorf("LoadClientConfig(%q): got %+v, want %+v", f, *c, want)
	}

	c.apply(&Args{Network: "tcp", Address: "h:1", HostKey: "/hk"})
	want = ClientConfig{Endpoint: broker.Endpoint{Network: "tcp", Address: "h:1"}, KeyFile: "/k", HostKeyFile: "/hk", Grace: 500 * time.Millisecond}
	if *c != want {
		t.Errorf("apply: got %+v, want %+v", *c, want)
	}

	if err := os.WriteFile(f, []byte("[broker]\ngrace=later\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadClientConfig(f); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("bad grace: got %v, want %v", err, config.ErrInvalid)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv(ConfigEnv, "/etc/distrun/client.conf")
	if got := ConfigPath(); got != "/etc/distrun/client.conf" {
		t.Errorf("ConfigPath(): got %q, want %q", got, "/etc/distrun/client.conf")
	}
}
