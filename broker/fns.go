// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	config "github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultPort is the default host service tcp port.
	DefaultPort = "17023"
)

// DefaultKeyFile is the default key for distrun users.
var DefaultKeyFile = filepath.Join(os.Getenv("HOME"), ".ssh/distrun_rsa")

func expandHome(f string) string {
	if strings.HasPrefix(f, "~") {
		return filepath.Join(os.Getenv("HOME"), f[1:])
	}
	return f
}

// GetKeyFile picks a keyfile if none has been set.
// It will use ssh config, else use a default.
func GetKeyFile(host, kf string) string {
	if len(kf) == 0 {
		kf = config.Get(host, "IdentityFile")
		v("key file from config is %q", kf)
		// config.Get returns ssh's own default when there is no entry.
		if len(kf) == 0 || kf == config.Default("IdentityFile") {
			kf = DefaultKeyFile
		}
	}
	// The config package doesn't handle ~.
	return expandHome(kf)
}

// GetHostName reads the host name from the ssh config file,
// if needed. If it is not found, the host name is returned.
func GetHostName(host string) string {
	if h := config.Get(host, "HostName"); len(h) != 0 {
		return h
	}
	return host
}

// GetPort gets a port for host. config.Get returns "22" when there is
// no entry in .ssh/config; 22 is never a host service, so that becomes
// DefaultPort.
func GetPort(host, port string) (string, error) {
	p := port
	if len(p) == 0 {
		if cp := config.Get(host, "Port"); len(cp) != 0 {
			v("config.Get(%q, Port): %q", host, cp)
			p = cp
		}
	}
	if len(p) == 0 || p == "22" {
		p = DefaultPort
	}
	return p, nil
}

// userKey reads the private key in kf. A missing key is not an error
// when the file was not asked for by name: local sockets need no key.
func userKey(kf string, explicit bool) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(kf)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			v("no key in %q, trying without", kf)
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read private key %q: %w", kf, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("ParsePrivateKey %q: %w", kf, err)
	}
	return ssh.PublicKeys(signer), nil
}

// hostKey returns a callback pinning the public key in hostKeyFile.
func hostKey(hostKeyFile string) (ssh.HostKeyCallback, error) {
	hk, err := os.ReadFile(expandHome(hostKeyFile))
	if err != nil {
		return nil, fmt.Errorf("unable to read host key %v: %w", hostKeyFile, err)
	}
	pk, _, _, _, err := ssh.ParseAuthorizedKey(hk)
	if err != nil {
		return nil, fmt.Errorf("host key %v: %w", hostKeyFile, err)
	}
	return ssh.FixedHostKey(pk), nil
}
