// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

// Kind is the command a distrun invocation asks for.
type Kind int

// Commands. Execute is the default.
const (
	Execute Kind = iota
	Help
	Version
	List
	Status
	Shutdown
	Terminate
	numKinds
)

var kindNames = [numKinds]string{
	Execute:   "execute",
	Help:      "help",
	Version:   "version",
	List:      "list",
	Status:    "status",
	Shutdown:  "shutdown",
	Terminate: "terminate",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ErrUsage is returned by ParseArgs for a command line that does not
// make sense.
var ErrUsage = errors.New("usage")

// Args is a parsed distrun command line.
type Args struct {
	Kind Kind

	// Distribution names the environment; empty means the default.
	Distribution string
	// Exec, if set, is run without a shell.
	Exec string
	// Command is run through the environment's shell.
	Command []string
	User    string
	Cwd     string
	// Target is the environment to terminate.
	Target string

	// Connection settings. Empty values come from the client
	// configuration file.
	Network string
	Address string
	KeyFile string
	HostKey string
	Grace   time.Duration
	Debug   bool
}

// admin maps the administrative flags to their command.
var admin = []struct {
	flag string
	kind Kind
}{
	{"list", List},
	{"status", Status},
	{"shutdown", Shutdown},
	{"terminate", Terminate},
}

func flags(a *Args) *flag.FlagSet {
	f := flag.NewFlagSet("distrun", flag.ContinueOnError)
	f.SetOutput(io.Discard)
	// The first argument that is not a flag starts the command.
	f.SetInterspersed(false)
	f.StringVarP(&a.Distribution, "distribution", "d", "", "run in the named environment instead of the default")
	f.StringVarP(&a.Exec, "exec", "e", "", "run the command line without a shell")
	f.StringVarP(&a.User, "user", "u", "", "run as this user")
	f.StringVar(&a.Cwd, "cd", "", "working directory of the command")
	f.StringVarP(&a.Target, "terminate", "t", "", "terminate every process in the named environment")
	f.Bool("shutdown", false, "terminate every process in every environment")
	f.BoolP("list", "l", false, "list environments")
	f.Bool("status", false, "show the status of the host service")
	f.BoolP("help", "h", false, "show this help")
	f.BoolP("version", "v", false, "show the version")
	f.StringVar(&a.Network, "net", "", "host service network: unix, tcp, vsock or dnssd")
	f.StringVar(&a.Address, "addr", "", "host service address")
	f.StringVar(&a.KeyFile, "key", "", "private key file")
	f.StringVar(&a.HostKey, "hk", "", "host public key file")
	f.DurationVar(&a.Grace, "grace", 0, "how long output may drain after the process exits")
	f.BoolVar(&a.Debug, "debug", false, "enable debug prints")
	return f
}

// Usage returns the help text.
func Usage() string {
	var a Args
	return "usage: distrun [flags] [--] [command [args...]]\n" + flags(&a).FlagUsages() +
		"\nThe exit status is the remote command's, 1 if distrun fails, or 255 if\n" +
		"the remote exit status is unknown; a remote exit status of 255 looks the same.\n"
}

// ParseArgs parses a command line, not including the program name.
//
// Help wins over Version, which wins over an administrative flag;
// otherwise the command is Execute. At most one administrative flag
// may be given, and not with a command to execute.
func ParseArgs(args []string) (*Args, error) {
	a := &Args{}
	f := flags(a)
	if err := f.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	a.Command = f.Args()

	switch {
	case f.Changed("help"):
		a.Kind = Help
		return a, nil
	case f.Changed("version"):
		a.Kind = Version
		return a, nil
	}

	var set []string
	for _, ad := range admin {
		if f.Changed(ad.flag) {
			set = append(set, "--"+ad.flag)
			a.Kind = ad.kind
		}
	}
	switch {
	case len(set) > 1:
		return nil, fmt.Errorf("%w: %s are mutually exclusive", ErrUsage, strings.Join(set, ", "))
	case len(set) == 1 && (len(a.Command) > 0 || len(a.Exec) > 0):
		return nil, fmt.Errorf("%w: %s does not take a command", ErrUsage, set[0])
	case len(set) == 0 && len(a.Exec) > 0 && len(a.Command) > 0:
		return nil, fmt.Errorf("%w: --exec and a command are mutually exclusive", ErrUsage)
	}
	return a, nil
}
