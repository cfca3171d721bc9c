// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"
)

const (
	// Default is the URI that finds any host service on the local link.
	Default = "dnssd:"
	// Service is the DNS-SD service type of a host service.
	Service = "_distrun._tcp"

	lookupTimeout = 1 * time.Second
	updateEvery   = 60 * time.Second
	timeFormat    = "15:04:05.000"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the verbose printer.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Query is a parsed dnssd: URI.
type Query struct {
	Type   string
	Domain string
	// Text holds the acceptable values of each required TXT key.
	Text map[string][]string
}

// Parse parses a dnssd: URI. It follows the CUPS conventions:
// the host is the domain and the path is the service type.
func Parse(uri string) (*Query, error) {
	q := &Query{
		Type:   Service,
		Domain: "local",
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", uri, err)
	}
	if u.Scheme != "dnssd" {
		return nil, fmt.Errorf("%q is not a dnssd URI", uri)
	}
	if u.Host != "" {
		q.Domain = u.Host
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		q.Type = p
	}
	q.Text = u.Query()
	if len(q.Text["arch"]) == 0 {
		q.Text["arch"] = []string{runtime.GOARCH}
	}
	return q, nil
}

// satisfies reports whether every required key has an acceptable value.
func (q *Query) satisfies(txt map[string]string) bool {
	for k, vals := range q.Text {
		if !slices.Contains(vals, txt[k]) {
			return false
		}
	}
	return true
}

func (q *Query) service() string {
	return fmt.Sprintf("%s.%s.", strings.Trim(q.Type, "."), strings.Trim(q.Domain, "."))
}

// Lookup browses for a host service matching q and returns its host
// and port.
func Lookup(ctx context.Context, q *Query) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	service := q.service()
	v("browsing for %s", service)

	found := make(chan *dnssd.BrowseEntry, 1)
	add := func(e dnssd.BrowseEntry) {
		v("%s\tAdd\t%s\t%s\t%s\t%s (%s)", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name, e.IPs)
		if len(e.IPs) == 0 || !q.satisfies(e.Text) {
			return
		}
		select {
		case found <- &e:
		default:
		}
	}
	rmv := func(e dnssd.BrowseEntry) {
		v("%s\tRmv\t%s\t%s\t%s\t%s", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name)
	}

	done := make(chan error, 1)
	go func() {
		done <- dnssd.LookupType(ctx, service, add, rmv)
	}()

	select {
	case e := <-found:
		if len(e.IPs) > 1 {
			v("%s has %d addresses, using %v", e.Name, len(e.IPs), e.IPs[0])
		}
		return e.IPs[0].String(), strconv.Itoa(e.Port), nil
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			return "", "", fmt.Errorf("browsing for %s: %w", service, err)
		}
		return "", "", fmt.Errorf("no host service matches %s", service)
	}
}

// ParseKv parses a comma separated list of key=value pairs. A key
// with no value is set to "true".
func ParseKv(arg string) map[string]string {
	txt := make(map[string]string)
	if len(arg) == 0 {
		return txt
	}
	for _, pair := range strings.Split(arg, ",") {
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			val = "true"
		}
		txt[k] = val
	}
	return txt
}

// DefaultInstance returns the instance name used when none is given.
func DefaultInstance() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "distrund"
	}
	return hostname + "-distrund"
}

// Advert is the DNS-SD advertisement of one host service.
type Advert struct {
	Instance  string
	Domain    string
	Type      string
	Interface string
	Port      int
	Text      map[string]string

	mu      sync.Mutex
	tenants int
	envs    int
	update  chan struct{}
	cancel  context.CancelFunc
}

// DefaultText fills in the TXT keys every host advertises.
func DefaultText(txt map[string]string) {
	if len(txt["arch"]) == 0 {
		txt["arch"] = runtime.GOARCH
	}
	if len(txt["os"]) == 0 {
		txt["os"] = runtime.GOOS
	}
	if len(txt["cores"]) == 0 {
		txt["cores"] = strconv.Itoa(runtime.NumCPU())
	}
}

// text returns the current TXT record.
func (a *Advert) text() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	txt := make(map[string]string, len(a.Text)+8)
	for k, val := range a.Text {
		txt[k] = val
	}
	DefaultText(txt)
	txt["tenants"] = strconv.Itoa(a.tenants)
	txt["environments"] = strconv.Itoa(a.envs)

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		v("sysinfo: %v", err)
		return txt
	}
	txt["mem_avail"] = strconv.FormatUint(uint64(si.Freeram), 10)
	txt["mem_total"] = strconv.FormatUint(uint64(si.Totalram), 10)
	txt["mem_unit"] = strconv.FormatUint(uint64(si.Unit), 10)
	txt["load1"] = strconv.FormatUint(uint64(si.Loads[0]), 10)
	return txt
}

func (a *Advert) changed() {
	select {
	case a.update <- struct{}{}:
	default:
	}
}

// Tenant adjusts the advertised number of running processes.
func (a *Advert) Tenant(delta int) {
	a.mu.Lock()
	a.tenants += delta
	a.mu.Unlock()
	v("tenants %+d", delta)
	a.changed()
}

// Environments sets the advertised number of registered environments.
func (a *Advert) Environments(n int) {
	a.mu.Lock()
	a.envs = n
	a.mu.Unlock()
	a.changed()
}

// Register starts advertising. The advertisement stops when ctx is
// done or Unregister is called.
func (a *Advert) Register(ctx context.Context) error {
	if len(a.Instance) == 0 {
		a.Instance = DefaultInstance()
	}
	if len(a.Type) == 0 {
		a.Type = Service
	}
	if len(a.Domain) == 0 {
		a.Domain = "local"
	}
	v("advertising %s.%s.%s.", strings.Trim(a.Instance, "."), strings.Trim(a.Type, "."), strings.Trim(a.Domain, "."))

	resp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("dnssd responder: %w", err)
	}
	var ifaces []string
	if len(a.Interface) > 0 {
		ifaces = append(ifaces, a.Interface)
	}
	srv, err := dnssd.NewService(dnssd.Config{
		Name:   a.Instance,
		Type:   a.Type,
		Domain: a.Domain,
		Port:   a.Port,
		Ifaces: ifaces,
		Text:   a.text(),
	})
	if err != nil {
		return fmt.Errorf("dnssd service: %w", err)
	}
	h, err := resp.Add(srv)
	if err != nil {
		return fmt.Errorf("dnssd add: %w", err)
	}
	v("%s registered", h.Service().ServiceInstanceName())

	ctx, a.cancel = context.WithCancel(ctx)
	a.update = make(chan struct{}, 1)
	go func() {
		t := time.NewTicker(updateEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			case <-a.update:
			}
			h.UpdateText(a.text(), resp)
		}
	}()
	go func() {
		if err := resp.Respond(ctx); err != nil && ctx.Err() == nil {
			v("dnssd responder: %v", err)
		}
	}()
	return nil
}

// Unregister stops advertising.
func (a *Advert) Unregister() {
	if a.cancel != nil {
		v("stopping dns-sd advertisement")
		a.cancel()
	}
}
