// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry records the environments a host service can run
// processes in. Each has a unique name, a root directory and an ID
// assigned when it is registered. IDs are never reused.
//
// The registry is kept in a YAML file:
//
//	default: ubuntu
//	environments:
//	  - name: ubuntu
//	    id: 6f1c3ad2-4a8e-4b8e-9d36-3f0a3f2b9b51
//	    root: /var/lib/distrun/ubuntu
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound means no environment has the name or ID.
	ErrNotFound = errors.New("no such environment")
	// ErrNoDefault means no default environment is configured.
	ErrNoDefault = errors.New("no default environment")
	// ErrExists means an environment already has the name.
	ErrExists = errors.New("environment already registered")
)

// Environment is one registered environment.
type Environment struct {
	Name string    `yaml:"name"`
	ID   uuid.UUID `yaml:"id"`
	Root string    `yaml:"root"`
}

type file struct {
	Default      string        `yaml:"default,omitempty"`
	Environments []Environment `yaml:"environments"`
}

// Registry is a set of environments. It is safe for concurrent use.
type Registry struct {
	path string

	mu sync.RWMutex
	f  file
}

// New returns an empty registry that is not backed by a file.
func New() *Registry {
	return &Registry{}
}

// Open reads the registry in path. A missing file is an empty
// registry; Save creates it.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &r.f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := r.f.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (f *file) check() error {
	names := map[string]bool{}
	ids := map[uuid.UUID]bool{}
	for _, e := range f.Environments {
		if len(e.Name) == 0 || e.ID == uuid.Nil {
			return fmt.Errorf("environment %q has no name or id", e.Name)
		}
		if names[e.Name] || ids[e.ID] {
			return fmt.Errorf("environment %q: %w", e.Name, ErrExists)
		}
		names[e.Name], ids[e.ID] = true, true
	}
	if len(f.Default) > 0 && !names[f.Default] {
		return fmt.Errorf("default %q: %w", f.Default, ErrNotFound)
	}
	return nil
}

// Save writes the registry back to its file. A registry from New
// has nowhere to go, and Save does nothing.
func (r *Registry) Save() error {
	if len(r.path) == 0 {
		return nil
	}
	r.mu.RLock()
	b, err := yaml.Marshal(&r.f)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func (r *Registry) find(name string) int {
	for i, e := range r.f.Environments {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// Lookup returns the named environment. An empty name returns the
// default environment.
func (r *Registry) Lookup(name string) (Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(name) == 0 {
		if len(r.f.Default) == 0 {
			return Environment{}, ErrNoDefault
		}
		name = r.f.Default
	}
	i := r.find(name)
	if i < 0 {
		return Environment{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return r.f.Environments[i], nil
}

// ByID returns the environment with the given ID.
func (r *Registry) ByID(id uuid.UUID) (Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.f.Environments {
		if e.ID == id {
			return e, nil
		}
	}
	return Environment{}, fmt.Errorf("%v: %w", id, ErrNotFound)
}

// Register adds an environment with a new ID. The first environment
// registered becomes the default.
func (r *Registry) Register(name, root string) (Environment, error) {
	if len(name) == 0 {
		return Environment{}, errors.New("environment name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(name) >= 0 {
		return Environment{}, fmt.Errorf("%q: %w", name, ErrExists)
	}
	e := Environment{Name: name, ID: uuid.New(), Root: root}
	r.f.Environments = append(r.f.Environments, e)
	if len(r.f.Default) == 0 {
		r.f.Default = name
	}
	return e, nil
}

// Unregister removes the named environment. If it was the default,
// there is no longer a default.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.find(name)
	if i < 0 {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	r.f.Environments = append(r.f.Environments[:i], r.f.Environments[i+1:]...)
	if r.f.Default == name {
		r.f.Default = ""
	}
	return nil
}

// SetDefault makes the named environment the default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(name) < 0 {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	r.f.Default = name
	return nil
}

// Default returns the name of the default environment, or "".
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.f.Default
}

// List returns the environments in registration order.
func (r *Registry) List() []Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Environment(nil), r.f.Environments...)
}
