// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads distrun's INI files and validates the settings
// in them.
//
// The format is the usual one:
//
//	# comment
//	[section]
//	key = value   # comment
//
// Keys outside any section are ignored, as are lines that are neither
// a section header nor a key=value pair. A later key overwrites an
// earlier one, and a repeated section adds to the first.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Section holds the keys of one section.
type Section map[string]string

// File holds the sections of an INI file.
type File map[string]Section

// Parse parses INI text.
func Parse(r io.Reader) (File, error) {
	f := File{}
	var section string
	s := bufio.NewScanner(r)
	for n := 1; s.Scan(); n++ {
		line := s.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if name, ok := sectionName(line); ok {
			section = name
			if _, ok := f[section]; !ok {
				f[section] = Section{}
			}
			continue
		}
		k, val, ok := strings.Cut(line, "=")
		if !ok {
			v("line %d: %q is not key=value, ignored", n, line)
			continue
		}
		k = strings.TrimSpace(k)
		if len(section) == 0 || len(k) == 0 {
			v("line %d: %q is outside a section, ignored", n, line)
			continue
		}
		f[section][k] = strings.TrimSpace(val)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

func sectionName(line string) (string, bool) {
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return "", false
	}
	name := line[1 : len(line)-1]
	if len(name) == 0 || strings.ContainsRune(name, ']') {
		return "", false
	}
	return name, true
}

// Load parses the INI file at path.
func Load(path string) (File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	f, err := Parse(fd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Get returns the value of key in section.
func (f File) Get(section, key string) (string, bool) {
	val, ok := f[section][key]
	return val, ok
}

// Lookup returns the value of key in section, or def if it is not set.
func (f File) Lookup(section, key, def string) string {
	if val, ok := f.Get(section, key); ok {
		return val
	}
	return def
}
