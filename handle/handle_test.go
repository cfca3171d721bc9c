// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package handle

import (
	"errors"
	"reflect"
	"testing"
)

type counter struct {
	order *[]string
	n     map[string]int
}

func (c *counter) closer(name string, err error) func() error {
	return func() error {
		c.n[name]++
		*c.order = append(*c.order, name)
		return err
	}
}

func newCounter() *counter {
	return &counter{order: &[]string{}, n: map[string]int{}}
}

func TestReleaseOnceInReverse(t *testing.T) {
	c := newCounter()
	s := New()
	s.Own("console", c.closer("console", nil))
	s.Own("channel", c.closer("channel", nil))
	s.OwnStdin(c.closer("stdin", nil))

	if err := s.CloseStdin(); err != nil {
		t.Fatalf("CloseStdin(): %v != nil", err)
	}
	if err := s.CloseStdin(); err != nil {
		t.Fatalf("second CloseStdin(): %v != nil", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release(): %v != nil", err)
	}
	if err := s.Release(); !errors.Is(err, ErrReleased) {
		t.Fatalf("second Release(): got %v, want %v", err, ErrReleased)
	}

	want := []string{"stdin", "channel", "console"}
	if !reflect.DeepEqual(*c.order, want) {
		t.Errorf("release order: got %q, want %q", *c.order, want)
	}
	for name, n := range c.n {
		if n != 1 {
			t.Errorf("%s released %d times, want 1", name, n)
		}
	}
}

func TestReleasePartialSet(t *testing.T) {
	c := newCounter()
	s := New()
	s.Own("channel", c.closer("channel", nil))
	if s.Complete() {
		t.Fatalf("Complete(): got true for a set with no streams, want false")
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release(): %v != nil", err)
	}
	if c.n["channel"] != 1 {
		t.Errorf("channel released %d times, want 1", c.n["channel"])
	}
}

func TestReleaseAggregatesErrors(t *testing.T) {
	c := newCounter()
	s := New()
	e1, e2 := errors.New("one"), errors.New("two")
	s.Own("a", c.closer("a", e1))
	s.Own("b", c.closer("b", e2))
	s.Own("c", c.closer("c", nil))
	err := s.Release()
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("Release(): got %v, want both %v and %v", err, e1, e2)
	}
	if len(*c.order) != 3 {
		t.Errorf("released %d resources, want 3", len(*c.order))
	}
}

func TestOwnAfterRelease(t *testing.T) {
	c := newCounter()
	s := New()
	if err := s.Release(); err != nil {
		t.Fatalf("Release(): %v != nil", err)
	}
	rel := s.Own("late", c.closer("late", nil))
	rel() //nolint
	if c.n["late"] != 1 {
		t.Errorf("late resource released %d times, want 1", c.n["late"])
	}
}
