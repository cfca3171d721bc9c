// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCreateProcessEncoding(t *testing.T) {
	in := &CreateProcess{
		ID:      uuid.New(),
		Command: "/bin/sh -c 'echo hi'",
		Env:     []string{"Z=1", "A=2", "M=3"},
		Cwd:     "/tmp",
		Pty:     &Pty{Term: "xterm", Rows: 24, Cols: 80},
	}
	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal(%v): %v != nil", in, err)
	}
	b2, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal(%v): %v != nil", in, err)
	}
	if !bytes.Equal(b, b2) {
		t.Errorf("Marshal is not deterministic: %x != %x", b, b2)
	}

	var out CreateProcess
	if err := Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v != nil", err)
	}
	if !reflect.DeepEqual(in, &out) {
		t.Errorf("decoded %+v, want %+v", out, *in)
	}
}

func TestStatusString(t *testing.T) {
	for _, tt := range []struct {
		s    Status
		want string
	}{
		{s: StatusNotFound, want: "not found"},
		{s: StatusInternal, want: "internal error"},
		{s: Status(7), want: "status 0x7"},
	} {
		if got := tt.s.String(); !strings.Contains(got, tt.want) {
			t.Errorf("%d.String(): got %q, want it to contain %q", tt.s, got, tt.want)
		}
	}
	f := &Failure{Status: StatusNotFound, Message: "no such environment"}
	if !strings.HasSuffix(f.Error(), "no such environment") {
		t.Errorf("Failure.Error(): got %q", f.Error())
	}
}
