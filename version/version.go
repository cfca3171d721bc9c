// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package version holds build information for the distrun binaries.
//
// Values are injected at build time, e.g.
//
//	go build -ldflags "-X github.com/u-root/distrun/version.Version=1.2.0 -X github.com/u-root/distrun/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// These are set with -ldflags at build time.
var (
	// Version is the release version.
	Version = "0.0.0-dev"
	// GitCommit is the short commit the binary was built from.
	GitCommit = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Info returns the one-line string printed by --version.
func Info() string {
	return fmt.Sprintf("%s (%s, %s)", Version, GitCommit, BuildTime)
}

// Full adds the Go toolchain and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s", Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
