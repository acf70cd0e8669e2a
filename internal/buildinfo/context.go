// Package buildinfo holds version metadata stamped in at link time, kept apart
// from user configuration.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// UnknownValue is reported for metadata that was not stamped in.
const UnknownValue = "unknown"

// Overridden at build time:
//
//	go build -ldflags "-X github.com/markscan/markscan/internal/buildinfo.version=v1.4.0 -X github.com/markscan/markscan/internal/buildinfo.buildDate=2026-10-01"
var (
	version   string
	buildDate string
)

// Context is the build metadata of the running binary.
type Context struct {
	version   string
	buildDate string
	revision  string
}

// NewContext returns metadata for the given values; empty values read as UnknownValue.
func NewContext(version, buildDate, revision string) *Context {
	return &Context{version: version, buildDate: buildDate, revision: revision}
}

// Current returns the metadata of this binary. The VCS revision comes from the
// Go toolchain's embedded build info when available.
func Current() *Context {
	return NewContext(version, buildDate, vcsRevision())
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownValue
	}
	return s
}

// Version returns the release tag.
func (c *Context) Version() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.version)
}

// BuildDate returns when the binary was built.
func (c *Context) BuildDate() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.buildDate)
}

// Revision returns the abbreviated VCS revision.
func (c *Context) Revision() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.revision)
}

// String is the one-line form printed by --version.
func (c *Context) String() string {
	return fmt.Sprintf("%s (revision %s, built %s, %s %s/%s)",
		c.Version(), c.Revision(), c.BuildDate(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
