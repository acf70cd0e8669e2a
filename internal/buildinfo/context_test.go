package buildinfo

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContext_Version(t *testing.T) {
	tests := []struct {
		name string
		ctx  *Context
		want string
	}{
		{"nil context", nil, UnknownValue},
		{"empty version", NewContext("", "2026-01-01", "abc"), UnknownValue},
		{"valid version", NewContext("1.0.0", "2026-01-01", "abc"), "1.0.0"},
		{"version with pre-release tag", NewContext("1.0.0-beta.1", "", ""), "1.0.0-beta.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ctx.Version())
		})
	}
}

func TestContext_BuildDateAndRevision(t *testing.T) {
	var nilCtx *Context
	assert.Equal(t, UnknownValue, nilCtx.BuildDate())
	assert.Equal(t, UnknownValue, nilCtx.Revision())

	ctx := NewContext("1.2.3", "2026-10-01T10:30:00Z", "")
	assert.Equal(t, "2026-10-01T10:30:00Z", ctx.BuildDate())
	assert.Equal(t, UnknownValue, ctx.Revision())

	ctx = NewContext("1.2.3", "", "4f2a9c1d0e7b")
	assert.Equal(t, UnknownValue, ctx.BuildDate())
	assert.Equal(t, "4f2a9c1d0e7b", ctx.Revision())
}

func TestContext_String(t *testing.T) {
	s := NewContext("v1.4.0", "2026-10-01", "4f2a9c1d0e7b").String()
	assert.True(t, strings.HasPrefix(s, "v1.4.0 (revision 4f2a9c1d0e7b, built 2026-10-01, "), s)
	assert.Contains(t, s, runtime.GOOS+"/"+runtime.GOARCH)
}

func TestCurrent(t *testing.T) {
	// Test binaries are not stamped with -ldflags.
	assert.Equal(t, UnknownValue, Current().Version())
}
