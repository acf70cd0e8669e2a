// Package artifact persists uploaded inspection images and returns the address
// they can be retrieved from. Artifacts are write-once and never deleted.
package artifact

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
)

// Backend names accepted by storage.artifacts.backend.
const (
	BackendLocal    = "local"
	BackendSupabase = "supabase"
	BackendSFTP     = "sftp"
	BackendFTP      = "ftp"
)

const (
	namePrefix   = "scan"
	maxHintLen   = 64
	fallbackHint = "image"
)

// Ref addresses a stored artifact.
type Ref struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Store persists image bytes under a generated name.
type Store interface {
	Store(ctx context.Context, data []byte, hint string) (Ref, error)
	Backend() string
}

// GetLogger returns the artifact module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("artifact")
}

// NewName returns scan_<unix>_<random8>_<sanitized hint>.
func NewName(now time.Time, hint string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s_%s", namePrefix, now.Unix(), random, SanitizeHint(hint))
}

// SanitizeHint reduces a client supplied filename to a safe single path segment.
// Letters, digits, '.', '-' and '_' survive; whitespace becomes '_'; anything
// else is dropped. Leading dots are stripped so the result is never hidden.
func SanitizeHint(hint string) string {
	if i := strings.LastIndexAny(hint, `/\`); i >= 0 {
		hint = hint[i+1:]
	}

	var b strings.Builder
	for _, r := range hint {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), "._")
	if len(out) > maxHintLen {
		out = out[len(out)-maxHintLen:]
	}
	if out == "" {
		return fallbackHint
	}
	return out
}

func storageError(err error, backend, op string) error {
	return errors.New(err).
		Component("artifact").
		Category(errors.CategoryStorage).
		StorageContext(backend, op).
		Build()
}
