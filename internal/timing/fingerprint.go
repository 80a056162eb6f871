// Package timing estimates execution timeouts from historical durations keyed
// by a stable fingerprint of the command.
package timing

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// maxNormalizedLen caps the normalized command length so pathological command
// lines cannot blow up fingerprint keys.
const maxNormalizedLen = 512

var (
	uuidRe      = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	timestampRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]?\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?\b`)
	hexRe       = regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`)
	longNumRe   = regexp.MustCompile(`\b\d{8,}\b`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// CommandClass returns the classification token for a command: the base name
// of its first word.
func CommandClass(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// Normalize strips volatile tokens (timestamps, UUIDs, long hex and digit
// runs) from a command and collapses whitespace, so that repeated runs of the
// same task share a fingerprint.
func Normalize(command string) string {
	s := strings.TrimSpace(command)
	s = uuidRe.ReplaceAllString(s, "<uuid>")
	s = timestampRe.ReplaceAllString(s, "<ts>")
	s = hexRe.ReplaceAllString(s, "<hex>")
	s = longNumRe.ReplaceAllString(s, "<n>")
	s = spaceRe.ReplaceAllString(s, " ")
	if len(s) > maxNormalizedLen {
		s = s[:maxNormalizedLen]
	}
	return s
}

// Fingerprint returns the stable history key for a command.
func Fingerprint(command string) string {
	h := sha256.New()
	h.Write([]byte(CommandClass(command)))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(command)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
