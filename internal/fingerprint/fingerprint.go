// Package fingerprint derives the idempotency key used to deduplicate inbox
// items across sync runs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SchemaVersion is mixed into every fingerprint. Bumping it invalidates all
// previously computed keys.
const SchemaVersion = "inboxsync.v1"

type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns a prefix suitable for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Compute hashes the canonical form of content scoped to projectID.
func Compute(projectID, rawContent string) Fingerprint {
	hasher := sha256.New()
	_, _ = hasher.Write([]byte(SchemaVersion))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(projectID)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(Normalize(rawContent)))
	return Fingerprint(hex.EncodeToString(hasher.Sum(nil)))
}

// Normalize returns the whitespace- and encoding-insensitive form of content:
// NFC composed, every whitespace run folded to a single space, trimmed.
func Normalize(content string) string {
	content = norm.NFC.String(content)
	var b strings.Builder
	b.Grow(len(content))
	pendingSpace := false
	for _, r := range content {
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Equivalent reports whether two contents share a canonical form.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
