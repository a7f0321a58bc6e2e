// Package slugid generates and validates the 22-character URL-safe
// identifiers used for taskIds and taskGroupIds. A slug is the unpadded
// URL-safe base64 form of a 128-bit value with the UUID v4 version bits
// forced, which is why the character classes at positions 8, 10 and 21
// are constrained.
package slugid

import (
	"encoding/base64"
	"regexp"

	"github.com/google/uuid"
)

// Pattern matches a valid slug. Positions with restricted alphabets
// correspond to the forced version/variant bits of the underlying UUID.
var Pattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8}[Q-T][A-Za-z0-9_-][CGKOSWaeimquy26-][A-Za-z0-9_-]{10}[AQgw]$`)

// genericIDPattern matches provisionerIds, workerTypes, workerGroups,
// workerIds and schedulerIds.
var genericIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-_]{1,38}$`)

// New returns a fresh slug backed by a random UUID v4.
func New() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

// Nice returns a slug whose first bit is cleared, so the encoded form
// never starts with '-'. Friendlier for command lines and URLs.
func Nice() string {
	u := uuid.New()
	u[0] &= 0x7f
	return base64.RawURLEncoding.EncodeToString(u[:])
}

// Valid reports whether s is a well-formed slug.
func Valid(s string) bool {
	return Pattern.MatchString(s)
}

// ValidGenericID reports whether s is a well-formed generic identifier
// (provisionerId, workerType, workerGroup, workerId, schedulerId).
func ValidGenericID(s string) bool {
	return genericIDPattern.MatchString(s)
}
