package domain

import (
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// NewID returns a fresh 24 character lowercase hex identifier.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:12])
}

// ValidID reports whether id is a well-formed identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
