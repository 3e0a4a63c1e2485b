package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

var sessionIDRe = regexp.MustCompile(`^[0-9A-F]{8}$`)

// NewSessionID returns a random 8 character uppercase hex session id.
func NewSessionID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// ValidSessionID reports whether id has the generated form.
// Lowercase ids are not valid.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}
