package hydrate

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/livecomponent/runtime/pkg/protocol"
)

// userIDPattern bounds client-supplied instance ids: spec-legal ids are
// 8-64 characters of letters, digits, underscore, or hyphen.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// NewID generates a server-assigned instance id: 128 bits of randomness
// from crypto/rand, hex-encoded (32 characters).
func NewID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", protocol.NewError(protocol.ErrInternal, "failed to generate instance id: "+err.Error())
	}
	return hex.EncodeToString(buf[:]), nil
}

// ValidateUserID reports whether a client-supplied instance id is
// well-formed. Validation does not imply the id is actually mounted.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return protocol.NewError(protocol.ErrMountFailed, "userProvidedId must match ^[A-Za-z0-9_-]{8,64}$")
	}
	return nil
}
