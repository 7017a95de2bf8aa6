package lock

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// newToken returns a fresh random ownership token.
func newToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
