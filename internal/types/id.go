// README: Identifier type shared by all modules.
package types

import (
	"crypto/rand"
	"encoding/hex"
)

type ID string

func (id ID) String() string { return string(id) }

// NewID returns a random 32-character hex identifier.
func NewID() ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return ID(hex.EncodeToString(b[:]))
}
