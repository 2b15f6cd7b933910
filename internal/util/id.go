package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewID returns a short random hex token used to tag requests in logs.
func NewID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// rand should never fail; fall back to a timestamp token.
		return fmt.Sprintf("t%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
