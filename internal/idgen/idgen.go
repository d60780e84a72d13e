// Package idgen generates opaque random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// RequestPrefix marks IDs minted by this service rather than an upstream proxy.
const RequestPrefix = "req_"

// Hex returns numBytes of crypto randomness as hex. If the system source
// fails it degrades to the current time in nanoseconds.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

// RequestID returns a new request correlation ID.
func RequestID() string {
	return RequestPrefix + Hex(12)
}
