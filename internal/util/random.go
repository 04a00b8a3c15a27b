// Package util provides small shared helpers: identifier generation and
// environment parsing.
package util

import "math/rand/v2"

const (
	hexDigits   = "0123456789abcdef"
	idHexLength = 32
)

// randomHex returns n random lowercase hex digits. Identifiers only need to
// be collision-resistant, not cryptographically strong.
func randomHex(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = hexDigits[rand.IntN(len(hexDigits))]
	}
	return string(buf)
}

// GenerateSessionID returns a fresh conversation session identifier.
func GenerateSessionID() string {
	return "sess_" + randomHex(idHexLength)
}

// GenerateTurnID returns a fresh turn identifier.
func GenerateTurnID() string {
	return "turn_" + randomHex(idHexLength)
}
