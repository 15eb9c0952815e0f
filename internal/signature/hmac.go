package signature

import (
	"encoding/hex"
	"strings"
)

// Prefix is the scheme marker carried by X-Hub-Signature-256 style headers.
const Prefix = "sha256="

const (
	innerPad = 0x36
	outerPad = 0x5c
)

// HMAC computes HMAC-SHA256 (RFC 2104) of message under key.
func HMAC(key, message []byte) [Size]byte {
	if len(key) > BlockSize {
		sum := Sum256(key)
		key = sum[:]
	}

	var block [BlockSize]byte
	copy(block[:], key)

	inner := make([]byte, 0, BlockSize+len(message))
	outer := make([]byte, 0, BlockSize+Size)
	for _, b := range block {
		inner = append(inner, b^innerPad)
	}
	for _, b := range block {
		outer = append(outer, b^outerPad)
	}

	inner = append(inner, message...)
	innerSum := Sum256(inner)

	outer = append(outer, innerSum[:]...)
	return Sum256(outer)
}

// Sign returns the header value a provider would send for payload, e.g.
// "sha256=3f0a...".
func Sign(payload, secret []byte) string {
	mac := HMAC(secret, payload)
	return Prefix + hex.EncodeToString(mac[:])
}

// Verify reports whether header is a valid signature of the raw payload under
// secret. The payload must be the request body exactly as received.
func Verify(payload []byte, header string, secret []byte) bool {
	if len(payload) == 0 || header == "" || len(secret) == 0 {
		return false
	}
	if !strings.HasPrefix(header, Prefix) {
		return false
	}

	provided := header[len(Prefix):]
	if len(provided) != Size*2 || !isHex(provided) {
		return false
	}

	mac := HMAC(secret, payload)
	expected := hex.EncodeToString(mac[:])

	return ConstantTimeEqual(strings.ToLower(provided), expected)
}

// ConstantTimeEqual compares two strings without an early exit on the first
// mismatching byte. Strings of different length are never equal.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
