// Package idgen provides identifier generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the entity identifiers issued by the service.
const (
	PrefixTransaction = "txn_"
	PrefixPayout      = "pay_"
	PrefixAudit       = "aud_"
	PrefixMethod      = "pm_"
)

// New generates a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates prefix + 32 hex chars derived from a v4 UUID
// (e.g. "txn_3f1c...").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
