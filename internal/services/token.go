package services

import (
	"crypto/rand"
	"encoding/hex"
)

const abilityTokenBytes = 24

// generateSecureToken returns length random bytes, hex encoded.
func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
