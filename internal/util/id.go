package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// ScopedID builds a document id that stays globally unique by scoping a
// random suffix to the creating user, so two users creating documents at the
// same instant cannot collide.
func ScopedID(userID, prefix string) string {
	owner := strings.ToLower(strings.TrimSpace(userID))
	if owner == "" {
		return NewID(prefix)
	}
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return prefix + "_" + owner + "_" + hex.EncodeToString(bytes)
}
