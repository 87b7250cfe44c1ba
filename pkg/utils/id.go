package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a prefixed random identifier such as "bid_6f1c...".
func GenerateID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
