package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// GenerateUserID generates a unique user ID
func GenerateUserID() string {
	return GenerateID("user")
}

// GenerateConnectionID identifies one relay websocket connection.
func GenerateConnectionID() string {
	return GenerateID("conn")
}

// GenerateTraceID generates a unique trace ID
func GenerateTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
