package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateParticipantID returns a transport-scoped participant id.
func GenerateParticipantID() string {
	return uuid.NewString()
}

// GenerateMessageID returns a chat message id.
func GenerateMessageID() string {
	return uuid.NewString()
}

// GenerateInstanceID identifies this server process on the event bus.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "meetrelay"
	}
	return GenerateID(host)
}

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}
