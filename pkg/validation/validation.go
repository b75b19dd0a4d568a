package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex validates room and user identifiers
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// TopicRegex validates relay topic names
	TopicRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

const (
	maxIDLength          = 100
	maxTopicLength       = 200
	MaxChatMessageLength = 4096
)

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", kind)
	}
	return nil
}

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	return validateID("room ID", roomID)
}

// ValidateUserID validates user ID
func ValidateUserID(userID string) error {
	return validateID("user ID", userID)
}

// ValidateTopic validates a relay topic name
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("topic is too long (max %d characters)", maxTopicLength)
	}
	if !TopicRegex.MatchString(topic) {
		return fmt.Errorf("invalid topic format")
	}
	return nil
}

// ValidateChatMessage validates in-call text before it goes on the data channel
func ValidateChatMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is empty")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid characters")
	}
	if utf8.RuneCountInString(text) > MaxChatMessageLength {
		return fmt.Errorf("message is too long (max %d characters)", MaxChatMessageLength)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL checks the scheme of a stun/turn URL
func ValidateICEServerURL(raw string) error {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(raw, scheme) && len(raw) > len(scheme) {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q (must start with stun:, stuns:, turn: or turns:)", raw)
}
