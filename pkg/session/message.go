package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries tool results fed back to the model.
	RoleTool Role = "tool"
)

// Message is one entry of the conversation log. Payload holds an opaque
// provider-specific record when the plain content is not enough.
type Message struct {
	ID        string                 `json:"id"`
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewMessage stamps a message with an ID and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        newMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func newMessageID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("msg-%d", time.Now().UnixNano())
	}
	return id
}

// Validate reports whether m can be stored.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Payload) == 0 {
		return fmt.Errorf("message content cannot be empty")
	}
	return nil
}

// normalize fills in the ID and timestamp when the caller left them out.
func normalize(m Message) Message {
	if m.ID == "" {
		m.ID = newMessageID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m
}
