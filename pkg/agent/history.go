package agent

import (
	"encoding/json"

	"github.com/harun/finagent/pkg/session"
	"github.com/rs/zerolog/log"
)

// toSessionMessage converts a committed message for storage. Tool calls
// travel in the payload.
func toSessionMessage(msg AgentMessage, metadata map[string]interface{}) session.Message {
	stored := session.NewMessage(session.Role(msg.Role), msg.Content)
	if len(msg.ToolCalls) > 0 {
		if payload, err := json.Marshal(struct {
			ToolCalls []ToolCall `json:"tool_calls"`
		}{msg.ToolCalls}); err == nil {
			stored.Payload = payload
		}
	}
	stored.Metadata = metadata
	return stored
}

func fromSessionMessage(stored session.Message) AgentMessage {
	msg := AgentMessage{Role: string(stored.Role), Content: stored.Content}
	if len(stored.Payload) > 0 {
		var payload struct {
			ToolCalls []ToolCall `json:"tool_calls"`
		}
		if err := json.Unmarshal(stored.Payload, &payload); err != nil {
			log.Warn().Str("message_id", stored.ID).Err(err).Msg("Ignoring unreadable message payload")
		} else {
			msg.ToolCalls = payload.ToolCalls
		}
	}
	return msg
}
