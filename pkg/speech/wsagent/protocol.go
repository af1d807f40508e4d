package wsagent

import (
	"encoding/json"
	"log/slog"

	"github.com/dialvox/dialvox/pkg/speech"
)

// wireMessage is the JSON envelope of every text message on the session.
// Only the fields relevant to the decoded type are populated.
type wireMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

// Wire discriminator values.
const (
	typeWelcome             = "welcome"
	typeUserStartedSpeaking = "user_started_speaking"
	typeConversationText    = "conversation_text"
	typeError               = "error"
	typeClose               = "close"
)

// decodeEvent parses a raw text message into a [speech.Event]. This is the
// single point where wire discriminators become typed events. Returns
// (event, true) on success, or (nil, false) when the message should be
// ignored — malformed JSON and unknown types are skipped, not fatal.
func decodeEvent(data []byte) (speech.Event, bool) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("speech message with invalid JSON ignored", "err", err)
		return nil, false
	}

	switch msg.Type {
	case typeWelcome:
		return speech.Welcome{SessionID: msg.SessionID}, true
	case typeUserStartedSpeaking:
		return speech.UserStartedSpeaking{}, true
	case typeConversationText:
		return speech.ConversationText{Role: msg.Role, Content: msg.Content}, true
	case typeError:
		return speech.ErrorEvent{Code: msg.Code, Message: msg.Message}, true
	case typeClose:
		return speech.Closed{}, true
	default:
		slog.Debug("unknown speech message type ignored", "type", msg.Type)
		return nil, false
	}
}
