package bus

import (
	"time"

	"relay/internal/id"
	"relay/internal/jsonx"
)

// MessageType discriminates the agent-to-agent message kinds.
type MessageType string

const (
	TypeQuery          MessageType = "query"
	TypeResponse       MessageType = "response"
	TypeCommand        MessageType = "command"
	TypeEvent          MessageType = "event"
	TypeClarification  MessageType = "clarification"
	TypeRecommendation MessageType = "recommendation"
)

// Priority orders messages when a consumer chooses to honor it. Delivery
// itself is FIFO per sender/recipient pair.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Broadcast is the reserved recipient that fans a message out to every
// registered agent except the sender.
const Broadcast = "broadcast"

// Capability names what an agent can do; used for discovery.
type Capability string

const (
	CapProjectQuery       Capability = "project_query"
	CapContextCompression Capability = "context_compression"
	CapValidation         Capability = "validation"
)

// Message is one agent-to-agent envelope. CorrelationID defaults to the
// MessageID at send time; a Response always carries the correlation id of
// the query it answers.
type Message struct {
	MessageID     string         `json:"message_id"`
	FromAgent     string         `json:"from_agent"`
	ToAgent       string         `json:"to_agent"`
	Type          MessageType    `json:"message_type"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Priority      Priority       `json:"priority"`
	Context       map[string]any `json:"context,omitempty"`
	TTLSeconds    int            `json:"ttl,omitempty"`
	Timestamp     time.Time      `json:"-"`
}

// normalize fills the generated fields before delivery.
func (m *Message) normalize() {
	if m.MessageID == "" {
		m.MessageID = id.NewMessageID()
	}
	if m.CorrelationID == "" {
		m.CorrelationID = m.MessageID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
}

// messageAlias strips the Marshal/Unmarshal methods for the wire shape.
type messageAlias Message

// wireMessage is the persisted/bridged shape: timestamps are ISO-8601 UTC
// strings, everything else maps 1:1.
type wireMessage struct {
	messageAlias
	Timestamp string `json:"timestamp"`
}

// MarshalJSON renders the timestamp as an ISO-8601 UTC string.
func (m Message) MarshalJSON() ([]byte, error) {
	return jsonx.Marshal(wireMessage{
		messageAlias: messageAlias(m),
		Timestamp:    m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON accepts the wire shape and tolerates unknown keys.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := jsonx.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message(w.messageAlias)
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, w.Timestamp)
		if err != nil {
			return err
		}
		m.Timestamp = ts.UTC()
	}
	return nil
}
