package core

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind identifies the kind of inter-agent message.
type MessageKind string

const (
	KindQuery      MessageKind = "query"
	KindResponse   MessageKind = "response"
	KindDelegation MessageKind = "delegation"
	KindFeedback   MessageKind = "feedback"
	KindBroadcast  MessageKind = "broadcast"
)

// BroadcastRecipient addresses a message to every subscribed agent.
const BroadcastRecipient = "ALL"

// Message is an immutable communication unit between agents. Seq is
// assigned by the bus at send time and orders messages from the same
// sender to the same recipient.
type Message struct {
	ID            string
	Kind          MessageKind
	Sender        string
	Recipient     string
	Payload       map[string]any
	CorrelationID string
	Timestamp     time.Time
	Seq           uint64
}

// NewMessage creates a message with a generated ID and timestamp.
func NewMessage(kind MessageKind, sender, recipient string, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// WithCorrelation returns a copy of the message carrying a correlation id.
func (m Message) WithCorrelation(id string) Message {
	m.CorrelationID = id
	return m
}

// IsBroadcast reports whether the message targets all subscribed agents.
func (m Message) IsBroadcast() bool {
	return m.Recipient == BroadcastRecipient || m.Kind == KindBroadcast
}
