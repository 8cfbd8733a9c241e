package models

import "time"

// MessageType classifies inter-worker messages within a run.
type MessageType string

const (
	// MessageRequest expects a correlated response from the recipient.
	MessageRequest MessageType = "REQUEST"
	// MessageResponse answers a prior request.
	MessageResponse MessageType = "RESPONSE"
	// MessageNotification is a one-way informational message.
	MessageNotification MessageType = "NOTIFICATION"
	// MessageQuery asks the recipient for data without a strict contract.
	MessageQuery MessageType = "QUERY"
	// MessageDataShare pushes intermediate data to the recipient.
	MessageDataShare MessageType = "DATA_SHARE"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageRequest, MessageResponse, MessageNotification, MessageQuery, MessageDataShare:
		return true
	default:
		return false
	}
}

// AgentMessage is a typed message exchanged between workers within one run.
type AgentMessage struct {
	// ID is the unique identifier for this message.
	ID string `json:"id"`
	// RunID scopes the message to a run.
	RunID string `json:"runId"`
	// From and To are worker ids. To is empty for broadcasts.
	From string `json:"from"`
	To   string `json:"to,omitempty"`
	// Type classifies the message.
	Type MessageType `json:"type"`
	// Payload is the message body.
	Payload any `json:"payload,omitempty"`
	// InReplyTo is the id of the request this message answers, if any.
	InReplyTo string `json:"inReplyTo,omitempty"`
	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
	// ExpiresAt marks the message stale after this time, if set.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the message is past its expiry at the given time.
func (m *AgentMessage) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}
