package domain

import "time"

// ChangeType classifies an audit log entry on a message.
type ChangeType string

const (
	ChangeTypeMode    ChangeType = "mode-change"
	ChangeTypeTarget  ChangeType = "target-change"
	ChangeTypeSent    ChangeType = "sent-change"
	ChangeTypeContent ChangeType = "content-change"
)

// MessageChange is one audit trail entry attached to a message.
type MessageChange struct {
	MessageID   int64      `json:"message_id"`
	ChangeType  ChangeType `json:"change_type"`
	Old         string     `json:"old"`
	New         string     `json:"new"`
	Description string     `json:"description"`
	Date        time.Time  `json:"date"`
}
