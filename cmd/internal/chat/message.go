// Package chat implements the delivery core: message persistence contracts,
// the status state machine, per-viewer visibility, and fan-out effect
// computation. Transport and storage plug in at the edges.
package chat

import (
	"strings"
	"time"
)

// MessageType is the payload class of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeFile  MessageType = "file"
	TypeImage MessageType = "image"
	TypeVoice MessageType = "voice"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeFile, TypeImage, TypeVoice:
		return true
	default:
		return false
	}
}

// Limits applied before persistence.
const (
	// MaxContentChars bounds message content length (runes).
	MaxContentChars = 4000
	// MaxReactionChars bounds a reaction value length (runes).
	MaxReactionChars = 64
	// previewChars bounds the conversation list preview text.
	previewChars = 120
)

// Message is the canonical persisted message representation.
//
// Status is mutated only through the batch transitions in this package.
// DeletedGlobally marks a tombstone: the row keeps its id/seq ordering
// metadata while content is cleared for every viewer.
type Message struct {
	ID              string
	ConversationID  string
	SenderID        string
	Seq             int64
	ClientMsgID     string
	Type            MessageType
	Content         string
	FileRef         string
	Status          Status
	DeletedGlobally bool
	EditedAt        *time.Time
	ReplyTo         string
	ForwardedFrom   string
	CreatedAt       time.Time
}

// ReactionGroup aggregates one reaction value on a message.
type ReactionGroup struct {
	Value   string
	Count   int
	UserIDs []string
}

// MessageView is the per-viewer effective representation produced by the
// visibility filter. For a tombstone, Deleted is true and content fields are
// cleared while id/seq remain so ordering and reply threading resolve.
type MessageView struct {
	ID             string
	ConversationID string
	SenderID       string
	Seq            int64
	Type           MessageType
	Content        string
	FileRef        string
	Status         Status
	Deleted        bool
	EditedAt       *time.Time
	ReplyTo        string
	ForwardedFrom  string
	Reactions      []ReactionGroup
	CreatedAt      time.Time
}

// Preview is the denormalized last-message surface of a conversation,
// updated in the same commit as the message write it reflects.
type Preview struct {
	ConversationID string
	LastMessageID  string
	Text           string
	LastActivityAt time.Time
}

// Draft carries the checked fields of a message about to be persisted.
type Draft struct {
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Type           MessageType
	Content        string
	FileRef        string
	ReplyTo        string
	ForwardedFrom  string
}

// ValidateDraft enforces the type/content coupling before persistence:
// text requires content, non-text requires a file reference.
func ValidateDraft(d Draft) error {
	if strings.TrimSpace(d.ConversationID) == "" {
		return Validation("conversation id is required")
	}
	if strings.TrimSpace(d.SenderID) == "" {
		return Validation("sender id is required")
	}
	if strings.TrimSpace(d.ClientMsgID) == "" {
		return Validation("client message id is required")
	}
	if !d.Type.Valid() {
		return Validation("unknown message type: " + string(d.Type))
	}

	content := strings.TrimSpace(d.Content)
	switch d.Type {
	case TypeText:
		if content == "" {
			return Validation("text messages require content")
		}
	default:
		if strings.TrimSpace(d.FileRef) == "" {
			return Validation("non-text messages require a file reference")
		}
	}
	if len([]rune(content)) > MaxContentChars {
		return Validation("content too long")
	}
	return nil
}

// previewText derives the conversation list preview for a message.
func previewText(m Message) string {
	if m.DeletedGlobally {
		return ""
	}
	if m.Content != "" {
		r := []rune(m.Content)
		if len(r) > previewChars {
			return string(r[:previewChars])
		}
		return m.Content
	}
	return "[" + string(m.Type) + "]"
}
