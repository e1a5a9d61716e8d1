package v1

import "time"

// ---- client -> server payloads ----

// RoomSubscribePayload attaches or detaches a room channel.
// The same shape serves room.subscribe and room.unsubscribe.
type RoomSubscribePayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// SendMessagePayload requests sending a message into a conversation.
//
// ClientMsgID is the caller's idempotency key: resending the same
// (conversation_id, client_msg_id) returns the original ack and triggers no
// new fan-out. Content/FileRef requiredness depends on Type and is enforced
// by the core, not here.
type SendMessagePayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	ClientMsgID    string `json:"client_msg_id" validate:"required"`
	Type           string `json:"type" validate:"required,oneof=text file image voice"`
	Content        string `json:"content,omitempty"`
	FileRef        string `json:"file_ref,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
}

// EditMessagePayload replaces the content of an own text message.
type EditMessagePayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

// DeleteMessagePayload identifies the target of message.delete and
// message.delete_for_me.
type DeleteMessagePayload struct {
	MessageID string `json:"message_id" validate:"required"`
}

// ReactPayload sets the caller's reaction; an empty value removes it.
type ReactPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Value     string `json:"value" validate:"max=64"`
}

// ForwardMessagePayload copies a readable message into another conversation.
type ForwardMessagePayload struct {
	MessageID            string `json:"message_id" validate:"required"`
	TargetConversationID string `json:"target_conversation_id" validate:"required"`
	ClientMsgID          string `json:"client_msg_id" validate:"required"`
}

// ReadMarkPayload marks one conversation read for the caller.
type ReadMarkPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// TypingSetPayload toggles the caller's typing indicator.
type TypingSetPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	IsTyping       bool   `json:"is_typing"`
}

// HistoryFetchPayload requests a history window ordered by seq ASC.
type HistoryFetchPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	AfterSeq       *int64 `json:"after_seq,omitempty"`
	Limit          int    `json:"limit,omitempty" validate:"min=0,max=200"`
}

// SearchQueryPayload searches content in one conversation or, when
// ConversationID is empty, across all of the caller's conversations.
type SearchQueryPayload struct {
	Query          string `json:"query" validate:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty" validate:"min=0,max=100"`
}

// ConversationListPayload requests the caller's conversation summaries.
type ConversationListPayload struct{}

// ---- server -> client payloads ----

// HelloAckPayload carries the server-assigned connection identity.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ReactionGroup aggregates one reaction value on a message.
type ReactionGroup struct {
	Value   string   `json:"value"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// MessagePayload is the effective per-viewer message representation used by
// message.new, history.chunk and search.result. Deleted marks a tombstone:
// content and file_ref are cleared while id/seq ordering metadata remains.
type MessagePayload struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Seq            int64           `json:"seq"`
	Type           string          `json:"type"`
	Content        string          `json:"content,omitempty"`
	FileRef        string          `json:"file_ref,omitempty"`
	Status         string          `json:"status"`
	Deleted        bool            `json:"deleted,omitempty"`
	EditedAt       *time.Time      `json:"edited_at,omitempty"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	ForwardedFrom  string          `json:"forwarded_from,omitempty"`
	Reactions      []ReactionGroup `json:"reactions,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MessageAckPayload acknowledges a send/forward request.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// MessageEditedPayload broadcasts replaced content.
type MessageEditedPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageDeletedPayload broadcasts a tombstoned message.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// MessageReactionPayload broadcasts a reaction change with the new summary.
type MessageReactionPayload struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	UserID         string          `json:"user_id"`
	Value          string          `json:"value,omitempty"`
	Reactions      []ReactionGroup `json:"reactions"`
}

// MessageStatusPayload broadcasts an aggregate status flip to the room.
// Count is the number of messages transitioned in this batch.
type MessageStatusPayload struct {
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	UserID         string    `json:"user_id"`
	Count          int64     `json:"count"`
	At             time.Time `json:"at"`
}

// ParticipantPayload announces room channel subscribe/unsubscribe.
type ParticipantPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// TypingPayload relays a typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ConversationUpdatedPayload refreshes one conversation's list preview.
type ConversationUpdatedPayload struct {
	ConversationID string    `json:"conversation_id"`
	LastMessageID  string    `json:"last_message_id,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// MessagesDeliveredPayload notifies that UserID came online and Count of the
// receiver-visible messages in ConversationID flipped to delivered.
type MessagesDeliveredPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Count          int64     `json:"count"`
	At             time.Time `json:"at"`
}

// MessagesReadPayload is the aggregate read receipt: one event per
// read.mark call, not one per message.
type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	Count          int64     `json:"count"`
	At             time.Time `json:"at"`
}

// UserPresencePayload announces user.online / user.offline.
type UserPresencePayload struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// HistoryChunkPayload returns one filtered history window.
type HistoryChunkPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
	HasMore        bool             `json:"has_more"`
}

// SearchResultPayload returns matched messages, newest first.
type SearchResultPayload struct {
	Query    string           `json:"query"`
	Messages []MessagePayload `json:"messages"`
}

// ConversationSummary is one row of the caller's conversation list.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	LastMessageID  string    `json:"last_message_id,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	UnreadCount    int64     `json:"unread_count"`
}

// ConversationListResultPayload returns the caller's conversation list.
type ConversationListResultPayload struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
