package chat

import (
	"context"
	"time"
)

// Store persists messages and the per-message state the delivery core
// reads back: status, edits, deletions, reactions, previews.
//
// Requirements:
//   - Idempotency per (conversation_id, client_msg_id); a duplicate append
//     returns the original row and burns no sequence number
//   - Monotonic seq per conversation
//   - The conversation preview row is updated in the same transaction as
//     the message write it reflects
//   - History query ordered by seq ASC, tombstones included
type Store interface {
	// AppendMessage persists a new message, allocating its seq and
	// refreshing the conversation preview atomically.
	AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error)

	// GetMessage loads one message including tombstones.
	// Returns ErrMessageNotFound when the id is unknown.
	GetMessage(ctx context.Context, messageID string) (Message, error)

	// ListMessages returns the raw seq-ordered window. Visibility
	// filtering happens above the store.
	ListMessages(ctx context.Context, in ListInput) (ListResult, error)

	// SetContent replaces a message body and stamps EditedAt. The returned
	// preview is non-nil when the edited message is the conversation's
	// latest and its preview row was rewritten.
	SetContent(ctx context.Context, messageID, content string, at time.Time) (Message, *Preview, error)

	// TombstoneMessage marks a message globally deleted, clearing content
	// while keeping the row. Idempotent. The returned preview is non-nil
	// when the deletion rewrote the conversation preview.
	TombstoneMessage(ctx context.Context, messageID string, at time.Time) (Message, *Preview, error)

	// AddViewerDeletion hides a message from one viewer. Idempotent.
	AddViewerDeletion(ctx context.Context, conversationID, messageID, userID string, at time.Time) error

	// ViewerDeletions returns the viewer's hidden message ids within a
	// conversation.
	ViewerDeletions(ctx context.Context, conversationID, userID string) (map[string]bool, error)

	// SetReaction upserts userID's reaction on a message; an empty value
	// removes it. Returns the message's refreshed aggregate.
	SetReaction(ctx context.Context, messageID, userID, value string, at time.Time) ([]ReactionGroup, error)

	// Reactions returns aggregates for the given message ids. Messages
	// without reactions are absent from the map.
	Reactions(ctx context.Context, messageIDs []string) (map[string][]ReactionGroup, error)

	// MarkDelivered flips every sent message not authored by userID to
	// delivered across the given conversations, returning per-conversation
	// counts for the conversations that changed. Idempotent.
	MarkDelivered(ctx context.Context, userID string, conversationIDs []string) ([]StatusBatch, error)

	// MarkRead flips every message not authored by userID below read to
	// read within one conversation, returning the number of rows that
	// changed. Idempotent.
	MarkRead(ctx context.Context, conversationID, userID string) (int64, error)

	// Previews returns the preview rows for the given conversations,
	// omitting conversations that never saw a message.
	Previews(ctx context.Context, conversationIDs []string) (map[string]Preview, error)

	// CountUnread counts messages in a conversation not authored by userID
	// and created after the watermark.
	CountUnread(ctx context.Context, conversationID, userID string, after time.Time) (int64, error)

	// Search matches non-deleted message content case-insensitively,
	// newest first, honoring the viewer's per-user deletions.
	Search(ctx context.Context, in SearchInput) ([]Message, error)

	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	Draft Draft
	Now   time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored    Message
	Duplicate bool
	Preview   Preview
}

// ListInput describes a history window request.
type ListInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// ListResult contains the retrieved window.
type ListResult struct {
	Messages []Message
	HasMore  bool
}

// SearchInput describes a content search request. ConversationIDs scopes
// the search and must already be authorization-checked by the caller.
type SearchInput struct {
	Query           string
	ConversationIDs []string
	ViewerID        string
	Limit           int
}
