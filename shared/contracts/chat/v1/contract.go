// Package v1 defines the Relay chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Kind is a wire-stable event kind. The set of kinds is closed: an envelope
// carrying anything outside the constants below fails Validate.
type Kind string

// Client -> server kinds.
const (
	// KindRoomSubscribe attaches the connection to a conversation's room channel.
	KindRoomSubscribe Kind = "room.subscribe"
	// KindRoomUnsubscribe detaches the connection from a room channel.
	KindRoomUnsubscribe Kind = "room.unsubscribe"

	// KindMessageSend requests persisting and fanning out a new message.
	KindMessageSend Kind = "message.send"
	// KindMessageEdit replaces the content of an own text message.
	KindMessageEdit Kind = "message.edit"
	// KindMessageDelete tombstones an own message for every viewer.
	KindMessageDelete Kind = "message.delete"
	// KindMessageDeleteForMe hides a message from the requesting viewer only.
	KindMessageDeleteForMe Kind = "message.delete_for_me"
	// KindMessageReact sets (or with an empty value clears) the caller's reaction.
	KindMessageReact Kind = "message.react"
	// KindMessageForward copies a message into another conversation.
	KindMessageForward Kind = "message.forward"

	// KindReadMark marks all eligible messages of one conversation as read.
	KindReadMark Kind = "read.mark"
	// KindTypingSet toggles the caller's typing indicator in a room.
	KindTypingSet Kind = "typing.set"

	// KindHistoryFetch requests a visibility-filtered history window.
	KindHistoryFetch Kind = "history.fetch"
	// KindSearchQuery searches message content across the caller's conversations.
	KindSearchQuery Kind = "search.query"
	// KindConversationList requests the caller's conversation summaries.
	KindConversationList Kind = "conversation.list"
)

// Server -> client kinds.
const (
	// KindHelloAck confirms the session after the upgrade (carries ids).
	KindHelloAck Kind = "hello.ack"
	// KindMessageAck acknowledges a send/forward with the canonical server ids.
	KindMessageAck Kind = "message.ack"
	// KindReadAck confirms a read.mark with the affected count.
	KindReadAck Kind = "read.ack"
	// KindError reports a rejected envelope or failed operation.
	KindError Kind = "error"

	// KindMessageNew broadcasts an accepted message to the room.
	KindMessageNew Kind = "message.new"
	// KindMessageEdited broadcasts replaced content to the room.
	KindMessageEdited Kind = "message.edited"
	// KindMessageDeleted broadcasts a tombstoned message id to the room.
	KindMessageDeleted Kind = "message.deleted"
	// KindMessageReaction broadcasts the new reaction summary of a message.
	KindMessageReaction Kind = "message.reaction"
	// KindMessageStatus broadcasts an aggregate status flip to the room.
	KindMessageStatus Kind = "message.status"
	// KindParticipantJoined/Left announce room channel membership changes.
	KindParticipantJoined Kind = "participant.joined"
	KindParticipantLeft   Kind = "participant.left"
	// KindTyping relays a typing indicator to the room.
	KindTyping Kind = "typing"

	// KindConversationUpdated refreshes a conversation's list preview.
	KindConversationUpdated Kind = "conversation.updated"
	// KindMessagesDelivered notifies a user that a recipient came online.
	KindMessagesDelivered Kind = "messages.delivered"
	// KindMessagesRead notifies a user of an aggregate read receipt.
	KindMessagesRead Kind = "messages.read"
	// KindUserOnline/Offline announce presence transitions.
	KindUserOnline  Kind = "user.online"
	KindUserOffline Kind = "user.offline"

	// KindHistoryChunk returns one window of filtered history.
	KindHistoryChunk Kind = "history.chunk"
	// KindSearchResult returns matched messages for a search query.
	KindSearchResult Kind = "search.result"
	// KindConversationListResult returns the caller's conversation summaries.
	KindConversationListResult Kind = "conversation.list.result"
)

// Valid reports whether k belongs to the closed protocol set.
func (k Kind) Valid() bool {
	switch k {
	case KindRoomSubscribe,
		KindRoomUnsubscribe,
		KindMessageSend,
		KindMessageEdit,
		KindMessageDelete,
		KindMessageDeleteForMe,
		KindMessageReact,
		KindMessageForward,
		KindReadMark,
		KindTypingSet,
		KindHistoryFetch,
		KindSearchQuery,
		KindConversationList,
		KindHelloAck,
		KindMessageAck,
		KindReadAck,
		KindError,
		KindMessageNew,
		KindMessageEdited,
		KindMessageDeleted,
		KindMessageReaction,
		KindMessageStatus,
		KindParticipantJoined,
		KindParticipantLeft,
		KindTyping,
		KindConversationUpdated,
		KindMessagesDelivered,
		KindMessagesRead,
		KindUserOnline,
		KindUserOffline,
		KindHistoryChunk,
		KindSearchResult,
		KindConversationListResult:
		return true
	default:
		return false
	}
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    Kind            `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
// Payload shape validation belongs to the handler that decodes it.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return errors.New("missing field: type")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}
