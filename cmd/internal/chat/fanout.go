package chat

import (
	"sort"
	"time"

	"github.com/samber/lo"

	v1 "relay/shared/contracts/chat/v1"
)

// Fan-out effect builders. Every builder is pure: it derives the audience
// from the participant set it is handed and never reads shared state, so
// ordering is fully determined by the caller's commit sequence.
//
// Audience rules: room effects reach whoever is subscribed to the
// conversation's room channel at execution time; user effects reach every
// listed participant except the acting user, regardless of room
// subscription.

// NewMessageEffects fans out a freshly persisted message: the full payload
// to the room channel, then one lightweight conversation.updated per
// participant other than the sender. The sender never receives its own
// notification (its reply is the ack).
func NewMessageEffects(view MessageView, participants []string, preview Preview) []Effect {
	effects := make([]Effect, 0, len(participants)+1)
	effects = append(effects, RoomEffect(view.ConversationID, v1.KindMessageNew, WireMessage(view)))

	updated := wirePreview(preview)
	for _, p := range others(participants, view.SenderID) {
		effects = append(effects, UserEffect(p, v1.KindConversationUpdated, updated))
	}
	return effects
}

// EditedEffects announces replaced content to the room and, when the edit
// touched the conversation preview, refreshes the other participants' lists.
func EditedEffects(msg Message, preview *Preview, participants []string) []Effect {
	editedAt := msg.CreatedAt
	if msg.EditedAt != nil {
		editedAt = *msg.EditedAt
	}

	effects := []Effect{RoomEffect(msg.ConversationID, v1.KindMessageEdited, v1.MessageEditedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		EditedAt:       editedAt,
	})}
	return appendPreviewEffects(effects, preview, participants, msg.SenderID)
}

// DeletedEffects announces a tombstone to the room and, when the deleted
// message was the conversation's last, refreshes the other participants'
// lists with the recomputed preview.
func DeletedEffects(msg Message, preview *Preview, participants []string) []Effect {
	effects := []Effect{RoomEffect(msg.ConversationID, v1.KindMessageDeleted, v1.MessageDeletedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})}
	return appendPreviewEffects(effects, preview, participants, msg.SenderID)
}

// ReactionEffects announces a reaction change with the message's new
// aggregate summary. Reactions never touch previews, so the room event is
// the whole fan-out.
func ReactionEffects(conversationID, messageID, userID, value string, groups []ReactionGroup) []Effect {
	return []Effect{RoomEffect(conversationID, v1.KindMessageReaction, v1.MessageReactionPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         userID,
		Value:          value,
		Reactions:      wireReactions(groups),
	})}
}

// ReadEffects emits the single aggregate read receipt: one room status
// event plus one messages.read per participant other than the reader.
func ReadEffects(conversationID, readerID string, count int64, at time.Time, participants []string) []Effect {
	effects := []Effect{RoomEffect(conversationID, v1.KindMessageStatus, v1.MessageStatusPayload{
		ConversationID: conversationID,
		Status:         string(StatusRead),
		UserID:         readerID,
		Count:          count,
		At:             at,
	})}

	receipt := v1.MessagesReadPayload{
		ConversationID: conversationID,
		ReaderID:       readerID,
		Count:          count,
		At:             at,
	}
	for _, p := range others(participants, readerID) {
		effects = append(effects, UserEffect(p, v1.KindMessagesRead, receipt))
	}
	return effects
}

// DeliveredEffects emits the became-online backfill receipts: for each
// conversation with transitioned messages, one room status event plus one
// messages.delivered per participant other than the user who came online.
func DeliveredEffects(userID string, batches []StatusBatch, participants map[string][]string, at time.Time) []Effect {
	var effects []Effect
	for _, b := range batches {
		if b.Count == 0 {
			continue
		}

		effects = append(effects, RoomEffect(b.ConversationID, v1.KindMessageStatus, v1.MessageStatusPayload{
			ConversationID: b.ConversationID,
			Status:         string(StatusDelivered),
			UserID:         userID,
			Count:          b.Count,
			At:             at,
		}))

		receipt := v1.MessagesDeliveredPayload{
			ConversationID: b.ConversationID,
			UserID:         userID,
			Count:          b.Count,
			At:             at,
		}
		for _, p := range others(participants[b.ConversationID], userID) {
			effects = append(effects, UserEffect(p, v1.KindMessagesDelivered, receipt))
		}
	}
	return effects
}

// PresenceEffects announces a presence transition to every other online
// user.
func PresenceEffects(kind v1.Kind, userID string, onlineUsers []string, at time.Time) []Effect {
	payload := v1.UserPresencePayload{UserID: userID, At: at}

	effects := make([]Effect, 0, len(onlineUsers))
	for _, u := range others(onlineUsers, userID) {
		effects = append(effects, UserEffect(u, kind, payload))
	}
	return effects
}

// TypingEffects relays a typing indicator to the room; nothing is persisted.
func TypingEffects(conversationID, userID string, isTyping bool) []Effect {
	return []Effect{RoomEffect(conversationID, v1.KindTyping, v1.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})}
}

func appendPreviewEffects(effects []Effect, preview *Preview, participants []string, actorID string) []Effect {
	if preview == nil {
		return effects
	}
	updated := wirePreview(*preview)
	for _, p := range others(participants, actorID) {
		effects = append(effects, UserEffect(p, v1.KindConversationUpdated, updated))
	}
	return effects
}

// others returns the deduplicated participant set minus the acting user,
// sorted for deterministic effect ordering.
func others(participants []string, exclude string) []string {
	out := lo.Filter(lo.Uniq(participants), func(p string, _ int) bool {
		return p != "" && p != exclude
	})
	sort.Strings(out)
	return out
}

// ---- wire mapping ----

// WireMessage converts a per-viewer message view to its wire payload.
func WireMessage(v MessageView) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             v.ID,
		ConversationID: v.ConversationID,
		SenderID:       v.SenderID,
		Seq:            v.Seq,
		Type:           string(v.Type),
		Content:        v.Content,
		FileRef:        v.FileRef,
		Status:         string(v.Status),
		Deleted:        v.Deleted,
		EditedAt:       v.EditedAt,
		ReplyTo:        v.ReplyTo,
		ForwardedFrom:  v.ForwardedFrom,
		Reactions:      wireReactions(v.Reactions),
		CreatedAt:      v.CreatedAt,
	}
}

// WireMessages converts a filtered window preserving order.
func WireMessages(views []MessageView) []v1.MessagePayload {
	return lo.Map(views, func(v MessageView, _ int) v1.MessagePayload {
		return WireMessage(v)
	})
}

func wireReactions(groups []ReactionGroup) []v1.ReactionGroup {
	if len(groups) == 0 {
		return nil
	}
	return lo.Map(groups, func(g ReactionGroup, _ int) v1.ReactionGroup {
		return v1.ReactionGroup{Value: g.Value, Count: g.Count, UserIDs: g.UserIDs}
	})
}

func wirePreview(p Preview) v1.ConversationUpdatedPayload {
	return v1.ConversationUpdatedPayload{
		ConversationID: p.ConversationID,
		LastMessageID:  p.LastMessageID,
		Preview:        p.Text,
		LastActivityAt: p.LastActivityAt,
	}
}
