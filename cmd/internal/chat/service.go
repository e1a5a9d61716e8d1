package chat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"relay/cmd/internal/metrics"
	"relay/cmd/internal/presence"
	v1 "relay/shared/contracts/chat/v1"
)

// Service is the delivery core. Every state-mutating operation validates,
// authorizes, commits through the Store and then returns the fan-out effects
// the transport must execute. Effects are computed strictly after the
// commit, so an executed effect always describes durable state.
type Service struct {
	store      Store
	membership MembershipResolver
	presence   *presence.Registry
	log        *slog.Logger
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the service clock. Tests use it to pin timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs the delivery core around a Store and a
// MembershipResolver. The presence registry is owned by the service; the
// transport reports raw connection lifecycle and never touches it directly.
func NewService(store Store, membership MembershipResolver, log *slog.Logger, opts ...ServiceOption) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:      store,
		membership: membership,
		presence:   presence.NewRegistry(),
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// OnlineCount reports users with at least one active connection.
func (s *Service) OnlineCount() int { return s.presence.OnlineCount() }

// IsOnline reports whether userID has at least one active connection.
func (s *Service) IsOnline(userID string) bool { return s.presence.IsOnline(userID) }

// EnsureParticipant authorizes userID against a conversation.
func (s *Service) EnsureParticipant(ctx context.Context, userID, conversationID string) error {
	ok, err := s.membership.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return asDomain("membership", err)
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

// Connect registers a device connection. On the offline-to-online
// transition it backfills delivery receipts across the user's conversations
// and announces the user online; additional devices are silent.
func (s *Service) Connect(ctx context.Context, userID, connectionID string) ([]Effect, error) {
	defer metrics.ObserveOp("connect", time.Now())

	if strings.TrimSpace(userID) == "" || strings.TrimSpace(connectionID) == "" {
		return nil, Validation("user id and connection id are required")
	}

	now := s.now()
	if s.presence.Connect(userID, connectionID, now) != presence.TransitionOnline {
		return nil, nil
	}
	s.log.Info("chat.user.online", "user_id", userID, "connection_id", connectionID)

	convs, err := s.membership.ConversationsOf(ctx, userID)
	if err != nil {
		return nil, asDomain("connect", err)
	}
	batches, err := s.store.MarkDelivered(ctx, userID, convs)
	if err != nil {
		return nil, asDomain("connect", err)
	}

	audiences := make(map[string][]string, len(batches))
	for _, b := range batches {
		ps, err := s.membership.ParticipantsOf(ctx, b.ConversationID)
		if err != nil {
			return nil, asDomain("connect", err)
		}
		audiences[b.ConversationID] = ps
	}
	if len(batches) > 0 {
		s.log.Info("chat.delivery.backfill", "user_id", userID, "conversations", len(batches))
	}

	effects := DeliveredEffects(userID, batches, audiences, now)
	effects = append(effects, PresenceEffects(v1.KindUserOnline, userID, s.presence.OnlineUsers(), now)...)
	return effects, nil
}

// Disconnect unregisters a device connection. Unknown connection ids and
// repeated disconnects are no-ops; only the last device going away
// announces the user offline.
func (s *Service) Disconnect(connectionID string) []Effect {
	userID, transition := s.presence.Disconnect(connectionID)
	if transition != presence.TransitionOffline {
		return nil
	}
	s.log.Info("chat.user.offline", "user_id", userID, "connection_id", connectionID)
	return PresenceEffects(v1.KindUserOffline, userID, s.presence.OnlineUsers(), s.now())
}

// SendInput describes a message send request.
type SendInput struct {
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Type           MessageType
	Content        string
	FileRef        string
	ReplyTo        string
}

// SendResult is the committed message the transport acknowledges with.
type SendResult struct {
	Message   Message
	Duplicate bool
}

// SendMessage validates, authorizes and persists a message, then fans it
// out. A duplicate ClientMsgID returns the original message and no effects.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (SendResult, []Effect, error) {
	defer metrics.ObserveOp("send_message", time.Now())

	draft := Draft{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ClientMsgID:    in.ClientMsgID,
		Type:           in.Type,
		Content:        strings.TrimSpace(in.Content),
		FileRef:        strings.TrimSpace(in.FileRef),
		ReplyTo:        in.ReplyTo,
	}
	if err := ValidateDraft(draft); err != nil {
		return SendResult{}, nil, err
	}
	if err := s.EnsureParticipant(ctx, in.SenderID, in.ConversationID); err != nil {
		return SendResult{}, nil, err
	}
	if in.ReplyTo != "" {
		target, err := s.store.GetMessage(ctx, in.ReplyTo)
		if err != nil {
			return SendResult{}, nil, asDomain("send", err)
		}
		if target.ConversationID != in.ConversationID {
			return SendResult{}, nil, Validation("reply target is in another conversation")
		}
	}

	res, err := s.store.AppendMessage(ctx, AppendInput{Draft: draft, Now: s.now()})
	if err != nil {
		return SendResult{}, nil, asDomain("send", err)
	}
	if res.Duplicate {
		return SendResult{Message: res.Stored, Duplicate: true}, nil, nil
	}

	participants, err := s.membership.ParticipantsOf(ctx, in.ConversationID)
	if err != nil {
		return SendResult{}, nil, asDomain("send", err)
	}
	s.log.Debug("chat.send.persisted",
		"conversation_id", res.Stored.ConversationID,
		"message_id", res.Stored.ID,
		"seq", res.Stored.Seq,
	)
	effects := NewMessageEffects(viewOf(res.Stored, nil), participants, res.Preview)
	return SendResult{Message: res.Stored}, effects, nil
}

// EditInput describes an edit request.
type EditInput struct {
	UserID    string
	MessageID string
	Content   string
}

// EditMessage replaces the content of the caller's own text message.
func (s *Service) EditMessage(ctx context.Context, in EditInput) (Message, []Effect, error) {
	defer metrics.ObserveOp("edit_message", time.Now())

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Message{}, nil, Validation("edited content is required")
	}
	if len([]rune(content)) > MaxContentChars {
		return Message{}, nil, Validation("content too long")
	}

	m, err := s.store.GetMessage(ctx, in.MessageID)
	if err != nil {
		return Message{}, nil, asDomain("edit", err)
	}
	if m.SenderID != in.UserID {
		return Message{}, nil, ErrNotSender
	}
	if m.DeletedGlobally {
		return Message{}, nil, Validation("message is deleted")
	}
	if m.Type != TypeText {
		return Message{}, nil, Validation("only text messages can be edited")
	}

	updated, preview, err := s.store.SetContent(ctx, in.MessageID, content, s.now())
	if err != nil {
		return Message{}, nil, asDomain("edit", err)
	}
	participants, err := s.membership.ParticipantsOf(ctx, m.ConversationID)
	if err != nil {
		return Message{}, nil, asDomain("edit", err)
	}
	return updated, EditedEffects(updated, preview, participants), nil
}

// DeleteMessageGlobally tombstones the caller's own message for every
// viewer. Deleting an already deleted message is a silent no-op.
func (s *Service) DeleteMessageGlobally(ctx context.Context, userID, messageID string) ([]Effect, error) {
	defer metrics.ObserveOp("delete_message", time.Now())

	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, asDomain("delete", err)
	}
	if m.SenderID != userID {
		return nil, ErrNotSender
	}
	if m.DeletedGlobally {
		return nil, nil
	}

	updated, preview, err := s.store.TombstoneMessage(ctx, messageID, s.now())
	if err != nil {
		return nil, asDomain("delete", err)
	}
	participants, err := s.membership.ParticipantsOf(ctx, m.ConversationID)
	if err != nil {
		return nil, asDomain("delete", err)
	}
	return DeletedEffects(updated, preview, participants), nil
}

// DeleteMessageForViewer hides a message from the caller only. Other
// participants are unaffected, so there is no fan-out.
func (s *Service) DeleteMessageForViewer(ctx context.Context, userID, messageID string) error {
	defer metrics.ObserveOp("delete_for_viewer", time.Now())

	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return asDomain("delete_for_viewer", err)
	}
	if err := s.EnsureParticipant(ctx, userID, m.ConversationID); err != nil {
		return err
	}
	if err := s.store.AddViewerDeletion(ctx, m.ConversationID, messageID, userID, s.now()); err != nil {
		return asDomain("delete_for_viewer", err)
	}
	return nil
}

// ReactionInput describes a reaction change.
type ReactionInput struct {
	UserID    string
	MessageID string
	Value     string
}

// SetReaction upserts the caller's reaction on a message; an empty value
// removes it. The room receives the refreshed aggregate.
func (s *Service) SetReaction(ctx context.Context, in ReactionInput) ([]Effect, error) {
	defer metrics.ObserveOp("set_reaction", time.Now())

	value := strings.TrimSpace(in.Value)
	if len([]rune(value)) > MaxReactionChars {
		return nil, Validation("reaction value too long")
	}

	m, err := s.store.GetMessage(ctx, in.MessageID)
	if err != nil {
		return nil, asDomain("react", err)
	}
	if m.DeletedGlobally {
		return nil, Validation("message is deleted")
	}
	if err := s.EnsureParticipant(ctx, in.UserID, m.ConversationID); err != nil {
		return nil, err
	}

	groups, err := s.store.SetReaction(ctx, in.MessageID, in.UserID, value, s.now())
	if err != nil {
		return nil, asDomain("react", err)
	}
	return ReactionEffects(m.ConversationID, m.ID, in.UserID, value, groups), nil
}

// ForwardInput describes a forward request.
type ForwardInput struct {
	UserID               string
	MessageID            string
	TargetConversationID string
	ClientMsgID          string
}

// ForwardMessage copies a message the caller can read into another
// conversation the caller belongs to. The copy is independent: later edits
// or deletions of the source do not touch it.
func (s *Service) ForwardMessage(ctx context.Context, in ForwardInput) (SendResult, []Effect, error) {
	defer metrics.ObserveOp("forward_message", time.Now())

	src, err := s.store.GetMessage(ctx, in.MessageID)
	if err != nil {
		return SendResult{}, nil, asDomain("forward", err)
	}
	if err := s.EnsureParticipant(ctx, in.UserID, src.ConversationID); err != nil {
		return SendResult{}, nil, err
	}

	// A message the caller deleted for themselves is gone from their view,
	// so forwarding it reports not found rather than leaking its survival.
	hidden, err := s.store.ViewerDeletions(ctx, src.ConversationID, in.UserID)
	if err != nil {
		return SendResult{}, nil, asDomain("forward", err)
	}
	if hidden[src.ID] {
		return SendResult{}, nil, ErrMessageNotFound
	}
	if src.DeletedGlobally {
		return SendResult{}, nil, Validation("cannot forward a deleted message")
	}
	if err := s.EnsureParticipant(ctx, in.UserID, in.TargetConversationID); err != nil {
		return SendResult{}, nil, err
	}

	draft := Draft{
		ConversationID: in.TargetConversationID,
		SenderID:       in.UserID,
		ClientMsgID:    in.ClientMsgID,
		Type:           src.Type,
		Content:        src.Content,
		FileRef:        src.FileRef,
		ForwardedFrom:  src.ID,
	}
	if err := ValidateDraft(draft); err != nil {
		return SendResult{}, nil, err
	}

	res, err := s.store.AppendMessage(ctx, AppendInput{Draft: draft, Now: s.now()})
	if err != nil {
		return SendResult{}, nil, asDomain("forward", err)
	}
	if res.Duplicate {
		return SendResult{Message: res.Stored, Duplicate: true}, nil, nil
	}

	participants, err := s.membership.ParticipantsOf(ctx, in.TargetConversationID)
	if err != nil {
		return SendResult{}, nil, asDomain("forward", err)
	}
	effects := NewMessageEffects(viewOf(res.Stored, nil), participants, res.Preview)
	return SendResult{Message: res.Stored}, effects, nil
}

// ReadReceipt is the aggregate result of a read.mark call.
type ReadReceipt struct {
	ConversationID string
	ReaderID       string
	Count          int64
	At             time.Time
}

// MarkRead flips everything the caller can see in one conversation to read
// and advances the caller's read watermark. Re-reading is idempotent: a
// zero count produces no fan-out.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) (ReadReceipt, []Effect, error) {
	defer metrics.ObserveOp("mark_read", time.Now())

	if err := s.EnsureParticipant(ctx, userID, conversationID); err != nil {
		return ReadReceipt{}, nil, err
	}

	now := s.now()
	count, err := s.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return ReadReceipt{}, nil, asDomain("mark_read", err)
	}
	if err := s.membership.AdvanceLastRead(ctx, conversationID, userID, now); err != nil {
		return ReadReceipt{}, nil, asDomain("mark_read", err)
	}

	receipt := ReadReceipt{ConversationID: conversationID, ReaderID: userID, Count: count, At: now}
	if count == 0 {
		return receipt, nil, nil
	}

	participants, err := s.membership.ParticipantsOf(ctx, conversationID)
	if err != nil {
		return ReadReceipt{}, nil, asDomain("mark_read", err)
	}
	return receipt, ReadEffects(conversationID, userID, count, now, participants), nil
}

// Typing relays a typing indicator to the room. Nothing is persisted and
// nothing is retried.
func (s *Service) Typing(ctx context.Context, userID, conversationID string, isTyping bool) ([]Effect, error) {
	if err := s.EnsureParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return TypingEffects(conversationID, userID, isTyping), nil
}

// HistoryInput describes a history window request.
type HistoryInput struct {
	UserID         string
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// HistoryResult is one filtered history window.
type HistoryResult struct {
	ConversationID string
	Messages       []MessageView
	HasMore        bool
}

// History returns the caller's effective view of a conversation window:
// tombstones included, own-deleted messages omitted, edits and reactions
// overlaid. The filter runs on every call so fresh deletions always win.
func (s *Service) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	defer metrics.ObserveOp("history", time.Now())

	if err := s.EnsureParticipant(ctx, in.UserID, in.ConversationID); err != nil {
		return HistoryResult{}, err
	}

	list, err := s.store.ListMessages(ctx, ListInput{
		ConversationID: in.ConversationID,
		AfterSeq:       in.AfterSeq,
		Limit:          in.Limit,
	})
	if err != nil {
		return HistoryResult{}, asDomain("history", err)
	}
	hidden, err := s.store.ViewerDeletions(ctx, in.ConversationID, in.UserID)
	if err != nil {
		return HistoryResult{}, asDomain("history", err)
	}

	live := lo.FilterMap(list.Messages, func(m Message, _ int) (string, bool) {
		return m.ID, !m.DeletedGlobally
	})
	reactions, err := s.store.Reactions(ctx, live)
	if err != nil {
		return HistoryResult{}, asDomain("history", err)
	}

	return HistoryResult{
		ConversationID: in.ConversationID,
		Messages:       ApplyVisibility(list.Messages, hidden, reactions),
		HasMore:        list.HasMore,
	}, nil
}

// Search matches content case-insensitively in one conversation or, when
// conversationID is empty, across all of the caller's conversations.
func (s *Service) Search(ctx context.Context, userID, query, conversationID string, limit int) ([]MessageView, error) {
	defer metrics.ObserveOp("search", time.Now())

	if strings.TrimSpace(query) == "" {
		return nil, Validation("search query is required")
	}

	var scope []string
	if conversationID != "" {
		if err := s.EnsureParticipant(ctx, userID, conversationID); err != nil {
			return nil, err
		}
		scope = []string{conversationID}
	} else {
		convs, err := s.membership.ConversationsOf(ctx, userID)
		if err != nil {
			return nil, asDomain("search", err)
		}
		if len(convs) == 0 {
			return nil, nil
		}
		scope = convs
	}

	matches, err := s.store.Search(ctx, SearchInput{
		Query:           query,
		ConversationIDs: scope,
		ViewerID:        userID,
		Limit:           limit,
	})
	if err != nil {
		return nil, asDomain("search", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	reactions, err := s.store.Reactions(ctx, lo.Map(matches, func(m Message, _ int) string { return m.ID }))
	if err != nil {
		return nil, asDomain("search", err)
	}
	return lo.Map(matches, func(m Message, _ int) MessageView {
		return viewOf(m, reactions[m.ID])
	}), nil
}

// Summary is one row of the caller's conversation list.
type Summary struct {
	ConversationID string
	Preview        Preview
	UnreadCount    int64
}

// Conversations lists the caller's conversations with previews and unread
// counts, most recently active first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]Summary, error) {
	defer metrics.ObserveOp("conversations", time.Now())

	convs, err := s.membership.ConversationsOf(ctx, userID)
	if err != nil {
		return nil, asDomain("conversations", err)
	}
	if len(convs) == 0 {
		return nil, nil
	}

	previews, err := s.store.Previews(ctx, convs)
	if err != nil {
		return nil, asDomain("conversations", err)
	}

	out := make([]Summary, 0, len(convs))
	for _, convID := range convs {
		sum := Summary{ConversationID: convID, Preview: previews[convID]}

		watermark, err := s.membership.LastReadAt(ctx, convID, userID)
		if err != nil {
			return nil, asDomain("conversations", err)
		}
		sum.UnreadCount, err = s.store.CountUnread(ctx, convID, userID, watermark)
		if err != nil {
			return nil, asDomain("conversations", err)
		}
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Preview.LastActivityAt, out[j].Preview.LastActivityAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out, nil
}
