package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"relay/cmd/internal/ids"
)

const (
	memMaxMessagesPerConversation = 10_000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	defaultSearchLimit  = 50
	maxSearchLimit      = 100
)

// MemoryStore is a dev and test fallback when Postgres is not configured.
// It implements the full Store surface with the same idempotency, ordering
// and status guarantees, serialized on a single lock.
type MemoryStore struct {
	mu        sync.Mutex
	convs     map[string]*memConv
	byID      map[string]*Message
	reactions map[string][]memReaction
}

type memConv struct {
	seq       int64
	dedupe    map[string]*Message        // client_msg_id -> stored message
	msgs      []*Message                 // ordered by seq
	preview   Preview                    // zero until the first append
	deletions map[string]map[string]bool // viewer -> hidden message ids
}

type memReaction struct {
	userID string
	value  string
	at     time.Time
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:     make(map[string]*memConv),
		byID:      make(map[string]*Message),
		reactions: make(map[string][]memReaction),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// AppendMessage persists a message with idempotency, monotonic sequence
// allocation and an atomic preview refresh.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	d := in.Draft
	if d.ConversationID == "" || d.ClientMsgID == "" || d.SenderID == "" {
		return AppendResult{}, Validation("invalid append input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[d.ConversationID]
	if c == nil {
		c = &memConv{
			dedupe:    make(map[string]*Message),
			msgs:      make([]*Message, 0, 256),
			deletions: make(map[string]map[string]bool),
		}
		s.convs[d.ConversationID] = c
	}

	if existing, ok := c.dedupe[d.ClientMsgID]; ok {
		return AppendResult{Stored: *existing, Duplicate: true, Preview: c.preview}, nil
	}

	c.seq++
	msg := &Message{
		ID:             ids.MustULID(now),
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Seq:            c.seq,
		ClientMsgID:    d.ClientMsgID,
		Type:           d.Type,
		Content:        d.Content,
		FileRef:        d.FileRef,
		Status:         StatusSent,
		ReplyTo:        d.ReplyTo,
		ForwardedFrom:  d.ForwardedFrom,
		CreatedAt:      now,
	}
	c.dedupe[d.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)
	s.byID[msg.ID] = msg
	c.preview = Preview{
		ConversationID: d.ConversationID,
		LastMessageID:  msg.ID,
		Text:           previewText(*msg),
		LastActivityAt: now,
	}

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		drop := c.msgs[:len(c.msgs)-memMaxMessagesPerConversation]
		for _, old := range drop {
			delete(c.dedupe, old.ClientMsgID)
			delete(s.byID, old.ID)
			delete(s.reactions, old.ID)
		}
		c.msgs = append([]*Message(nil), c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]...)
	}

	return AppendResult{Stored: *msg, Duplicate: false, Preview: c.preview}, nil
}

// GetMessage loads one message including tombstones.
func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byID[messageID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	return *m, nil
}

// ListMessages returns messages ordered by seq ASC with paging via AfterSeq.
func (s *MemoryStore) ListMessages(ctx context.Context, in ListInput) (ListResult, error) {
	if in.ConversationID == "" {
		return ListResult{}, Validation("missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	limit := clampLimit(in.Limit, defaultHistoryLimit, maxHistoryLimit)
	fetch := limit + 1

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []Message
	if c != nil {
		snap = make([]Message, 0, len(c.msgs))
		for _, m := range c.msgs {
			snap = append(snap, *m)
		}
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return ListResult{}, nil
	}

	sort.Slice(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return ListResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return ListResult{Messages: out, HasMore: hasMore}, nil
}

// SetContent replaces a message body and stamps the edit time.
func (s *MemoryStore) SetContent(ctx context.Context, messageID, content string, at time.Time) (Message, *Preview, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byID[messageID]
	if m == nil {
		return Message{}, nil, ErrMessageNotFound
	}
	if m.DeletedGlobally {
		return Message{}, nil, Validation("message is deleted")
	}

	m.Content = content
	edited := at
	m.EditedAt = &edited

	return *m, s.refreshPreview(m), nil
}

// TombstoneMessage marks a message globally deleted. Idempotent.
func (s *MemoryStore) TombstoneMessage(ctx context.Context, messageID string, at time.Time) (Message, *Preview, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byID[messageID]
	if m == nil {
		return Message{}, nil, ErrMessageNotFound
	}
	if m.DeletedGlobally {
		return *m, nil, nil
	}

	m.DeletedGlobally = true
	m.Content = ""
	m.FileRef = ""
	m.EditedAt = nil

	return *m, s.refreshPreview(m), nil
}

// refreshPreview rewrites the conversation preview when m is its latest
// message. Callers hold s.mu.
func (s *MemoryStore) refreshPreview(m *Message) *Preview {
	c := s.convs[m.ConversationID]
	if c == nil || c.preview.LastMessageID != m.ID {
		return nil
	}
	c.preview.Text = previewText(*m)
	p := c.preview
	return &p
}

// AddViewerDeletion hides a message from one viewer. Idempotent.
func (s *MemoryStore) AddViewerDeletion(ctx context.Context, conversationID, messageID, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byID[messageID]
	if m == nil || m.ConversationID != conversationID {
		return ErrMessageNotFound
	}
	c := s.convs[conversationID]
	set := c.deletions[userID]
	if set == nil {
		set = make(map[string]bool)
		c.deletions[userID] = set
	}
	set[messageID] = true
	return nil
}

// ViewerDeletions returns the viewer's hidden message ids in a conversation.
func (s *MemoryStore) ViewerDeletions(ctx context.Context, conversationID, userID string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil || len(c.deletions[userID]) == 0 {
		return nil, nil
	}
	out := make(map[string]bool, len(c.deletions[userID]))
	for id := range c.deletions[userID] {
		out[id] = true
	}
	return out, nil
}

// SetReaction upserts one user's reaction on a message; an empty value
// removes it. Returns the refreshed aggregate.
func (s *MemoryStore) SetReaction(ctx context.Context, messageID, userID, value string, at time.Time) ([]ReactionGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byID[messageID]
	if m == nil {
		return nil, ErrMessageNotFound
	}
	if m.DeletedGlobally {
		return nil, Validation("message is deleted")
	}

	rs := s.reactions[messageID]
	kept := rs[:0]
	for _, r := range rs {
		if r.userID != userID {
			kept = append(kept, r)
		}
	}
	if value != "" {
		kept = append(kept, memReaction{userID: userID, value: value, at: at})
	}
	if len(kept) == 0 {
		delete(s.reactions, messageID)
	} else {
		s.reactions[messageID] = kept
	}

	return aggregateReactions(kept), nil
}

// Reactions returns aggregates for the given message ids.
func (s *MemoryStore) Reactions(ctx context.Context, messageIDs []string) (map[string][]ReactionGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]ReactionGroup, len(messageIDs))
	for _, id := range messageIDs {
		if groups := aggregateReactions(s.reactions[id]); len(groups) > 0 {
			out[id] = groups
		}
	}
	return out, nil
}

func aggregateReactions(rs []memReaction) []ReactionGroup {
	if len(rs) == 0 {
		return nil
	}
	byValue := make(map[string][]string, len(rs))
	for _, r := range rs {
		byValue[r.value] = append(byValue[r.value], r.userID)
	}
	values := make([]string, 0, len(byValue))
	for v := range byValue {
		values = append(values, v)
	}
	sort.Strings(values)

	out := make([]ReactionGroup, 0, len(values))
	for _, v := range values {
		users := byValue[v]
		sort.Strings(users)
		out = append(out, ReactionGroup{Value: v, Count: len(users), UserIDs: users})
	}
	return out
}

// MarkDelivered flips sent messages not authored by userID to delivered
// across the given conversations.
func (s *MemoryStore) MarkDelivered(ctx context.Context, userID string, conversationIDs []string) ([]StatusBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var batches []StatusBatch
	for _, convID := range conversationIDs {
		c := s.convs[convID]
		if c == nil {
			continue
		}
		var count int64
		for _, m := range c.msgs {
			if m.SenderID != userID && m.Status == StatusSent {
				m.Status = StatusDelivered
				count++
			}
		}
		if count > 0 {
			batches = append(batches, StatusBatch{ConversationID: convID, Count: count})
		}
	}
	return batches, nil
}

// MarkRead flips messages not authored by userID to read in one
// conversation, returning the number of rows that changed.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return 0, nil
	}
	var count int64
	for _, m := range c.msgs {
		if m.SenderID != userID && CanTransition(m.Status, StatusRead) {
			m.Status = StatusRead
			count++
		}
	}
	return count, nil
}

// Previews returns preview rows for conversations that saw a message.
func (s *MemoryStore) Previews(ctx context.Context, conversationIDs []string) (map[string]Preview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Preview, len(conversationIDs))
	for _, id := range conversationIDs {
		if c := s.convs[id]; c != nil && c.preview.LastMessageID != "" {
			out[id] = c.preview
		}
	}
	return out, nil
}

// CountUnread counts visible messages after the watermark not authored by
// userID.
func (s *MemoryStore) CountUnread(ctx context.Context, conversationID, userID string, after time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return 0, nil
	}
	hidden := c.deletions[userID]
	var count int64
	for _, m := range c.msgs {
		if m.SenderID == userID || m.DeletedGlobally || hidden[m.ID] {
			continue
		}
		if m.CreatedAt.After(after) {
			count++
		}
	}
	return count, nil
}

// Search matches non-deleted content case-insensitively, newest first.
func (s *MemoryStore) Search(ctx context.Context, in SearchInput) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(in.Query))
	if needle == "" {
		return nil, Validation("missing search query")
	}
	limit := clampLimit(in.Limit, defaultSearchLimit, maxSearchLimit)

	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []Message
	for _, convID := range in.ConversationIDs {
		c := s.convs[convID]
		if c == nil {
			continue
		}
		hidden := c.deletions[in.ViewerID]
		for _, m := range c.msgs {
			if m.DeletedGlobally || hidden[m.ID] {
				continue
			}
			if strings.Contains(strings.ToLower(m.Content), needle) {
				matches = append(matches, *m)
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
