package chat

import (
	"context"
	"testing"
	"time"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mustAppend(t *testing.T, s Store, conv, sender, clientMsgID, content string, at time.Time) Message {
	t.Helper()
	res, err := s.AppendMessage(context.Background(), AppendInput{
		Draft: Draft{
			ConversationID: conv,
			SenderID:       sender,
			ClientMsgID:    clientMsgID,
			Type:           TypeText,
			Content:        content,
		},
		Now: at,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("AppendMessage(%s) unexpectedly deduplicated", clientMsgID)
	}
	return res.Stored
}

func TestMemoryStore_AppendIdempotency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	first := mustAppend(t, s, "c1", "alice", "cm-1", "hello", testBase)
	if first.Seq != 1 || first.Status != StatusSent {
		t.Fatalf("first = %+v", first)
	}

	dup, err := s.AppendMessage(ctx, AppendInput{
		Draft: Draft{ConversationID: "c1", SenderID: "alice", ClientMsgID: "cm-1", Type: TypeText, Content: "hello"},
		Now:   testBase.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if !dup.Duplicate || dup.Stored.ID != first.ID || dup.Stored.Seq != 1 {
		t.Fatalf("duplicate = %+v", dup)
	}

	second := mustAppend(t, s, "c1", "alice", "cm-2", "again", testBase.Add(2*time.Second))
	if second.Seq != 2 {
		t.Fatalf("duplicate burned a sequence number: seq = %d", second.Seq)
	}
}

func TestMemoryStore_PreviewFollowsLatestMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	m1 := mustAppend(t, s, "c1", "alice", "cm-1", "first", testBase)
	m2 := mustAppend(t, s, "c1", "bob", "cm-2", "second", testBase.Add(time.Second))

	ps, err := s.Previews(ctx, []string{"c1"})
	if err != nil {
		t.Fatalf("Previews: %v", err)
	}
	p := ps["c1"]
	if p.LastMessageID != m2.ID || p.Text != "second" {
		t.Fatalf("preview = %+v", p)
	}

	// Editing an older message leaves the preview alone.
	if _, prev, err := s.SetContent(ctx, m1.ID, "first*", testBase.Add(2*time.Second)); err != nil || prev != nil {
		t.Fatalf("SetContent(old) = %v preview %+v", err, prev)
	}

	// Editing the latest rewrites the preview text.
	_, prev, err := s.SetContent(ctx, m2.ID, "second*", testBase.Add(3*time.Second))
	if err != nil {
		t.Fatalf("SetContent(latest): %v", err)
	}
	if prev == nil || prev.Text != "second*" {
		t.Fatalf("preview after edit = %+v", prev)
	}

	// Deleting the latest blanks the preview text.
	_, prev, err = s.TombstoneMessage(ctx, m2.ID, testBase.Add(4*time.Second))
	if err != nil {
		t.Fatalf("TombstoneMessage: %v", err)
	}
	if prev == nil || prev.Text != "" {
		t.Fatalf("preview after delete = %+v", prev)
	}
}

func TestMemoryStore_TombstoneIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	m := mustAppend(t, s, "c1", "alice", "cm-1", "bye", testBase)

	first, _, err := s.TombstoneMessage(ctx, m.ID, testBase.Add(time.Second))
	if err != nil {
		t.Fatalf("first tombstone: %v", err)
	}
	if !first.DeletedGlobally || first.Content != "" {
		t.Fatalf("tombstone = %+v", first)
	}

	again, prev, err := s.TombstoneMessage(ctx, m.ID, testBase.Add(2*time.Second))
	if err != nil {
		t.Fatalf("second tombstone: %v", err)
	}
	if !again.DeletedGlobally || prev != nil {
		t.Fatalf("second tombstone = %+v preview %+v", again, prev)
	}

	if _, _, err := s.SetContent(ctx, m.ID, "resurrect", testBase.Add(3*time.Second)); KindOf(err) != KindValidation {
		t.Fatalf("edit of deleted message: kind = %v", KindOf(err))
	}
}

func TestMemoryStore_MarkDeliveredAcrossConversations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	mustAppend(t, s, "c1", "alice", "cm-1", "one", testBase)
	mustAppend(t, s, "c1", "alice", "cm-2", "two", testBase.Add(time.Second))
	mustAppend(t, s, "c2", "carol", "cm-3", "three", testBase.Add(2*time.Second))
	mustAppend(t, s, "c2", "bob", "cm-4", "own message", testBase.Add(3*time.Second))

	batches, err := s.MarkDelivered(ctx, "bob", []string{"c1", "c2", "c-empty"})
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	want := map[string]int64{"c1": 2, "c2": 1}
	if len(batches) != len(want) {
		t.Fatalf("batches = %+v", batches)
	}
	for _, b := range batches {
		if want[b.ConversationID] != b.Count {
			t.Fatalf("batch %s = %d, want %d", b.ConversationID, b.Count, want[b.ConversationID])
		}
	}

	// Second pass finds nothing left in sent.
	batches, err = s.MarkDelivered(ctx, "bob", []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("MarkDelivered again: %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("second pass batches = %+v", batches)
	}
}

func TestMemoryStore_MarkReadIsIdempotentAndSkipsOwn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	mustAppend(t, s, "c1", "alice", "cm-1", "one", testBase)
	mustAppend(t, s, "c1", "alice", "cm-2", "two", testBase.Add(time.Second))
	mine := mustAppend(t, s, "c1", "bob", "cm-3", "mine", testBase.Add(2*time.Second))

	count, err := s.MarkRead(ctx, "c1", "bob")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	got, err := s.GetMessage(ctx, mine.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != StatusSent {
		t.Fatalf("own message status = %s", got.Status)
	}

	count, err = s.MarkRead(ctx, "c1", "bob")
	if err != nil {
		t.Fatalf("MarkRead again: %v", err)
	}
	if count != 0 {
		t.Fatalf("repeat count = %d, want 0", count)
	}
}

func TestMemoryStore_ReactionsUpsertAndRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	m := mustAppend(t, s, "c1", "alice", "cm-1", "react to me", testBase)

	if _, err := s.SetReaction(ctx, m.ID, "bob", "👍", testBase.Add(time.Second)); err != nil {
		t.Fatalf("SetReaction: %v", err)
	}
	groups, err := s.SetReaction(ctx, m.ID, "carol", "👍", testBase.Add(2*time.Second))
	if err != nil {
		t.Fatalf("SetReaction: %v", err)
	}
	if len(groups) != 1 || groups[0].Count != 2 {
		t.Fatalf("groups = %+v", groups)
	}

	// Re-reacting replaces the previous value.
	groups, err = s.SetReaction(ctx, m.ID, "bob", "❤️", testBase.Add(3*time.Second))
	if err != nil {
		t.Fatalf("SetReaction replace: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups after replace = %+v", groups)
	}

	// Empty value removes.
	groups, err = s.SetReaction(ctx, m.ID, "bob", "", testBase.Add(4*time.Second))
	if err != nil {
		t.Fatalf("SetReaction remove: %v", err)
	}
	if len(groups) != 1 || groups[0].Value != "👍" || groups[0].Count != 1 {
		t.Fatalf("groups after remove = %+v", groups)
	}

	agg, err := s.Reactions(ctx, []string{m.ID, "missing"})
	if err != nil {
		t.Fatalf("Reactions: %v", err)
	}
	if len(agg) != 1 || len(agg[m.ID]) != 1 {
		t.Fatalf("aggregate = %+v", agg)
	}
}

func TestMemoryStore_SearchScopesAndFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	mustAppend(t, s, "c1", "alice", "cm-1", "Deployment schedule for Friday", testBase)
	m2 := mustAppend(t, s, "c1", "bob", "cm-2", "the DEPLOYMENT is on", testBase.Add(time.Second))
	gone := mustAppend(t, s, "c1", "alice", "cm-3", "deployment cancelled", testBase.Add(2*time.Second))
	hidden := mustAppend(t, s, "c2", "carol", "cm-4", "other deployment", testBase.Add(3*time.Second))
	mustAppend(t, s, "c3", "dave", "cm-5", "deployment outside scope", testBase.Add(4*time.Second))

	if _, _, err := s.TombstoneMessage(ctx, gone.ID, testBase.Add(5*time.Second)); err != nil {
		t.Fatalf("TombstoneMessage: %v", err)
	}
	if err := s.AddViewerDeletion(ctx, "c2", hidden.ID, "alice", testBase.Add(6*time.Second)); err != nil {
		t.Fatalf("AddViewerDeletion: %v", err)
	}

	got, err := s.Search(ctx, SearchInput{
		Query:           "deployment",
		ConversationIDs: []string{"c1", "c2"},
		ViewerID:        "alice",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %+v", got)
	}
	// Newest first.
	if got[0].ID != m2.ID {
		t.Fatalf("order = %s,%s", got[0].ID, got[1].ID)
	}

	// Another viewer still sees the per-user hidden message.
	got, err = s.Search(ctx, SearchInput{
		Query:           "deployment",
		ConversationIDs: []string{"c2"},
		ViewerID:        "carol",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != hidden.ID {
		t.Fatalf("carol results = %+v", got)
	}
}

func TestMemoryStore_HistoryPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		mustAppend(t, s, "c1", "alice", "cm-"+string(rune('a'+i)), "msg", testBase.Add(time.Duration(i)*time.Second))
	}

	res, err := s.ListMessages(ctx, ListInput{ConversationID: "c1", Limit: 2})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(res.Messages) != 2 || !res.HasMore {
		t.Fatalf("page1 = %d msgs, hasMore=%v", len(res.Messages), res.HasMore)
	}
	if res.Messages[0].Seq != 1 || res.Messages[1].Seq != 2 {
		t.Fatalf("page1 seqs = %d,%d", res.Messages[0].Seq, res.Messages[1].Seq)
	}

	after := res.Messages[1].Seq
	res, err = s.ListMessages(ctx, ListInput{ConversationID: "c1", AfterSeq: &after, Limit: 10})
	if err != nil {
		t.Fatalf("ListMessages page2: %v", err)
	}
	if len(res.Messages) != 3 || res.HasMore {
		t.Fatalf("page2 = %d msgs, hasMore=%v", len(res.Messages), res.HasMore)
	}

	end := int64(99)
	res, err = s.ListMessages(ctx, ListInput{ConversationID: "c1", AfterSeq: &end})
	if err != nil {
		t.Fatalf("ListMessages past end: %v", err)
	}
	if len(res.Messages) != 0 || res.HasMore {
		t.Fatalf("past end = %+v", res)
	}
}

func TestMemoryStore_CountUnread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	mustAppend(t, s, "c1", "alice", "cm-1", "before watermark", testBase)
	mustAppend(t, s, "c1", "alice", "cm-2", "after watermark", testBase.Add(2*time.Minute))
	mustAppend(t, s, "c1", "bob", "cm-3", "own", testBase.Add(3*time.Minute))
	gone := mustAppend(t, s, "c1", "alice", "cm-4", "deleted", testBase.Add(4*time.Minute))
	if _, _, err := s.TombstoneMessage(ctx, gone.ID, testBase.Add(5*time.Minute)); err != nil {
		t.Fatalf("TombstoneMessage: %v", err)
	}

	n, err := s.CountUnread(ctx, "c1", "bob", testBase.Add(time.Minute))
	if err != nil {
		t.Fatalf("CountUnread: %v", err)
	}
	if n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
}
