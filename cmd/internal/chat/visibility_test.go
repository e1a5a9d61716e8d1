package chat

import (
	"testing"
	"time"
)

func testMessage(id string, seq int64, mutate func(*Message)) Message {
	m := Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "alice",
		Seq:            seq,
		ClientMsgID:    "cm-" + id,
		Type:           TypeText,
		Content:        "content of " + id,
		Status:         StatusSent,
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&m)
	}
	return m
}

func TestApplyVisibility_ViewerDeletionOmitsEntirely(t *testing.T) {
	t.Parallel()

	raw := []Message{
		testMessage("m1", 1, nil),
		testMessage("m2", 2, nil),
		testMessage("m3", 3, nil),
	}
	got := ApplyVisibility(raw, map[string]bool{"m2": true}, nil)

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m3" {
		t.Fatalf("ids = %s,%s; want m1,m3", got[0].ID, got[1].ID)
	}
	for _, v := range got {
		if v.Deleted {
			t.Fatalf("message %s unexpectedly tombstoned", v.ID)
		}
	}
}

func TestApplyVisibility_GlobalDeletionKeepsOrderingMetadata(t *testing.T) {
	t.Parallel()

	edited := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	raw := []Message{
		testMessage("m1", 1, nil),
		testMessage("m2", 2, func(m *Message) {
			m.DeletedGlobally = true
			m.Content = "should not leak"
			m.FileRef = "files/secret.png"
			m.EditedAt = &edited
			m.ReplyTo = "m1"
		}),
	}
	reactions := map[string][]ReactionGroup{
		"m2": {{Value: "👍", Count: 2, UserIDs: []string{"bob", "carol"}}},
	}

	got := ApplyVisibility(raw, nil, reactions)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	ts := got[1]
	if !ts.Deleted {
		t.Fatal("global deletion did not mark the view deleted")
	}
	if ts.ID != "m2" || ts.Seq != 2 || ts.SenderID != "alice" || ts.ReplyTo != "m1" {
		t.Fatalf("tombstone lost ordering metadata: %+v", ts)
	}
	if ts.Content != "" || ts.FileRef != "" || ts.EditedAt != nil || ts.Reactions != nil {
		t.Fatalf("tombstone leaked content state: %+v", ts)
	}
}

func TestApplyVisibility_ReactionOverlay(t *testing.T) {
	t.Parallel()

	raw := []Message{
		testMessage("m1", 1, nil),
		testMessage("m2", 2, nil),
	}
	reactions := map[string][]ReactionGroup{
		"m1": {{Value: "❤️", Count: 1, UserIDs: []string{"bob"}}},
	}

	got := ApplyVisibility(raw, nil, reactions)
	if len(got[0].Reactions) != 1 || got[0].Reactions[0].Value != "❤️" {
		t.Fatalf("m1 reactions = %+v", got[0].Reactions)
	}
	if got[1].Reactions != nil {
		t.Fatalf("m2 has reactions it never received: %+v", got[1].Reactions)
	}
}

func TestApplyVisibility_EditShowsCurrentContent(t *testing.T) {
	t.Parallel()

	edited := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	raw := []Message{
		testMessage("m1", 1, func(m *Message) {
			m.Content = "edited body"
			m.EditedAt = &edited
		}),
	}

	got := ApplyVisibility(raw, nil, nil)
	if got[0].Content != "edited body" {
		t.Fatalf("content = %q, want edited body", got[0].Content)
	}
	if got[0].EditedAt == nil || !got[0].EditedAt.Equal(edited) {
		t.Fatalf("editedAt = %v, want %v", got[0].EditedAt, edited)
	}
}

func TestApplyVisibility_EmptyInput(t *testing.T) {
	t.Parallel()

	if got := ApplyVisibility(nil, nil, nil); len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}
