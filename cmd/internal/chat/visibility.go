package chat

// The visibility filter computes a viewer's effective message sequence. It
// is reapplied on every read path (history, search, previews are derived at
// write time) so a fresh deletion or edit is never masked by stale state.
//
// Rules, in order:
//  1. a globally deleted message becomes a tombstone: id/seq/sender survive
//     so ordering and reply threading stay resolvable, content does not;
//  2. a message in the viewer's own deletion set is omitted entirely;
//  3. surviving messages carry their current content (edits are stored in
//     place) and reaction summary.

// ApplyVisibility filters a raw ordered sequence for one viewer.
// viewerDeleted holds the viewer's PerUserDeletion message ids; reactions
// maps message id to its current aggregate summary.
func ApplyVisibility(raw []Message, viewerDeleted map[string]bool, reactions map[string][]ReactionGroup) []MessageView {
	out := make([]MessageView, 0, len(raw))
	for _, m := range raw {
		if viewerDeleted[m.ID] {
			continue
		}
		if m.DeletedGlobally {
			out = append(out, Tombstone(m))
			continue
		}
		out = append(out, viewOf(m, reactions[m.ID]))
	}
	return out
}

// Tombstone is the every-viewer representation of a globally deleted
// message: deleted flag set, content/file/edit/reaction state cleared.
func Tombstone(m Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Type:           m.Type,
		Status:         m.Status,
		Deleted:        true,
		ReplyTo:        m.ReplyTo,
		ForwardedFrom:  m.ForwardedFrom,
		CreatedAt:      m.CreatedAt,
	}
}

func viewOf(m Message, groups []ReactionGroup) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Type:           m.Type,
		Content:        m.Content,
		FileRef:        m.FileRef,
		Status:         m.Status,
		EditedAt:       m.EditedAt,
		ReplyTo:        m.ReplyTo,
		ForwardedFrom:  m.ForwardedFrom,
		Reactions:      groups,
		CreatedAt:      m.CreatedAt,
	}
}
