package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when RELAY_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Append_Dedupe_NoSeqWaste(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-dedupe-" + randomHex(8)
	clientMsgID := "cmsg-" + randomHex(8)
	now := time.Now().UTC()

	first, err := store.AppendMessage(ctx, AppendInput{
		Draft: Draft{
			ConversationID: convID,
			SenderID:       "alice",
			ClientMsgID:    clientMsgID,
			Type:           TypeText,
			Content:        "hello",
		},
		Now: now,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("append first: expected Duplicate=false")
	}
	if first.Stored.Seq != 1 || first.Stored.Status != StatusSent {
		t.Fatalf("append first: stored=%+v", first.Stored)
	}
	if first.Preview.LastMessageID != first.Stored.ID || first.Preview.Text != "hello" {
		t.Fatalf("append first: preview=%+v", first.Preview)
	}

	second, err := store.AppendMessage(ctx, AppendInput{
		Draft: Draft{
			ConversationID: convID,
			SenderID:       "alice",
			ClientMsgID:    clientMsgID, // duplicate on purpose
			Type:           TypeText,
			Content:        "hello",
		},
		Now: now.Add(1 * time.Second),
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("append duplicate: expected Duplicate=true")
	}
	if second.Stored.ID != first.Stored.ID || second.Stored.Seq != first.Stored.Seq {
		t.Fatalf("append duplicate: stored mismatch: first=%+v second=%+v", first.Stored, second.Stored)
	}

	third, err := store.AppendMessage(ctx, AppendInput{
		Draft: Draft{
			ConversationID: convID,
			SenderID:       "alice",
			ClientMsgID:    "cmsg-" + randomHex(8),
			Type:           TypeText,
			Content:        "again",
		},
		Now: now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("append third: %v", err)
	}
	if third.Stored.Seq != 2 {
		t.Fatalf("duplicate burned a sequence number: seq=%d", third.Stored.Seq)
	}

	if cnt := mustCountMessages(t, pool, schema, convID); cnt != 2 {
		t.Fatalf("expected 2 message rows, got %d", cnt)
	}
}

func TestPostgresStore_ConcurrentAppend_StrictSeq_NoGaps(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	convID := "it-concurrency-" + randomHex(8)

	const n = 32

	var wg sync.WaitGroup
	wg.Add(n)

	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()

			_, err := store.AppendMessage(ctx, AppendInput{
				Draft: Draft{
					ConversationID: convID,
					SenderID:       "alice",
					ClientMsgID:    fmt.Sprintf("cmsg-%d-%s", i, randomHex(5)),
					Type:           TypeText,
					Content:        fmt.Sprintf("m%d", i),
				},
				Now: time.Now().UTC(),
			})
			if err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent append error: %v", err)
	}

	out, err := store.ListMessages(ctx, ListInput{ConversationID: convID, Limit: 200})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(out.Messages) != n || out.HasMore {
		t.Fatalf("expected %d messages, got %d (hasMore=%v)", n, len(out.Messages), out.HasMore)
	}

	seen := make(map[int64]struct{}, n)
	for _, m := range out.Messages {
		seen[m.Seq] = struct{}{}
	}
	// Strict: seqs must be exactly 1..n.
	for want := int64(1); want <= n; want++ {
		if _, ok := seen[want]; !ok {
			t.Fatalf("missing seq=%d (gap)", want)
		}
	}
}

func TestPostgresStore_StatusFlow_DeliveredThenRead(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convA := "it-status-a-" + randomHex(8)
	convB := "it-status-b-" + randomHex(8)

	appendText := func(conv, sender, content string) Message {
		t.Helper()
		res, err := store.AppendMessage(ctx, AppendInput{
			Draft: Draft{
				ConversationID: conv,
				SenderID:       sender,
				ClientMsgID:    "cmsg-" + randomHex(8),
				Type:           TypeText,
				Content:        content,
			},
			Now: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		return res.Stored
	}

	appendText(convA, "alice", "a1")
	appendText(convA, "alice", "a2")
	appendText(convB, "carol", "b1")
	mine := appendText(convB, "bob", "own")

	batches, err := store.MarkDelivered(ctx, "bob", []string{convA, convB})
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	want := map[string]int64{convA: 2, convB: 1}
	if len(batches) != 2 {
		t.Fatalf("batches=%+v", batches)
	}
	for _, b := range batches {
		if want[b.ConversationID] != b.Count {
			t.Fatalf("batch %s=%d want %d", b.ConversationID, b.Count, want[b.ConversationID])
		}
	}

	// Idempotent: nothing left in sent.
	batches, err = store.MarkDelivered(ctx, "bob", []string{convA, convB})
	if err != nil {
		t.Fatalf("mark delivered again: %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("second pass batches=%+v", batches)
	}

	// Own message untouched.
	got, err := store.GetMessage(ctx, mine.ID)
	if err != nil {
		t.Fatalf("get own: %v", err)
	}
	if got.Status != StatusSent {
		t.Fatalf("own status=%s", got.Status)
	}

	count, err := store.MarkRead(ctx, convA, "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if count != 2 {
		t.Fatalf("read count=%d want 2", count)
	}
	count, err = store.MarkRead(ctx, convA, "bob")
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if count != 0 {
		t.Fatalf("repeat read count=%d want 0", count)
	}
}

func TestPostgresStore_Visibility_EditDeleteSearch(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convID := "it-visibility-" + randomHex(8)
	base := time.Now().UTC().Truncate(time.Millisecond)

	appendAt := func(sender, content string, at time.Time) Message {
		t.Helper()
		res, err := store.AppendMessage(ctx, AppendInput{
			Draft: Draft{
				ConversationID: convID,
				SenderID:       sender,
				ClientMsgID:    "cmsg-" + randomHex(8),
				Type:           TypeText,
				Content:        content,
			},
			Now: at,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		return res.Stored
	}

	m1 := appendAt("alice", "rollout is 100% done", base)
	m2 := appendAt("bob", "rollout was 1000 servers", base.Add(time.Second))
	m3 := appendAt("alice", "latest rollout note", base.Add(2*time.Second))

	// Edit the latest; preview follows.
	edited, preview, err := store.SetContent(ctx, m3.ID, "latest rollout note (fixed)", base.Add(3*time.Second))
	if err != nil {
		t.Fatalf("set content: %v", err)
	}
	if edited.EditedAt == nil || edited.Content != "latest rollout note (fixed)" {
		t.Fatalf("edited=%+v", edited)
	}
	if preview == nil || preview.Text != "latest rollout note (fixed)" {
		t.Fatalf("preview=%+v", preview)
	}

	// Tombstone keeps the row but clears content.
	gone, _, err := store.TombstoneMessage(ctx, m2.ID, base.Add(4*time.Second))
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if !gone.DeletedGlobally || gone.Content != "" {
		t.Fatalf("tombstone=%+v", gone)
	}
	if _, _, err := store.TombstoneMessage(ctx, m2.ID, base.Add(5*time.Second)); err != nil {
		t.Fatalf("tombstone repeat: %v", err)
	}

	// Viewer deletion hides m1 for bob only.
	if err := store.AddViewerDeletion(ctx, convID, m1.ID, "bob", base.Add(6*time.Second)); err != nil {
		t.Fatalf("viewer deletion: %v", err)
	}
	hidden, err := store.ViewerDeletions(ctx, convID, "bob")
	if err != nil {
		t.Fatalf("viewer deletions: %v", err)
	}
	if !hidden[m1.ID] {
		t.Fatalf("hidden=%+v", hidden)
	}

	// History keeps all rows, tombstone included.
	list, err := store.ListMessages(ctx, ListInput{ConversationID: convID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Messages) != 3 {
		t.Fatalf("list len=%d", len(list.Messages))
	}

	// Search skips the tombstone and bob's hidden message, and the LIKE
	// escaping makes "100%" match literally.
	got, err := store.Search(ctx, SearchInput{
		Query:           "rollout",
		ConversationIDs: []string{convID},
		ViewerID:        "bob",
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != m3.ID {
		t.Fatalf("search got=%+v", got)
	}

	got, err = store.Search(ctx, SearchInput{
		Query:           "100%",
		ConversationIDs: []string{convID},
		ViewerID:        "alice",
	})
	if err != nil {
		t.Fatalf("search escaped: %v", err)
	}
	if len(got) != 1 || got[0].ID != m1.ID {
		t.Fatalf("escaped search got=%+v", got)
	}
}

func TestPostgresStore_Reactions(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-react-" + randomHex(8)
	res, err := store.AppendMessage(ctx, AppendInput{
		Draft: Draft{
			ConversationID: convID,
			SenderID:       "alice",
			ClientMsgID:    "cmsg-" + randomHex(8),
			Type:           TypeText,
			Content:        "react to me",
		},
		Now: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	msgID := res.Stored.ID
	now := time.Now().UTC()

	if _, err := store.SetReaction(ctx, msgID, "bob", "👍", now); err != nil {
		t.Fatalf("react bob: %v", err)
	}
	groups, err := store.SetReaction(ctx, msgID, "carol", "👍", now.Add(time.Second))
	if err != nil {
		t.Fatalf("react carol: %v", err)
	}
	if len(groups) != 1 || groups[0].Count != 2 || len(groups[0].UserIDs) != 2 {
		t.Fatalf("groups=%+v", groups)
	}

	groups, err = store.SetReaction(ctx, msgID, "bob", "❤️", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("react replace: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups after replace=%+v", groups)
	}

	groups, err = store.SetReaction(ctx, msgID, "bob", "", now.Add(3*time.Second))
	if err != nil {
		t.Fatalf("react remove: %v", err)
	}
	if len(groups) != 1 || groups[0].Value != "👍" || groups[0].Count != 1 {
		t.Fatalf("groups after remove=%+v", groups)
	}
}

// ---- test helpers ----

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("RELAY_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: RELAY_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse RELAY_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	// Validate acquire quickly.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "relay_it_" + strings.ToLower(randomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	messages := pgIdent(schema, "messages")
	cursors := pgIdent(schema, "conversation_cursors")
	previews := pgIdent(schema, "conversation_previews")
	reactions := pgIdent(schema, "message_reactions")
	deletions := pgIdent(schema, "message_deletions")
	members := pgIdent(schema, "conversation_members")

	// Minimal schema required by PostgresStore and PostgresMembership.
	// Must remain semantically aligned with infra/db/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id               TEXT PRIMARY KEY,
  conversation_id  TEXT NOT NULL,
  seq              BIGINT NOT NULL,
  client_msg_id    TEXT NOT NULL,
  sender_id        TEXT NOT NULL,
  type             TEXT NOT NULL CHECK (type IN ('text', 'file', 'image', 'voice')),
  content          TEXT NOT NULL DEFAULT '',
  file_ref         TEXT NOT NULL DEFAULT '',
  status           TEXT NOT NULL DEFAULT 'sent' CHECK (status IN ('sent', 'delivered', 'read')),
  deleted_globally BOOLEAN NOT NULL DEFAULT FALSE,
  edited_at        TIMESTAMPTZ,
  reply_to         TEXT NOT NULL DEFAULT '',
  forwarded_from   TEXT NOT NULL DEFAULT '',
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq),
  CONSTRAINT uq_messages_conversation_client_msg UNIQUE (conversation_id, client_msg_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq_asc
  ON %s (conversation_id, seq ASC);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_status
  ON %s (conversation_id, status);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id  TEXT PRIMARY KEY,
  last_message_id  TEXT NOT NULL,
  preview          TEXT NOT NULL DEFAULT '',
  last_activity_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS %s (
  message_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  value      TEXT NOT NULL CHECK (char_length(value) > 0 AND char_length(value) <= 64),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL,
  message_id      TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id         TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (message_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_message_deletions_conversation_user
  ON %s (conversation_id, user_id);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL,
  user_id         TEXT NOT NULL,
  last_read_at    TIMESTAMPTZ,
  joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_members_user
  ON %s (user_id);
`, messages, messages, messages, cursors, previews,
		reactions, messages, deletions, messages, deletions,
		members, members)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustCountMessages(t *testing.T, pool *pgxpool.Pool, schema string, conversationID string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "messages")+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count messages: %v", err)
	}

	return cnt
}
