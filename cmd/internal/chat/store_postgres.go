package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/cmd/internal/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-conversation transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
//   - Preview rows that always reflect the committed message state
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageCols = `id, conversation_id, seq, client_msg_id, sender_id, type, content, file_ref, status, deleted_globally, edited_at, reply_to, forwarded_from, created_at`

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m      Message
		typ    string
		status string
	)
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Seq,
		&m.ClientMsgID,
		&m.SenderID,
		&typ,
		&m.Content,
		&m.FileRef,
		&status,
		&m.DeletedGlobally,
		&m.EditedAt,
		&m.ReplyTo,
		&m.ForwardedFrom,
		&m.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	m.Type = MessageType(typ)
	m.Status = Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	if m.EditedAt != nil {
		at := m.EditedAt.UTC()
		m.EditedAt = &at
	}
	return m, nil
}

// AppendMessage appends a message with idempotency, monotonic sequence
// allocation and the preview upsert in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("chat: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")
	previews := pgIdent(s.schema, "conversation_previews")

	// Serialize all writes per conversation to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	//
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, d.ConversationID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, d.ConversationID, d.ClientMsgID)
	if err == nil {
		preview, perr := readPreview(ctx, tx, previews, d.ConversationID)
		if perr != nil && !errors.Is(perr, pgx.ErrNoRows) {
			return AppendResult{}, perr
		}
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicate: true, Preview: preview}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		d.ConversationID,
	); err != nil {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		d.ConversationID,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	msg := Message{
		ID:             ids.MustULID(now),
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Seq:            seq,
		ClientMsgID:    d.ClientMsgID,
		Type:           d.Type,
		Content:        d.Content,
		FileRef:        d.FileRef,
		Status:         StatusSent,
		ReplyTo:        d.ReplyTo,
		ForwardedFrom:  d.ForwardedFrom,
		CreatedAt:      now,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, client_msg_id, sender_id, type, content, file_ref, status, reply_to, forwarded_from, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.ClientMsgID, msg.SenderID,
		string(msg.Type), msg.Content, msg.FileRef, string(msg.Status),
		msg.ReplyTo, msg.ForwardedFrom, msg.CreatedAt,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	preview := Preview{
		ConversationID: msg.ConversationID,
		LastMessageID:  msg.ID,
		Text:           previewText(msg),
		LastActivityAt: now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+previews+` (conversation_id, last_message_id, preview, last_activity_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id) DO UPDATE
		    SET last_message_id  = EXCLUDED.last_message_id,
		        preview          = EXCLUDED.preview,
		        last_activity_at = EXCLUDED.last_activity_at`,
		preview.ConversationID, preview.LastMessageID, preview.Text, preview.LastActivityAt,
	); err != nil {
		return AppendResult{}, fmt.Errorf("upsert preview: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: msg, Duplicate: false, Preview: preview}, nil
}

// GetMessage loads one message including tombstones.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	messages := pgIdent(s.schema, "messages")

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM `+messages+` WHERE id = $1`,
		messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns messages ordered by seq ASC, with optional paging by
// AfterSeq. Tombstones are included.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListInput) (ListResult, error) {
	if s == nil || s.pool == nil {
		return ListResult{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" {
		return ListResult{}, Validation("missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	limit := clampLimit(in.Limit, defaultHistoryLimit, maxHistoryLimit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageCols+`
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageCols+`
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.ConversationID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return ListResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListResult{Messages: msgs, HasMore: hasMore}, nil
}

// SetContent replaces a message body and stamps the edit time, refreshing
// the preview when the message is the conversation's latest.
func (s *PostgresStore) SetContent(ctx context.Context, messageID, content string, at time.Time) (Message, *Preview, error) {
	current, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, nil, err
	}
	if current.DeletedGlobally {
		return Message{}, nil, Validation("message is deleted")
	}

	messages := pgIdent(s.schema, "messages")
	update := `UPDATE ` + messages + `
	    SET content = $2, edited_at = $3
	  WHERE id = $1 AND NOT deleted_globally
	RETURNING ` + messageCols

	m, p, err := s.mutateMessage(ctx, current.ConversationID, update, messageID, content, at.UTC())
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a race with a delete; the row is a tombstone now.
		return Message{}, nil, Validation("message is deleted")
	}
	return m, p, err
}

// TombstoneMessage marks a message globally deleted, clearing content while
// keeping the row. Idempotent.
func (s *PostgresStore) TombstoneMessage(ctx context.Context, messageID string, at time.Time) (Message, *Preview, error) {
	current, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, nil, err
	}
	if current.DeletedGlobally {
		return current, nil, nil
	}

	messages := pgIdent(s.schema, "messages")
	update := `UPDATE ` + messages + `
	    SET deleted_globally = TRUE, content = '', file_ref = '', edited_at = NULL
	  WHERE id = $1 AND NOT deleted_globally
	RETURNING ` + messageCols

	m, p, err := s.mutateMessage(ctx, current.ConversationID, update, messageID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a race with another delete; the end state is the same.
		m, gerr := s.GetMessage(ctx, messageID)
		if gerr != nil {
			return Message{}, nil, gerr
		}
		return m, nil, nil
	}
	return m, p, err
}

// mutateMessage runs a single-row guarded update plus the dependent preview
// refresh under the conversation's advisory lock.
func (s *PostgresStore) mutateMessage(ctx context.Context, conversationID, update string, args ...any) (Message, *Preview, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return Message{}, nil, fmt.Errorf("advisory lock: %w", err)
	}

	m, err := scanMessage(tx.QueryRow(ctx, update, args...))
	if err != nil {
		return Message{}, nil, err
	}

	previews := pgIdent(s.schema, "conversation_previews")
	var preview *Preview
	p, err := func() (Preview, error) {
		var p Preview
		err := tx.QueryRow(ctx,
			`UPDATE `+previews+`
			    SET preview = $3
			  WHERE conversation_id = $1 AND last_message_id = $2
			RETURNING conversation_id, last_message_id, preview, last_activity_at`,
			m.ConversationID, m.ID, previewText(m),
		).Scan(&p.ConversationID, &p.LastMessageID, &p.Text, &p.LastActivityAt)
		return p, err
	}()
	switch {
	case err == nil:
		p.LastActivityAt = p.LastActivityAt.UTC()
		preview = &p
	case errors.Is(err, pgx.ErrNoRows):
		// Not the latest message; the preview stands.
	default:
		return Message{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, nil, err
	}
	return m, preview, nil
}

// AddViewerDeletion hides a message from one viewer. Idempotent.
func (s *PostgresStore) AddViewerDeletion(ctx context.Context, conversationID, messageID, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	messages := pgIdent(s.schema, "messages")
	deletions := pgIdent(s.schema, "message_deletions")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+messages+` WHERE id = $1 AND conversation_id = $2`,
		messageID, conversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+deletions+` (conversation_id, message_id, user_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		conversationID, messageID, userID, at.UTC(),
	)
	return err
}

// ViewerDeletions returns the viewer's hidden message ids in a conversation.
func (s *PostgresStore) ViewerDeletions(ctx context.Context, conversationID, userID string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deletions := pgIdent(s.schema, "message_deletions")

	rows, err := s.pool.Query(ctx,
		`SELECT message_id FROM `+deletions+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out map[string]bool
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[string]bool)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// SetReaction upserts one user's reaction on a message; an empty value
// removes it. Returns the refreshed aggregate.
func (s *PostgresStore) SetReaction(ctx context.Context, messageID, userID, value string, at time.Time) ([]ReactionGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messages := pgIdent(s.schema, "messages")
	reactions := pgIdent(s.schema, "message_reactions")

	var deleted bool
	err := s.pool.QueryRow(ctx,
		`SELECT deleted_globally FROM `+messages+` WHERE id = $1`,
		messageID,
	).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, Validation("message is deleted")
	}

	if value == "" {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM `+reactions+` WHERE message_id = $1 AND user_id = $2`,
			messageID, userID,
		)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO `+reactions+` (message_id, user_id, value, created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (message_id, user_id) DO UPDATE
			    SET value = EXCLUDED.value, created_at = EXCLUDED.created_at`,
			messageID, userID, value, at.UTC(),
		)
	}
	if err != nil {
		return nil, err
	}

	agg, err := s.Reactions(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	return agg[messageID], nil
}

// Reactions returns aggregates for the given message ids.
func (s *PostgresStore) Reactions(ctx context.Context, messageIDs []string) (map[string][]ReactionGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(messageIDs) == 0 {
		return map[string][]ReactionGroup{}, nil
	}
	reactions := pgIdent(s.schema, "message_reactions")

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, value, COUNT(*), array_agg(user_id ORDER BY user_id)
		   FROM `+reactions+`
		  WHERE message_id = ANY($1)
		  GROUP BY message_id, value
		  ORDER BY message_id, value`,
		messageIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]ReactionGroup)
	for rows.Next() {
		var (
			msgID string
			g     ReactionGroup
		)
		if err := rows.Scan(&msgID, &g.Value, &g.Count, &g.UserIDs); err != nil {
			return nil, err
		}
		out[msgID] = append(out[msgID], g)
	}
	return out, rows.Err()
}

// MarkDelivered flips sent messages not authored by userID to delivered
// across the given conversations, one statement, idempotent.
func (s *PostgresStore) MarkDelivered(ctx context.Context, userID string, conversationIDs []string) ([]StatusBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`WITH flipped AS (
		     UPDATE `+messages+`
		        SET status = 'delivered'
		      WHERE conversation_id = ANY($2)
		        AND sender_id <> $1
		        AND status = 'sent'
		     RETURNING conversation_id
		 )
		 SELECT conversation_id, COUNT(*)
		   FROM flipped
		  GROUP BY conversation_id
		  ORDER BY conversation_id`,
		userID, conversationIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []StatusBatch
	for rows.Next() {
		var b StatusBatch
		if err := rows.Scan(&b.ConversationID, &b.Count); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// MarkRead flips every message not authored by userID to read in one
// conversation, returning the number of rows that changed. Idempotent.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	messages := pgIdent(s.schema, "messages")

	var count int64
	err := s.pool.QueryRow(ctx,
		`WITH flipped AS (
		     UPDATE `+messages+`
		        SET status = 'read'
		      WHERE conversation_id = $1
		        AND sender_id <> $2
		        AND status <> 'read'
		     RETURNING 1
		 )
		 SELECT COUNT(*) FROM flipped`,
		conversationID, userID,
	).Scan(&count)
	return count, err
}

// Previews returns preview rows for conversations that saw a message.
func (s *PostgresStore) Previews(ctx context.Context, conversationIDs []string) (map[string]Preview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(conversationIDs) == 0 {
		return map[string]Preview{}, nil
	}
	previews := pgIdent(s.schema, "conversation_previews")

	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, last_message_id, preview, last_activity_at
		   FROM `+previews+`
		  WHERE conversation_id = ANY($1)`,
		conversationIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Preview, len(conversationIDs))
	for rows.Next() {
		var p Preview
		if err := rows.Scan(&p.ConversationID, &p.LastMessageID, &p.Text, &p.LastActivityAt); err != nil {
			return nil, err
		}
		p.LastActivityAt = p.LastActivityAt.UTC()
		out[p.ConversationID] = p
	}
	return out, rows.Err()
}

// CountUnread counts visible messages after the watermark not authored by
// userID.
func (s *PostgresStore) CountUnread(ctx context.Context, conversationID, userID string, after time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	messages := pgIdent(s.schema, "messages")
	deletions := pgIdent(s.schema, "message_deletions")

	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		   FROM `+messages+` m
		  WHERE m.conversation_id = $1
		    AND m.sender_id <> $2
		    AND m.created_at > $3
		    AND NOT m.deleted_globally
		    AND NOT EXISTS (
		        SELECT 1 FROM `+deletions+` d
		         WHERE d.message_id = m.id AND d.user_id = $2
		    )`,
		conversationID, userID, after.UTC(),
	).Scan(&count)
	return count, err
}

// Search matches non-deleted content case-insensitively, newest first,
// honoring the viewer's per-user deletions.
func (s *PostgresStore) Search(ctx context.Context, in SearchInput) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.TrimSpace(in.Query)
	if needle == "" {
		return nil, Validation("missing search query")
	}
	if len(in.ConversationIDs) == 0 {
		return nil, nil
	}
	limit := clampLimit(in.Limit, defaultSearchLimit, maxSearchLimit)

	messages := pgIdent(s.schema, "messages")
	deletions := pgIdent(s.schema, "message_deletions")

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+`
		   FROM `+messages+` m
		  WHERE m.conversation_id = ANY($1)
		    AND NOT m.deleted_globally
		    AND m.content ILIKE $2
		    AND NOT EXISTS (
		        SELECT 1 FROM `+deletions+` d
		         WHERE d.message_id = m.id AND d.user_id = $3
		    )
		  ORDER BY m.created_at DESC, m.id DESC
		  LIMIT $4`,
		in.ConversationIDs, "%"+escapeLike(needle)+"%", in.ViewerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func readMessageByClientMsgID(ctx context.Context, q pgQuerier, messagesTable, conversationID, clientMsgID string) (Message, error) {
	return scanMessage(q.QueryRow(ctx,
		`SELECT `+messageCols+`
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	))
}

func readPreview(ctx context.Context, q pgQuerier, previewsTable, conversationID string) (Preview, error) {
	var p Preview
	err := q.QueryRow(ctx,
		`SELECT conversation_id, last_message_id, preview, last_activity_at
		   FROM `+previewsTable+`
		  WHERE conversation_id = $1`,
		conversationID,
	).Scan(&p.ConversationID, &p.LastMessageID, &p.Text, &p.LastActivityAt)
	if err != nil {
		return Preview{}, err
	}
	p.LastActivityAt = p.LastActivityAt.UTC()
	return p, nil
}

// likeEscaper neutralizes LIKE metacharacters in user search input.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
