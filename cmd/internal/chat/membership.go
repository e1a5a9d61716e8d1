package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MembershipResolver defines the authorization boundary for conversation
// membership and the per-member read watermark.
type MembershipResolver interface {
	// IsParticipant returns true if userID is a member of conversationID.
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)

	// ParticipantsOf returns the member user ids of one conversation.
	ParticipantsOf(ctx context.Context, conversationID string) ([]string, error)

	// ConversationsOf returns every conversation userID belongs to.
	ConversationsOf(ctx context.Context, userID string) ([]string, error)

	// LastReadAt returns the member's read watermark, zero when never set.
	LastReadAt(ctx context.Context, conversationID, userID string) (time.Time, error)

	// AdvanceLastRead moves the watermark forward, never backward.
	AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error
}

// PostgresMembership resolves membership via relay.conversation_members.
type PostgresMembership struct {
	pool   *pgxpool.Pool
	schema string
}

// MembershipOption configures PostgresMembership behavior.
type MembershipOption func(*PostgresMembership) error

// WithMembershipSchema sets the DB schema used by the resolver (default: "relay").
func WithMembershipSchema(schema string) MembershipOption {
	return func(s *PostgresMembership) error {
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

// NewPostgresMembership constructs a membership resolver backed by PostgreSQL.
func NewPostgresMembership(pool *pgxpool.Pool, opts ...MembershipOption) (*PostgresMembership, error) {
	st := &PostgresMembership{
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

// IsParticipant checks if userID is a member of conversationID.
func (s *PostgresMembership) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil membership resolver")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "conversation_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ParticipantsOf returns the member user ids of one conversation.
func (s *PostgresMembership) ParticipantsOf(ctx context.Context, conversationID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members := pgIdent(s.schema, "conversation_members")

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+members+` WHERE conversation_id = $1 ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ConversationsOf returns every conversation userID belongs to.
func (s *PostgresMembership) ConversationsOf(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members := pgIdent(s.schema, "conversation_members")

	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id FROM `+members+` WHERE user_id = $1 ORDER BY conversation_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LastReadAt returns the member's read watermark, zero when never set.
func (s *PostgresMembership) LastReadAt(ctx context.Context, conversationID, userID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	members := pgIdent(s.schema, "conversation_members")

	var at *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_at FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if at == nil {
		return time.Time{}, nil
	}
	return at.UTC(), nil
}

// AdvanceLastRead moves the watermark forward, never backward.
func (s *PostgresMembership) AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	members := pgIdent(s.schema, "conversation_members")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+members+`
		    SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz), $3)
		  WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, at.UTC(),
	)
	return err
}

// MemoryMembership is an in-memory resolver for dev and tests. The strict
// form is seeded through Add; the permissive form admits any (user,
// conversation) pair it is asked about and remembers it so fan-out still
// resolves participants.
type MemoryMembership struct {
	mu         sync.RWMutex
	members    map[string]map[string]bool // conversation -> user set
	lastRead   map[string]map[string]time.Time
	permissive bool
}

// NewMemoryMembership constructs a strict, seedable resolver.
func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{
		members:  make(map[string]map[string]bool),
		lastRead: make(map[string]map[string]time.Time),
	}
}

// NewPermissiveMembership constructs a resolver that learns membership from
// use. Dev only.
func NewPermissiveMembership() *MemoryMembership {
	m := NewMemoryMembership()
	m.permissive = true
	return m
}

// Add seeds conversation members.
func (m *MemoryMembership) Add(conversationID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(conversationID, userIDs...)
}

func (m *MemoryMembership) add(conversationID string, userIDs ...string) {
	set := m.members[conversationID]
	if set == nil {
		set = make(map[string]bool)
		m.members[conversationID] = set
	}
	for _, id := range userIDs {
		set[id] = true
	}
}

func (m *MemoryMembership) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if userID == "" || conversationID == "" {
		return false, nil
	}

	if m.permissive {
		m.mu.Lock()
		m.add(conversationID, userID)
		m.mu.Unlock()
		return true, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[conversationID][userID], nil
}

func (m *MemoryMembership) ParticipantsOf(ctx context.Context, conversationID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.members[conversationID]
	if len(set) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryMembership) ConversationsOf(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for conv, set := range m.members {
		if set[userID] {
			out = append(out, conv)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryMembership) LastReadAt(ctx context.Context, conversationID, userID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRead[conversationID][userID], nil
}

func (m *MemoryMembership) AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	marks := m.lastRead[conversationID]
	if marks == nil {
		marks = make(map[string]time.Time)
		m.lastRead[conversationID] = marks
	}
	if at.After(marks[userID]) {
		marks[userID] = at
	}
	return nil
}
