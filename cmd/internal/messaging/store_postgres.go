package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSchema = "courier"

// storeConfig carries options shared by the Postgres-backed types.
type storeConfig struct {
	schema string
}

// StoreOption configures Postgres-backed store behavior.
type StoreOption func(*storeConfig) error

// WithSchema sets the DB schema used by the store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) StoreOption {
	return func(c *storeConfig) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		c.schema = schema
		return nil
	}
}

func applyStoreOptions(opts []StoreOption) (storeConfig, error) {
	cfg := storeConfig{schema: defaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return storeConfig{}, err
		}
	}
	return cfg, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

// isUniqueViolation reports a Postgres unique-constraint error (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PostgresConversationStore is a ConversationStore backed by PostgreSQL.
//
// Ownership model:
// - The store does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Pair uniqueness rides on the uq_conversations_pair_key constraint; a
//     creation race surfaces as ErrConflict and the loser re-fetches.
//   - ApplyLastMessage is a single conditional UPDATE ordered by message id
//     (ULID, time-ordered), so concurrent sends can never regress LastMessage.
type PostgresConversationStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresConversationStore constructs a Postgres-backed ConversationStore.
func NewPostgresConversationStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresConversationStore, error) {
	cfg, err := applyStoreOptions(opts)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return &PostgresConversationStore{pool: pool, schema: cfg.schema}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresConversationStore) Close() error { return nil }

// Create inserts a conversation. A pair-key collision returns ErrConflict.
func (s *PostgresConversationStore) Create(ctx context.Context, conv Conversation) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("messaging: nil store")
	}
	if conv.ID == "" || len(conv.Participants) < 2 {
		return Conversation{}, OpError{Op: "messaging.Conversations.Create", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	flags, err := json.Marshal(conv.ReadFlags)
	if err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, pair_key, participants, read_flags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		conv.ID, ParticipantsKey(conv.Participants), conv.Participants, flags, conv.CreatedAt,
	)
	if isUniqueViolation(err) {
		return Conversation{}, OpError{Op: "messaging.Conversations.Create", Kind: ErrConflict, Msg: "participant pair exists"}
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	conv.UpdatedAt = conv.CreatedAt
	return conv, nil
}

const conversationColumns = `id, participants, last_message_id, last_sender_id, last_preview, last_message_at, read_flags, created_at, updated_at`

// GetByID fetches one conversation by id.
func (s *PostgresConversationStore) GetByID(ctx context.Context, id string) (Conversation, error) {
	if id == "" {
		return Conversation{}, OpError{Op: "messaging.Conversations.GetByID", Kind: ErrInvalidInput}
	}
	conversations := pgIdent(s.schema, "conversations")
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+conversations+` WHERE id = $1`, id)
	return scanConversation(row, "messaging.Conversations.GetByID")
}

// GetByPairKey fetches the unique conversation for an unordered participant pair.
func (s *PostgresConversationStore) GetByPairKey(ctx context.Context, pairKey string) (Conversation, error) {
	if pairKey == "" {
		return Conversation{}, OpError{Op: "messaging.Conversations.GetByPairKey", Kind: ErrInvalidInput}
	}
	conversations := pgIdent(s.schema, "conversations")
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+conversations+` WHERE pair_key = $1`, pairKey)
	return scanConversation(row, "messaging.Conversations.GetByPairKey")
}

// ListForUser returns every conversation containing userID, newest activity first.
func (s *PostgresConversationStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, OpError{Op: "messaging.Conversations.ListForUser", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+conversations+`
		  WHERE $1 = ANY(participants)
		  ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows, "messaging.Conversations.ListForUser")
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyLastMessage conditionally applies the send-side conversation update.
// The WHERE clause is the compare-and-set: ULID message ids order by creation
// time, so only a message newer than the current summary wins.
func (s *PostgresConversationStore) ApplyLastMessage(ctx context.Context, in ApplyLastMessageInput) error {
	if in.ConversationID == "" || in.Summary.MessageID == "" {
		return OpError{Op: "messaging.Conversations.ApplyLastMessage", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	flags, err := json.Marshal(in.ReadFlags)
	if err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message_id = $2,
		        last_sender_id  = $3,
		        last_preview    = $4,
		        last_message_at = $5,
		        read_flags      = $6,
		        updated_at      = $7
		  WHERE id = $1
		    AND (last_message_id IS NULL OR last_message_id < $2)`,
		in.ConversationID,
		in.Summary.MessageID, in.Summary.SenderID, in.Summary.Preview, in.Summary.SentAt,
		flags, in.At,
	)
	if err != nil {
		return fmt.Errorf("apply last message: %w", err)
	}
	// Zero rows means a newer message already owns the summary. That is the
	// correct terminal state, not an error.
	_ = ct
	return nil
}

// SetReadFlag updates one participant's read flag in place.
func (s *PostgresConversationStore) SetReadFlag(ctx context.Context, conversationID, userID string, read bool, at time.Time) error {
	if conversationID == "" || userID == "" {
		return OpError{Op: "messaging.Conversations.SetReadFlag", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+`
		    SET read_flags = jsonb_set(read_flags, ARRAY[$2], to_jsonb($3::boolean), true),
		        updated_at = $4
		  WHERE id = $1`,
		conversationID, userID, read, at,
	)
	if err != nil {
		return fmt.Errorf("set read flag: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return OpError{Op: "messaging.Conversations.SetReadFlag", Kind: ErrNotFound}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, op string) (Conversation, error) {
	var (
		c         Conversation
		lastMsgID *string
		lastFrom  *string
		lastText  *string
		lastAt    *time.Time
		flags     []byte
	)
	err := row.Scan(
		&c.ID, &c.Participants,
		&lastMsgID, &lastFrom, &lastText, &lastAt,
		&flags, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return Conversation{}, err
	}

	if lastMsgID != nil {
		c.LastMessage = &LastMessage{MessageID: *lastMsgID}
		if lastFrom != nil {
			c.LastMessage.SenderID = *lastFrom
		}
		if lastText != nil {
			c.LastMessage.Preview = *lastText
		}
		if lastAt != nil {
			c.LastMessage.SentAt = *lastAt
		}
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &c.ReadFlags); err != nil {
			return Conversation{}, fmt.Errorf("decode read_flags: %w", err)
		}
	}
	return c, nil
}

// PostgresMessageStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - The store does NOT own the pgx pool; Close() is a no-op.
//
// Concurrency model:
//   - Append takes a per-conversation transactional advisory lock and clamps
//     CreatedAt to the conversation's newest message, keeping CreatedAt (and
//     the ULID id derived from it) monotonically non-decreasing under
//     concurrent sends.
type PostgresMessageStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresMessageStore constructs a Postgres-backed MessageStore.
func NewPostgresMessageStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresMessageStore, error) {
	cfg, err := applyStoreOptions(opts)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return &PostgresMessageStore{pool: pool, schema: cfg.schema}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresMessageStore) Close() error { return nil }

const messageColumns = `id, conversation_id, sender_id, content, attachments, metadata, is_read, read_at, created_at`

// Append persists a message, allocating its id and a monotonic CreatedAt.
func (s *PostgresMessageStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("messaging: nil store")
	}
	if in.ConversationID == "" || in.SenderID == "" || strings.TrimSpace(in.Content) == "" {
		return Message{}, OpError{Op: "messaging.Messages.Append", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
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
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize appends per conversation so the CreatedAt clamp below is
	// race-free. hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	// Clamp to the newest existing message: received order = causal order.
	var lastAt *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(created_at) FROM `+messages+` WHERE conversation_id = $1`,
		in.ConversationID,
	).Scan(&lastAt); err != nil {
		return Message{}, err
	}
	if lastAt != nil && now.Before(*lastAt) {
		now = *lastAt
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	attachments := in.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return Message{}, err
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, attachments, metadata, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
		id, in.ConversationID, in.SenderID, in.Content, attJSON, metaJSON, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Attachments:    attachments,
		Metadata:       metadata,
		ReadStatus:     ReadStatus{IsRead: false},
		CreatedAt:      now,
	}, nil
}

// GetByID fetches one message by id.
func (s *PostgresMessageStore) GetByID(ctx context.Context, id string) (Message, error) {
	if id == "" {
		return Message{}, OpError{Op: "messaging.Messages.GetByID", Kind: ErrInvalidInput}
	}
	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, id)
	return scanMessage(row, "messaging.Messages.GetByID")
}

// Count returns the total number of messages in a conversation.
func (s *PostgresMessageStore) Count(ctx context.Context, conversationID string) (int64, error) {
	if conversationID == "" {
		return 0, OpError{Op: "messaging.Messages.Count", Kind: ErrInvalidInput}
	}

	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(s.schema, "messages")+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ListPage returns one skip/limit page ordered newest first, plus the total count.
func (s *PostgresMessageStore) ListPage(ctx context.Context, in ListPageInput) (ListPageResult, error) {
	if in.ConversationID == "" {
		return ListPageResult{}, OpError{Op: "messaging.Messages.ListPage", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return ListPageResult{}, err
	}

	page := in.Page
	if page < 1 {
		page = 1
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := (page - 1) * limit

	messages := pgIdent(s.schema, "messages")

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+messages+` WHERE conversation_id = $1`,
		in.ConversationID,
	).Scan(&total); err != nil {
		return ListPageResult{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2 OFFSET $3`,
		in.ConversationID, limit, offset,
	)
	if err != nil {
		return ListPageResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows, "messaging.Messages.ListPage")
		if err != nil {
			return ListPageResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListPageResult{}, err
	}

	return ListPageResult{Messages: msgs, TotalCount: total}, nil
}

// MarkRead flips one message to read (idempotent) and returns the updated row.
func (s *PostgresMessageStore) MarkRead(ctx context.Context, messageID string, at time.Time) (Message, error) {
	if messageID == "" {
		return Message{}, OpError{Op: "messaging.Messages.MarkRead", Kind: ErrInvalidInput}
	}
	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET is_read = true,
		        read_at = COALESCE(read_at, $2)
		  WHERE id = $1
		RETURNING `+messageColumns,
		messageID, at,
	)
	return scanMessage(row, "messaging.Messages.MarkRead")
}

// MarkConversationRead flips every unread message in the conversation not sent
// by readerID; it returns the affected ids, oldest first.
func (s *PostgresMessageStore) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error) {
	if conversationID == "" || readerID == "" {
		return nil, OpError{Op: "messaging.Messages.MarkConversationRead", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`UPDATE `+messages+`
		    SET is_read = true,
		        read_at = $3
		  WHERE conversation_id = $1
		    AND sender_id <> $2
		    AND NOT is_read
		RETURNING id`,
		conversationID, readerID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("mark conversation read: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountUnread is the durable fallback behind unread-count reads when the cache
// is unavailable: authoritative counts straight from the messages table.
func (s *PostgresMessageStore) CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int64, error) {
	if userID == "" {
		return nil, OpError{Op: "messaging.Messages.CountUnread", Kind: ErrInvalidInput}
	}
	if len(conversationIDs) == 0 {
		return map[string]int64{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, COUNT(*)
		   FROM `+messages+`
		  WHERE conversation_id = ANY($1)
		    AND sender_id <> $2
		    AND NOT is_read
		  GROUP BY conversation_id`,
		conversationIDs, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64, len(conversationIDs))
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner, op string) (Message, error) {
	var (
		m        Message
		attJSON  []byte
		metaJSON []byte
		readAt   *time.Time
	)
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
		&attJSON, &metaJSON,
		&m.ReadStatus.IsRead, &readAt, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return Message{}, err
	}
	m.ReadStatus.ReadAt = readAt

	if len(attJSON) > 0 {
		if err := json.Unmarshal(attJSON, &m.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return Message{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return m, nil
}
