package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a Repository backed by PostgreSQL.
//
// PostgresRepository does NOT own the pgx pool. The caller must close the pool.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresRepository behavior.
type PostgresOption func(*PostgresRepository) error

// WithSchema sets the DB schema used by this repository (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(r *PostgresRepository) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		r.schema = schema
		return nil
	}
}

// NewPostgresRepository constructs a Postgres-backed Repository.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRepository, error) {
	r := &PostgresRepository{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return r, nil
}

// Close is a no-op because the pool is owned by the caller.
func (r *PostgresRepository) Close() error { return nil }

// EnsureSchema creates the schema, table and indexes when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	messages := pgIdent(r.schema, "messages")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{r.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		     id          BIGSERIAL PRIMARY KEY,
		     sender_id   BIGINT      NOT NULL,
		     receiver_id BIGINT      NOT NULL,
		     content     TEXT        NOT NULL CHECK (char_length(content) BETWEEN 1 AND 1000),
		     is_read     BOOLEAN     NOT NULL DEFAULT false,
		     created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		     updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		 )`,
		`CREATE INDEX IF NOT EXISTS messages_pair_idx ON ` + messages + ` (sender_id, receiver_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_unread_idx ON ` + messages + ` (receiver_id, created_at) WHERE NOT is_read`,
	}
	for _, q := range stmts {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("messaging: ensure schema: %w", err)
		}
	}
	return nil
}

const messageColumns = `id, sender_id, receiver_id, content, is_read, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, in NewMessage) (Message, error) {
	if err := validateNewMessage(in); err != nil {
		return Message{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(r.schema, "messages")+` (sender_id, receiver_id, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING `+messageColumns,
		in.SenderID, in.ReceiverID, in.Content, now,
	)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (Message, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+pgIdent(r.schema, "messages")+` WHERE id = $1`,
		id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM `+pgIdent(r.schema, "messages")+` WHERE id = $1`, id)
	return err
}

func (r *PostgresRepository) MarkRead(ctx context.Context, id int64, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE `+pgIdent(r.schema, "messages")+` SET is_read = true, updated_at = $2 WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Conversation(ctx context.Context, userID, peerID int64) ([]Message, error) {
	return r.list(ctx,
		`SELECT `+messageColumns+` FROM `+pgIdent(r.schema, "messages")+`
		  WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		  ORDER BY created_at ASC, id ASC`,
		userID, peerID,
	)
}

func (r *PostgresRepository) Conversations(ctx context.Context, userID int64) ([]Message, error) {
	return r.list(ctx,
		`SELECT `+messageColumns+` FROM `+pgIdent(r.schema, "messages")+`
		  WHERE sender_id = $1 OR receiver_id = $1
		  ORDER BY created_at DESC, id DESC`,
		userID,
	)
}

func (r *PostgresRepository) Unread(ctx context.Context, userID int64) ([]Message, error) {
	return r.list(ctx,
		`SELECT `+messageColumns+` FROM `+pgIdent(r.schema, "messages")+`
		  WHERE receiver_id = $1 AND NOT is_read
		  ORDER BY created_at DESC, id DESC`,
		userID,
	)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
