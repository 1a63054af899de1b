// Package storage persists relay messages. The sqlite and postgres packages open the database;
// both share Repo.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
)

//go:embed schema.sql
var schema string

var ErrDuplicate = errors.New("storage: duplicate message id")

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

type Repo struct {
	Db      *sql.DB
	dialect Dialect
}

func NewRepo(db *sql.DB, d Dialect) *Repo {
	return &Repo{Db: db, dialect: d}
}

func (r *Repo) Ping(ctx context.Context) error {
	return r.Db.PingContext(ctx)
}

func (r *Repo) Close() error { return r.Db.Close() }

// Migrate creates the schema. It is idempotent.
func (r *Repo) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		st := strings.TrimSpace(stmt)
		if st == "" {
			continue
		}
		if _, err := r.Db.ExecContext(ctx, st); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (r *Repo) rebind(query string) string {
	if r.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (r *Repo) InsertMessage(ctx context.Context, key string, m models.Message) error {
	var meta sql.NullString
	if len(m.Meta) > 0 {
		meta = sql.NullString{String: string(m.Meta), Valid: true}
	}
	kind := m.Kind
	if kind == "" {
		kind = models.KindNormal
	}
	_, err := r.Db.ExecContext(ctx, r.rebind(`
		INSERT INTO messages (id, conversation_key, sender_id, receiver_id, content, kind, meta, client_temp_id, sent_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, key, m.Sender, m.Receiver, m.Content, string(kind), meta, m.ClientTempID, m.Timestamp.UnixNano(), boolInt(m.Read))
	if err != nil {
		if _, found := r.messageKey(ctx, m.ID); found {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *Repo) messageKey(ctx context.Context, id string) (string, bool) {
	var key string
	err := r.Db.QueryRowContext(ctx, r.rebind(`SELECT conversation_key FROM messages WHERE id=?`), id).Scan(&key)
	return key, err == nil
}

// ListMessages returns a page of the most recent messages of key, oldest first.
func (r *Repo) ListMessages(ctx context.Context, key string, limit, offset int) ([]models.Message, error) {
	rows, err := r.Db.QueryContext(ctx, r.rebind(`
		SELECT id, sender_id, receiver_id, content, kind, meta, client_temp_id, sent_at, is_read
		FROM messages
		WHERE conversation_key=?
		ORDER BY sent_at DESC, id DESC LIMIT ? OFFSET ?`), key, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var list []models.Message
	for rows.Next() {
		var (
			m      models.Message
			kind   string
			meta   sql.NullString
			tempID sql.NullString
			sentAt int64
			read   int
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &kind, &meta, &tempID, &sentAt, &read); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = models.Kind(kind)
		if meta.Valid {
			m.Meta = []byte(meta.String)
		}
		m.ClientTempID = tempID.String
		m.Timestamp = time.Unix(0, sentAt).UTC()
		m.Read = read != 0
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

// MarkConversationRead marks every unread message of key addressed to reader read and returns
// their ids.
func (r *Repo) MarkConversationRead(ctx context.Context, key, reader string) ([]string, error) {
	tx, err := r.Db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, r.rebind(`
		SELECT id FROM messages WHERE conversation_key=? AND receiver_id=? AND is_read=0 ORDER BY sent_at, id`), key, reader)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`
		UPDATE messages SET is_read=1 WHERE conversation_key=? AND receiver_id=? AND is_read=0`), key, reader); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkMessagesRead marks the named messages addressed to reader read. It returns the ids that
// changed grouped by their sender, who is the one to notify.
func (r *Repo) MarkMessagesRead(ctx context.Context, reader string, ids []string) (map[string][]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := r.Db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	args := make([]any, 0, len(ids)+1)
	args = append(args, reader)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx, r.rebind(fmt.Sprintf(`
		SELECT id, sender_id FROM messages WHERE receiver_id=? AND is_read=0 AND id IN (%s) ORDER BY sent_at, id`,
		placeholders(len(ids)))), args...)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	bySender := make(map[string][]string)
	var changed []any
	for rows.Next() {
		var id, sender string
		if err := rows.Scan(&id, &sender); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		bySender[sender] = append(bySender[sender], id)
		changed = append(changed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, r.rebind(fmt.Sprintf(`
		UPDATE messages SET is_read=1 WHERE id IN (%s)`, placeholders(len(changed)))), changed...); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bySender, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListConversations returns the conversations user takes part in, most recently active first.
func (r *Repo) ListConversations(ctx context.Context, user string) ([]models.Conversation, error) {
	rows, err := r.Db.QueryContext(ctx, r.rebind(`
		SELECT conversation_key,
		       CASE WHEN sender_id=? THEN receiver_id ELSE sender_id END AS peer,
		       sent_at, CASE WHEN receiver_id=? AND is_read=0 THEN 1 ELSE 0 END
		FROM messages
		WHERE sender_id=? OR receiver_id=?
		ORDER BY sent_at DESC, id DESC`), user, user, user, user)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var list []models.Conversation
	index := make(map[string]int)
	for rows.Next() {
		var (
			key, peer string
			sentAt    int64
			unread    int
		)
		if err := rows.Scan(&key, &peer, &sentAt, &unread); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		i, ok := index[key]
		if !ok {
			i = len(list)
			index[key] = i
			list = append(list, models.Conversation{Key: key, Peer: peer, LastAt: time.Unix(0, sentAt).UTC()})
		}
		list[i].Unread += unread
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return list, nil
}
