package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `m.id, m.public_id, m.account_id, m.message_id, m.folder, m.from_addresses, m.to_addresses,
	m.cc_addresses, m.bcc_addresses, m.subject, m.text_body, m.html_body, m.snippet, m.size_bytes, m.received_at,
	m.is_read, m.is_starred, m.in_reply_to, m."references", m.flags_modified_at, m.created_at, m.updated_at`

func (s *MessageStore) InsertMessageIfAbsent(ctx context.Context, p models.MessageCreateParams) (*models.Message, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO messages AS m
		 (public_id, account_id, message_id, folder, from_addresses, to_addresses, cc_addresses, bcc_addresses,
		  subject, text_body, html_body, snippet, size_bytes, received_at, is_read, is_starred, in_reply_to, "references")
		 SELECT $1::uuid, $2::bigint, $3::text, $4::text, $5::text[], $6::text[], $7::text[], $8::text[],
		        $9::text, $10::text, $11::text, $12::text, $13::bigint, $14::timestamptz, $15::boolean, $16::boolean,
		        $17::text, $18::text[]
		 WHERE NOT EXISTS (
		     SELECT 1 FROM message_tombstones t WHERE t.account_id = $2 AND t.message_id = $3
		 )
		 ON CONFLICT (account_id, message_id) DO NOTHING
		 RETURNING `+messageColumns,
		uuid.New(), p.AccountID, p.MessageID, string(p.Folder),
		pq.Array(nonNil(p.FromAddresses)), pq.Array(nonNil(p.ToAddresses)), pq.Array(nonNil(p.CcAddresses)), pq.Array(nonNil(p.BccAddresses)),
		p.Subject, p.TextBody, p.HTMLBody, p.Snippet, p.SizeBytes, p.ReceivedAt, p.IsRead, p.IsStarred,
		p.InReplyTo, pq.Array(nonNil(p.References)),
	)
	msg, err := scanMessage(row)
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	existing, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.account_id = $1 AND m.message_id = $2`,
		p.AccountID, p.MessageID,
	))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("load existing message: %w", err)
	}

	var purged bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM message_tombstones WHERE account_id = $1 AND message_id = $2)`,
		p.AccountID, p.MessageID,
	).Scan(&purged); err != nil {
		return nil, false, fmt.Errorf("check tombstone: %w", err)
	}
	if purged {
		return nil, false, store.ErrPurged
	}
	return nil, false, fmt.Errorf("load existing message: %w", store.ErrNotFound)
}

func (s *MessageStore) MergeRemoteFlags(ctx context.Context, id int64, flags models.RemoteFlags) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET is_read = $2, is_starred = $3, updated_at = NOW()
		 WHERE id = $1
		   AND flags_modified_at IS NULL
		   AND (is_read <> $2 OR is_starred <> $3)`,
		id, flags.IsRead, flags.IsStarred,
	)
	return affectedOne(res, err)
}

func (s *MessageStore) GetMessageByID(ctx context.Context, id int64) (*models.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id))
}

func (s *MessageStore) ListMessages(ctx context.Context, query store.MessageQuery) ([]models.Message, error) {
	limit := query.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	args = append(args, pq.Array(query.AccountIDs))
	sb.WriteString(`SELECT ` + messageColumns + ` FROM messages m WHERE m.account_id = ANY($1)`)
	if query.Folder != "" {
		args = append(args, string(query.Folder))
		sb.WriteString(" AND m.folder = $" + itoa(len(args)))
	}
	if query.UnreadOnly {
		sb.WriteString(" AND m.is_read = FALSE")
	}
	args = append(args, limit, offset)
	sb.WriteString(" ORDER BY m.received_at DESC, m.id DESC LIMIT $" + itoa(len(args)-1) + " OFFSET $" + itoa(len(args)))

	return s.queryMessages(ctx, sb.String(), args...)
}

func (s *MessageStore) GetMessagesByIDs(ctx context.Context, ids []int64) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.id = ANY($1) ORDER BY m.id`, pq.Array(ids))
}

func (s *MessageStore) CountMatchingMessages(ctx context.Context, filter store.MessageFilter) (int, error) {
	where, args, ok := buildMatchFilter(filter)
	if !ok {
		return 0, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages m WHERE `+where, args...).Scan(&count)
	return count, err
}

func (s *MessageStore) ListMatchingMessageRefs(ctx context.Context, filter store.MessageFilter) ([]models.MessageRef, error) {
	where, args, ok := buildMatchFilter(filter)
	if !ok {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT m.id, m.account_id, m.folder FROM messages m WHERE `+where+` ORDER BY m.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []models.MessageRef
	for rows.Next() {
		var (
			ref    models.MessageRef
			folder string
		)
		if err := rows.Scan(&ref.ID, &ref.AccountID, &folder); err != nil {
			return nil, err
		}
		ref.Folder = models.Folder(folder)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *MessageStore) SetMessagesRead(ctx context.Context, ids []int64, read bool) (int, error) {
	return s.bulkUpdate(ctx, `UPDATE messages SET is_read = $2, flags_modified_at = NOW(), updated_at = NOW() WHERE id = ANY($1)`, ids, read)
}

func (s *MessageStore) SetMessagesStarred(ctx context.Context, ids []int64, starred bool) (int, error) {
	return s.bulkUpdate(ctx, `UPDATE messages SET is_starred = $2, flags_modified_at = NOW(), updated_at = NOW() WHERE id = ANY($1)`, ids, starred)
}

func (s *MessageStore) MoveMessages(ctx context.Context, ids []int64, folder models.Folder) (int, error) {
	return s.bulkUpdate(ctx, `UPDATE messages SET folder = $2, updated_at = NOW() WHERE id = ANY($1)`, ids, string(folder))
}

func (s *MessageStore) DeleteMessagesInFolder(ctx context.Context, ids []int64, folder models.Folder) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`WITH gone AS (
		     DELETE FROM messages WHERE id = ANY($1) AND folder = $2
		     RETURNING account_id, message_id
		 ), marked AS (
		     INSERT INTO message_tombstones (account_id, message_id)
		     SELECT account_id, message_id FROM gone
		     ON CONFLICT DO NOTHING
		 )
		 SELECT count(*) FROM gone`,
		pq.Array(ids), string(folder),
	).Scan(&n)
	return n, err
}

func (s *MessageStore) AddTagsToMessages(ctx context.Context, ids []int64, tagIDs []int64) error {
	if len(ids) == 0 || len(tagIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_tags (message_id, tag_id)
		 SELECT m.id, t.id
		 FROM unnest($1::bigint[]) AS m(id)
		 CROSS JOIN unnest($2::bigint[]) AS t(id)
		 ON CONFLICT DO NOTHING`,
		pq.Array(ids), pq.Array(tagIDs),
	)
	return err
}

func (s *MessageStore) ListMessageTagIDs(ctx context.Context, messageID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag_id FROM message_tags WHERE message_id = $1 ORDER BY tag_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *MessageStore) bulkUpdate(ctx context.Context, query string, ids []int64, value interface{}) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, query, pq.Array(ids), value)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *MessageStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// buildMatchFilter renders filter as a WHERE clause. ok is false when the
// filter can match nothing (no accounts or no conditions).
func buildMatchFilter(filter store.MessageFilter) (where string, args []interface{}, ok bool) {
	if len(filter.AccountIDs) == 0 || len(filter.Conditions) == 0 {
		return "", nil, false
	}

	var sb strings.Builder
	args = append(args, pq.Array(filter.AccountIDs))
	sb.WriteString("m.account_id = ANY($1)")

	if len(filter.ExcludeFolders) > 0 {
		folders := make([]string, 0, len(filter.ExcludeFolders))
		for _, f := range filter.ExcludeFolders {
			folders = append(folders, string(f))
		}
		args = append(args, pq.Array(folders))
		sb.WriteString(" AND NOT (m.folder = ANY($" + itoa(len(args)) + "))")
	}

	for _, c := range filter.Conditions {
		if c.Contains == "" {
			return "", nil, false
		}
		args = append(args, "%"+escapeLike(c.Contains)+"%")
		p := "$" + itoa(len(args))
		switch c.Field {
		case models.FieldFrom:
			sb.WriteString(" AND EXISTS (SELECT 1 FROM unnest(m.from_addresses) a WHERE a ILIKE " + p + ")")
		case models.FieldTo:
			sb.WriteString(" AND EXISTS (SELECT 1 FROM unnest(m.to_addresses) a WHERE a ILIKE " + p + ")")
		case models.FieldCc:
			sb.WriteString(" AND EXISTS (SELECT 1 FROM unnest(m.cc_addresses) a WHERE a ILIKE " + p + ")")
		case models.FieldBcc:
			sb.WriteString(" AND EXISTS (SELECT 1 FROM unnest(m.bcc_addresses) a WHERE a ILIKE " + p + ")")
		case models.FieldSubject:
			sb.WriteString(" AND m.subject ILIKE " + p)
		case models.FieldBody:
			sb.WriteString(" AND (m.text_body ILIKE " + p + " OR m.html_body ILIKE " + p + ")")
		default:
			return "", nil, false
		}
	}
	return sb.String(), args, true
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanMessage(scanner rowScanner) (*models.Message, error) {
	var (
		m      models.Message
		folder string
	)
	err := scanner.Scan(
		&m.ID, &m.PublicID, &m.AccountID, &m.MessageID, &folder,
		pq.Array(&m.FromAddresses), pq.Array(&m.ToAddresses), pq.Array(&m.CcAddresses), pq.Array(&m.BccAddresses),
		&m.Subject, &m.TextBody, &m.HTMLBody, &m.Snippet, &m.SizeBytes, &m.ReceivedAt,
		&m.IsRead, &m.IsStarred, &m.InReplyTo, pq.Array(&m.References), &m.FlagsModifiedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m.Folder = models.Folder(folder)
	return &m, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
