package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/pelicanmail/pelican/internal/storage"
)

// Store implements storage.Store on a SQLite database.
type Store struct {
	db *DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a gateway bound to an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Users

func (s *Store) InsertUser(ctx context.Context, u *storage.User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, quota, storage_used)
		 VALUES (?, ?, ?, ?)`,
		u.Username, u.PasswordHash, u.Quota, u.StorageUsed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

const userColumns = `id, username, password_hash, quota, storage_used, created_at`

func (s *Store) scanUser(row *sql.Row) (*storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Quota, &u.StorageUsed, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	// Accounting drift must never surface as negative usage.
	if u.StorageUsed < 0 {
		u.StorageUsed = 0
	}
	return &u, nil
}

func (s *Store) FindUser(ctx context.Context, username string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return s.scanUser(row)
}

func (s *Store) FindUserByID(ctx context.Context, id int64) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return s.scanUser(row)
}

func (s *Store) SetPassword(ctx context.Context, userID int64, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, hash, userID)
	return err
}

func (s *Store) SetQuota(ctx context.Context, userID int64, quota int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET quota = ? WHERE id = ?`, quota, userID)
	return err
}

func (s *Store) AdjustStorageUsed(ctx context.Context, userID int64, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET storage_used = storage_used + ? WHERE id = ?`, delta, userID)
	return err
}

// Mailboxes

const mailboxColumns = `id, user_id, path, uidvalidity, uidnext, modify_index, subscribed, flags, special_use, created_at`

func scanMailbox(scan func(dest ...any) error) (*storage.Mailbox, error) {
	var mb storage.Mailbox
	var flagsJSON, specialUse string
	err := scan(&mb.ID, &mb.UserID, &mb.Path, &mb.UIDValidity, &mb.UIDNext,
		&mb.ModifyIndex, &mb.Subscribed, &flagsJSON, &specialUse, &mb.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(flagsJSON), &mb.Flags); err != nil {
		return nil, fmt.Errorf("corrupt mailbox flags: %w", err)
	}
	mb.SpecialUse = storage.SpecialUse(specialUse)
	return &mb, nil
}

func (s *Store) FindMailbox(ctx context.Context, userID int64, path string) (*storage.Mailbox, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE user_id = ? AND path = ?`,
		userID, path)
	return scanMailbox(row.Scan)
}

func (s *Store) FindMailboxByID(ctx context.Context, id int64) (*storage.Mailbox, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE id = ?`, id)
	return scanMailbox(row.Scan)
}

func (s *Store) ListMailboxes(ctx context.Context, userID int64, subscribedOnly bool) ([]*storage.Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE user_id = ?`
	if subscribedOnly {
		query += ` AND subscribed = TRUE`
	}
	query += ` ORDER BY path`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mailboxes []*storage.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		mailboxes = append(mailboxes, mb)
	}
	return mailboxes, rows.Err()
}

func (s *Store) InsertMailbox(ctx context.Context, mb *storage.Mailbox) error {
	if mb.Flags == nil {
		mb.Flags = []string{}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mailboxes (user_id, path, uidvalidity, uidnext, modify_index, subscribed, flags, special_use)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mb.UserID, mb.Path, mb.UIDValidity, mb.UIDNext, mb.ModifyIndex,
		mb.Subscribed, marshalJSON(mb.Flags), string(mb.SpecialUse),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert mailbox: %w", err)
	}
	mb.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) UpdateMailbox(ctx context.Context, mb *storage.Mailbox) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mailboxes SET path = ?, subscribed = ?, flags = ?, special_use = ? WHERE id = ?`,
		mb.Path, mb.Subscribed, marshalJSON(mb.Flags), string(mb.SpecialUse), mb.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMailbox(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mailboxes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) AddMailboxFlags(ctx context.Context, id int64, flags []string) error {
	if len(flags) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var flagsJSON string
	err = tx.QueryRowContext(ctx, `SELECT flags FROM mailboxes WHERE id = ?`, id).Scan(&flagsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return err
	}

	var known []string
	if err := json.Unmarshal([]byte(flagsJSON), &known); err != nil {
		return fmt.Errorf("corrupt mailbox flags: %w", err)
	}

	changed := false
	for _, f := range flags {
		if len(known) >= storage.MaxMailboxFlags {
			break
		}
		if !storage.ContainsFlag(known, f) {
			known = append(known, f)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE mailboxes SET flags = ? WHERE id = ?`, marshalJSON(known), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FindAndIncrementUIDNext(ctx context.Context, mailboxID int64, n uint32) (uint32, error) {
	var next uint32
	err := s.db.QueryRowContext(ctx,
		`UPDATE mailboxes SET uidnext = uidnext + ? WHERE id = ? RETURNING uidnext`,
		n, mailboxID,
	).Scan(&next)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("failed to allocate uid: %w", err)
	}
	return next - n, nil
}

func (s *Store) NextModSeq(ctx context.Context, mailboxID int64) (uint64, error) {
	var modseq uint64
	err := s.db.QueryRowContext(ctx,
		`UPDATE mailboxes SET modify_index = modify_index + 1 WHERE id = ? RETURNING modify_index`,
		mailboxID,
	).Scan(&modseq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("failed to allocate modseq: %w", err)
	}
	return modseq, nil
}

// Messages

func (s *Store) InsertMessage(ctx context.Context, m *storage.Message) error {
	if m.Flags == nil {
		m.Flags = []string{}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (mailbox_id, uid, modseq, internaldate, headerdate, flags,
		   seen, flagged, deleted, size, blob_id, envelope, bodystructure, mime_tree,
		   headers, rendered_text, source, recipient, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MailboxID, m.UID, m.ModSeq, m.InternalDate, m.HeaderDate, marshalJSON(m.Flags),
		m.Seen, m.Flagged, m.Deleted, m.Size, m.BlobID,
		string(m.Envelope), string(m.BodyStructure), string(m.MIMETree),
		marshalJSON(m.Headers), m.RenderedText, m.Source, m.Recipient, m.IngestedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

const messageMetaColumns = `id, mailbox_id, uid, modseq, internaldate, headerdate, flags,
	seen, flagged, deleted, size, blob_id, envelope, bodystructure, headers,
	source, recipient, ingested_at`

func messageColumns(metaOnly bool) string {
	if metaOnly {
		return messageMetaColumns
	}
	return messageMetaColumns + `, mime_tree`
}

func scanMessage(scan func(dest ...any) error, metaOnly bool) (*storage.Message, error) {
	var m storage.Message
	var flagsJSON, headersJSON string
	var envelope, bodystructure, mimeTree sql.NullString

	dest := []any{
		&m.ID, &m.MailboxID, &m.UID, &m.ModSeq, &m.InternalDate, &m.HeaderDate, &flagsJSON,
		&m.Seen, &m.Flagged, &m.Deleted, &m.Size, &m.BlobID, &envelope, &bodystructure,
		&headersJSON, &m.Source, &m.Recipient, &m.IngestedAt,
	}
	if !metaOnly {
		dest = append(dest, &mimeTree)
	}
	if err := scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(flagsJSON), &m.Flags); err != nil {
		return nil, fmt.Errorf("corrupt message flags: %w", err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &m.Headers); err != nil {
		return nil, fmt.Errorf("corrupt message headers: %w", err)
	}
	if envelope.Valid {
		m.Envelope = json.RawMessage(envelope.String)
	}
	if bodystructure.Valid {
		m.BodyStructure = json.RawMessage(bodystructure.String)
	}
	if mimeTree.Valid {
		m.MIMETree = json.RawMessage(mimeTree.String)
	}
	return &m, nil
}

type messageCursor struct {
	rows     *sql.Rows
	metaOnly bool
}

func (c *messageCursor) Next() (*storage.Message, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return scanMessage(c.rows.Scan, c.metaOnly)
}

func (c *messageCursor) Close() error {
	return c.rows.Close()
}

func (s *Store) FindMessages(ctx context.Context, q *storage.MessageQuery) (storage.MessageCursor, error) {
	where, args := lowerCond(q.Where)
	query := fmt.Sprintf(
		`SELECT %s FROM messages WHERE mailbox_id = ? AND (%s) ORDER BY uid`,
		messageColumns(q.MetadataOnly), where,
	)
	allArgs := append([]any{q.MailboxID}, args...)
	if q.Limit > 0 {
		query += ` LIMIT ?`
		allArgs = append(allArgs, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("message query failed: %w", err)
	}
	return &messageCursor{rows: rows, metaOnly: q.MetadataOnly}, nil
}

func (s *Store) CountMessages(ctx context.Context, q *storage.MessageQuery) (int64, error) {
	where, args := lowerCond(q.Where)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM messages WHERE mailbox_id = ? AND (%s)`, where)

	var n int64
	err := s.db.QueryRowContext(ctx, query, append([]any{q.MailboxID}, args...)...).Scan(&n)
	return n, err
}

func (s *Store) FirstUnseenSeq(ctx context.Context, mailboxID int64) (uint32, error) {
	var firstUID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(uid) FROM messages WHERE mailbox_id = ? AND seen = FALSE`,
		mailboxID,
	).Scan(&firstUID)
	if err != nil {
		return 0, err
	}
	if !firstUID.Valid {
		return 0, nil
	}

	var before uint32
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE mailbox_id = ? AND uid < ?`,
		mailboxID, firstUID.Int64,
	).Scan(&before)
	if err != nil {
		return 0, err
	}
	return before + 1, nil
}

func (s *Store) ListUIDs(ctx context.Context, mailboxID int64) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid FROM messages WHERE mailbox_id = ? ORDER BY uid`, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

func (s *Store) BulkWrite(ctx context.Context, updates []storage.FlagUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE messages SET flags = ?, seen = ?, flagged = ?, deleted = ?, modseq = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx,
			marshalJSON(u.Flags), u.Seen, u.Flagged, u.Deleted, u.ModSeq, u.MessageID,
		); err != nil {
			return fmt.Errorf("bulk flag write failed: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMessages(ctx context.Context, mailboxID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE mailbox_id = ?`, mailboxID)
	return err
}

func (s *Store) MoveMessage(ctx context.Context, id int64, destMailboxID int64, uid uint32, modseq uint64, source string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET mailbox_id = ?, uid = ?, modseq = ?, source = ? WHERE id = ?`,
		destMailboxID, uid, modseq, source, id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CopyMessage(ctx context.Context, id int64, destMailboxID int64, uid uint32, modseq uint64, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (mailbox_id, uid, modseq, internaldate, headerdate, flags,
		   seen, flagged, deleted, size, blob_id, envelope, bodystructure, mime_tree,
		   headers, rendered_text, source, recipient, ingested_at)
		 SELECT ?, ?, ?, internaldate, headerdate, flags,
		   seen, flagged, deleted, size, blob_id, envelope, bodystructure, mime_tree,
		   headers, rendered_text, ?, recipient, ingested_at
		 FROM messages WHERE id = ?`,
		destMailboxID, uid, modseq, source, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, storage.ErrAlreadyExists
		}
		return 0, fmt.Errorf("message copy failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, storage.ErrNotFound
	}
	newID, _ := res.LastInsertId()
	return newID, nil
}

func (s *Store) AggregateSize(ctx context.Context, mailboxID int64) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM messages WHERE mailbox_id = ?`, mailboxID,
	).Scan(&size)
	return size, err
}

// Journal

func (s *Store) AppendJournal(ctx context.Context, entries []*storage.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO journal (mailbox_id, command, uid, message_id, flags, ignore_session, modseq)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		var flags any
		if e.Flags != nil {
			flags = marshalJSON(e.Flags)
		}
		res, err := stmt.ExecContext(ctx,
			e.MailboxID, string(e.Command), e.UID, e.MessageID, flags, e.Ignore, e.ModSeq,
		)
		if err != nil {
			return fmt.Errorf("journal append failed: %w", err)
		}
		e.ID, _ = res.LastInsertId()
	}
	return tx.Commit()
}

func (s *Store) JournalSince(ctx context.Context, mailboxID int64, afterModSeq uint64) ([]*storage.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mailbox_id, command, uid, COALESCE(message_id, 0), flags, ignore_session, modseq, created_at
		 FROM journal WHERE mailbox_id = ? AND modseq > ? ORDER BY modseq, id`,
		mailboxID, afterModSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*storage.JournalEntry
	for rows.Next() {
		var e storage.JournalEntry
		var command string
		var flagsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.MailboxID, &command, &e.UID, &e.MessageID,
			&flagsJSON, &e.Ignore, &e.ModSeq, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Command = storage.JournalCommand(command)
		if flagsJSON.Valid {
			if err := json.Unmarshal([]byte(flagsJSON.String), &e.Flags); err != nil {
				return nil, fmt.Errorf("corrupt journal flags: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *Store) TrimJournal(ctx context.Context, mailboxID int64, belowModSeq uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM journal WHERE mailbox_id = ? AND modseq < ?`, mailboxID, belowModSeq)
	return err
}

func (s *Store) DeleteJournal(ctx context.Context, mailboxID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE mailbox_id = ?`, mailboxID)
	return err
}

// Attachments

func (s *Store) UpsertAttachment(ctx context.Context, id string, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments_files (id, size) VALUES (?, ?)
		 ON CONFLICT (id) DO NOTHING`, id, size)
	return err
}

func (s *Store) AddAttachmentRefs(ctx context.Context, blobIDs []string, messageID int64) error {
	if len(blobIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO attachment_refs (attachment_id, message_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range blobIDs {
		if _, err := stmt.ExecContext(ctx, id, messageID); err != nil {
			return fmt.Errorf("attachment ref insert failed: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) AttachmentRefs(ctx context.Context, messageID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT attachment_id FROM attachment_refs WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
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

func (s *Store) RemoveAttachmentRefs(ctx context.Context, messageID int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT attachment_id FROM attachment_refs WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attachment_refs WHERE message_id = ?`, messageID); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

func (s *Store) SweepAttachment(ctx context.Context, id string) (bool, error) {
	// Conditional find-and-delete: the row goes only while its
	// reference multiset is empty.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments_files
		 WHERE id = ? AND NOT EXISTS (SELECT 1 FROM attachment_refs WHERE attachment_id = ?)`,
		id, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Condition lowering

// lowerCond turns a condition tree into a SQL predicate over the
// messages table plus its bind arguments. A nil condition matches
// everything.
func lowerCond(c storage.Cond) (string, []any) {
	var b condBuilder
	clause := b.lower(c)
	return clause, b.args
}

type condBuilder struct {
	args []any
}

func (b *condBuilder) lower(c storage.Cond) string {
	switch c := c.(type) {
	case nil:
		return "1=1"
	case storage.And:
		if len(c) == 0 {
			return "1=1"
		}
		parts := make([]string, len(c))
		for i, kid := range c {
			parts[i] = "(" + b.lower(kid) + ")"
		}
		return strings.Join(parts, " AND ")
	case storage.Or:
		if len(c) == 0 {
			return "0=1"
		}
		parts := make([]string, len(c))
		for i, kid := range c {
			parts[i] = "(" + b.lower(kid) + ")"
		}
		return strings.Join(parts, " OR ")
	case storage.Not:
		return "NOT (" + b.lower(c.C) + ")"
	case storage.UIDIn:
		if len(c) == 0 {
			return "0=1"
		}
		parts := make([]string, len(c))
		for i, r := range c {
			parts[i] = "(uid BETWEEN ? AND ?)"
			b.args = append(b.args, r.Start, r.Stop)
		}
		return strings.Join(parts, " OR ")
	case storage.FlagBool:
		col := flagBoolColumn(c.Name)
		b.args = append(b.args, c.Value)
		return col + " = ?"
	case storage.FlagHas:
		b.args = append(b.args, c.Flag)
		return `EXISTS (SELECT 1 FROM json_each(messages.flags) WHERE lower(json_each.value) = lower(?))`
	case storage.HeaderMatch:
		if c.Value == "" {
			b.args = append(b.args, c.Key)
			return `EXISTS (SELECT 1 FROM json_each(messages.headers) WHERE json_extract(json_each.value, '$.key') = ?)`
		}
		b.args = append(b.args, c.Key, c.Value)
		return `EXISTS (SELECT 1 FROM json_each(messages.headers)
			WHERE json_extract(json_each.value, '$.key') = ?
			AND instr(lower(json_extract(json_each.value, '$.value')), lower(?)) > 0)`
	case storage.ModSeqAtLeast:
		b.args = append(b.args, c.Value)
		return "modseq >= ?"
	case storage.DateCmp:
		field := "internaldate"
		if c.Field == "headerdate" {
			field = "headerdate"
		}
		op := dateOp(c.Op)
		b.args = append(b.args, c.Value)
		return field + " " + op + " ?"
	case storage.SizeCmp:
		op := "="
		switch c.Op {
		case "<", ">":
			op = c.Op
		}
		b.args = append(b.args, c.Value)
		return "size " + op + " ?"
	case storage.TextMatch:
		b.args = append(b.args, c.Needle)
		clause := `instr(lower(rendered_text), lower(?)) > 0`
		if c.Headers {
			b.args = append(b.args, c.Needle)
			clause = "(" + clause + ` OR instr(lower(messages.headers), lower(?)) > 0)`
		}
		return clause
	default:
		// Unknown nodes match nothing rather than everything.
		return "0=1"
	}
}

func flagBoolColumn(name string) string {
	switch name {
	case "seen", "flagged", "deleted":
		return name
	default:
		return "seen"
	}
}

func dateOp(op string) string {
	switch op {
	case "<", "<=", ">", ">=":
		return op
	default:
		return ">="
	}
}
