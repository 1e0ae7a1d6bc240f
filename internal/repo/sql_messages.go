package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/model"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// rebind rewrites ? placeholders into $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const messageColumns = `id, user_id, group_id, caption, image_url, video_url, audio_url, document_url,
		       status, error, scheduled_time, created_at`

type SQLMessageRepo struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLMessageRepo(db *sql.DB, dialect Dialect) *SQLMessageRepo {
	return &SQLMessageRepo{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

func (r *SQLMessageRepo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.dialect.rebind(query), args...)
}

func (r *SQLMessageRepo) query(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *SQLMessageRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLMessageRepo) Insert(ctx context.Context, m model.Message) (int64, error) {
	if m.Status == "" {
		m.Status = model.Pending
	}
	q := `
		INSERT INTO messages_queue
		    (user_id, group_id, caption, image_url, video_url, audio_url, document_url, status, scheduled_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := r.now()
	args := []any{
		m.UserID, m.GroupID, m.Caption,
		nullString(m.ImageURL), nullString(m.VideoURL), nullString(m.AudioURL), nullString(m.DocumentURL),
		string(m.Status), nullTime(m.ScheduledTime), now, now,
	}

	if r.dialect == Postgres {
		var id int64
		err := r.db.QueryRowContext(ctx, r.dialect.rebind(q+" RETURNING id"), args...).Scan(&id)
		return id, err
	}

	res, err := r.exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SQLMessageRepo) ListDueScheduled(ctx context.Context, now time.Time) ([]model.Message, error) {
	return r.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages_queue
		WHERE status = 'scheduled' AND scheduled_time <= ?
		ORDER BY scheduled_time ASC
	`, now)
}

// Promote moves a single record from scheduled to pending. It reports false
// when the record was no longer scheduled, so a transition happens once.
func (r *SQLMessageRepo) Promote(ctx context.Context, id int64) (bool, error) {
	res, err := r.exec(ctx, `
		UPDATE messages_queue
		SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'scheduled'
	`, r.now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SQLMessageRepo) ListPending(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	return r.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages_queue
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
}

func (r *SQLMessageRepo) GetStatus(ctx context.Context, id int64) (model.Status, error) {
	var status string
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT status FROM messages_queue WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.Status(status), nil
}

func (r *SQLMessageRepo) MarkSent(ctx context.Context, ref Ref) (int64, error) {
	where, args, err := r.match(ref)
	if err != nil {
		return 0, err
	}
	res, err := r.exec(ctx, `
		UPDATE messages_queue
		SET status = 'sent', error = NULL, updated_at = ?
		WHERE `+where, append([]any{r.now()}, args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLMessageRepo) MarkFailed(ctx context.Context, ref Ref, errMsg string) (int64, error) {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	where, args, err := r.match(ref)
	if err != nil {
		return 0, err
	}
	res, err := r.exec(ctx, `
		UPDATE messages_queue
		SET status = 'failed', error = ?, updated_at = ?
		WHERE `+where, append([]any{errMsg, r.now()}, args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// match builds the WHERE clause for a status write. Stopped records are
// never overwritten.
func (r *SQLMessageRepo) match(ref Ref) (string, []any, error) {
	if ref.ID > 0 {
		return "id = ? AND status <> 'stopped'", []any{ref.ID}, nil
	}
	if ref.UserID == 0 || ref.GroupID == "" || len(ref.MediaRefs) == 0 {
		return "", nil, errors.New("ref has neither id nor a complete match tuple")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ref.MediaRefs)), ", ")
	cols := []string{"image_url", "video_url", "audio_url", "document_url"}
	conds := make([]string, 0, len(cols))
	args := []any{ref.UserID, ref.GroupID}
	for _, c := range cols {
		conds = append(conds, fmt.Sprintf("%s IN (%s)", c, placeholders))
		for _, m := range ref.MediaRefs {
			args = append(args, m)
		}
	}
	where := "user_id = ? AND group_id = ? AND (" + strings.Join(conds, " OR ") + ") AND status <> 'stopped'"
	return where, args, nil
}

func (r *SQLMessageRepo) Stop(ctx context.Context, id int64) (bool, error) {
	res, err := r.exec(ctx, `
		UPDATE messages_queue
		SET status = 'stopped', updated_at = ?
		WHERE id = ? AND status IN ('scheduled', 'pending', 'failed')
	`, r.now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SQLMessageRepo) ListFailed(ctx context.Context, f FailedFilter) ([]model.Message, error) {
	if f.Limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	q := `
		SELECT ` + messageColumns + `
		FROM messages_queue
		WHERE status = 'failed'`
	var args []any
	if f.ErrorContains != "" {
		q += ` AND error LIKE ?`
		args = append(args, "%"+escapeLike(f.ErrorContains)+"%")
	}
	if !f.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.Since)
	}
	q += `
		ORDER BY id DESC
		LIMIT ?`
	args = append(args, f.Limit)

	return r.query(ctx, q, args...)
}

func (r *SQLMessageRepo) ListSent(ctx context.Context, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return r.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages_queue
		WHERE status = 'sent'
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (model.Message, error) {
	var m model.Message
	var status string
	var caption, image, video, audio, document, errMsg sql.NullString
	var scheduled sql.NullTime

	if err := s.Scan(
		&m.ID,
		&m.UserID,
		&m.GroupID,
		&caption,
		&image,
		&video,
		&audio,
		&document,
		&status,
		&errMsg,
		&scheduled,
		&m.CreatedAt,
	); err != nil {
		return model.Message{}, err
	}

	m.Status = model.Status(status)
	m.Caption = caption.String
	m.ImageURL = stringPtr(image)
	m.VideoURL = stringPtr(video)
	m.AudioURL = stringPtr(audio)
	m.DocumentURL = stringPtr(document)
	m.Error = stringPtr(errMsg)
	if scheduled.Valid {
		t := scheduled.Time
		m.ScheduledTime = &t
	}
	return m, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
