package repo

import (
	"context"
	"database/sql"

	"github.com/LeventeLantos/group-messaging/internal/model"
)

type SQLInboundRepo struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLInboundRepo(db *sql.DB, dialect Dialect) *SQLInboundRepo {
	return &SQLInboundRepo{db: db, dialect: dialect}
}

func (r *SQLInboundRepo) InsertInbound(ctx context.Context, m model.InboundMessage) error {
	_, err := r.db.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO group_messages
		    (group_id, sender_id, message, image_url, video_url, audio_url, document_url, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		m.GroupID,
		m.SenderID,
		m.Text,
		optional(m.ImageURL),
		optional(m.VideoURL),
		optional(m.AudioURL),
		optional(m.DocumentURL),
		m.Timestamp.UnixMilli(),
	)
	return err
}

func optional(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
