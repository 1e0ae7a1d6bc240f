package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/model"
)

var ErrNotFound = errors.New("message not found")

// Ref identifies the record(s) a status write applies to. When ID is set
// the write is a single-row update by primary key; otherwise it falls back
// to matching (user, group, any media column in MediaRefs).
type Ref struct {
	ID        int64
	UserID    int64
	GroupID   string
	MediaRefs []string
}

func RefFromJob(j model.DeliveryJob) Ref {
	return Ref{ID: j.RecordID, UserID: j.UserID, GroupID: j.GroupID, MediaRefs: j.MediaRefs()}
}

// FailedFilter selects failed records for reprocessing.
type FailedFilter struct {
	ErrorContains string
	Since         time.Time
	Limit         int
}

type MessageRepository interface {
	Ping(ctx context.Context) error
	Insert(ctx context.Context, m model.Message) (int64, error)

	ListDueScheduled(ctx context.Context, now time.Time) ([]model.Message, error)
	Promote(ctx context.Context, id int64) (bool, error)
	ListPending(ctx context.Context, limit int) ([]model.Message, error)

	GetStatus(ctx context.Context, id int64) (model.Status, error)
	MarkSent(ctx context.Context, ref Ref) (int64, error)
	MarkFailed(ctx context.Context, ref Ref, errMsg string) (int64, error)
	Stop(ctx context.Context, id int64) (bool, error)

	ListFailed(ctx context.Context, f FailedFilter) ([]model.Message, error)
	ListSent(ctx context.Context, limit, offset int) ([]model.Message, error)
}

type InboundRepository interface {
	InsertInbound(ctx context.Context, m model.InboundMessage) error
}
