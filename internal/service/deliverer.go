package service

import (
	"context"
	"errors"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/connection"
	"github.com/LeventeLantos/group-messaging/internal/metrics"
	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/repo"
	"github.com/sirupsen/logrus"
)

// ResourceMissing is the error recorded when the referenced media is gone.
const ResourceMissing = "Arquivo não encontrado"

// MalformedPrefix starts the error stored on records that cannot form a valid job.
const MalformedPrefix = "invalid record: "

type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeFailed
	OutcomeResourceMissing
	OutcomeMalformed
	OutcomeStopped
	OutcomeAlreadySent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	case OutcomeResourceMissing:
		return "resource_missing"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeStopped:
		return "stopped"
	case OutcomeAlreadySent:
		return "already_sent"
	}
	return "unknown"
}

type Connection interface {
	Send(ctx context.Context, to string, p connection.Payload) (remoteID string, err error)
	Reconnect(ctx context.Context) error
}

type StatusStore interface {
	GetStatus(ctx context.Context, id int64) (model.Status, error)
	MarkSent(ctx context.Context, ref repo.Ref) (int64, error)
	MarkFailed(ctx context.Context, ref repo.Ref, errMsg string) (int64, error)
}

// Deliverer turns one job into a send and reconciles the record status.
// Both the queue consumer and the scheduler sweep deliver through it.
type Deliverer struct {
	conn     Connection
	store    StatusStore
	mediaDir string
	settle   time.Duration
	log      *logrus.Entry

	stat  func(string) (os.FileInfo, error)
	sleep func(ctx context.Context, d time.Duration) error

	onSent   func(ctx context.Context, job model.DeliveryJob, remoteID string) error
	onFailed func(ctx context.Context, job model.DeliveryJob, reason string) error
}

func NewDeliverer(conn Connection, store StatusStore, mediaDir string, settle time.Duration, log *logrus.Entry) *Deliverer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Deliverer{
		conn:     conn,
		store:    store,
		mediaDir: mediaDir,
		settle:   settle,
		log:      log.WithField("component", "deliverer"),
		stat:     os.Stat,
		sleep:    Sleep,
	}
}

func (d *Deliverer) WithHooks(
	onSent func(ctx context.Context, job model.DeliveryJob, remoteID string) error,
	onFailed func(ctx context.Context, job model.DeliveryJob, reason string) error,
) *Deliverer {
	d.onSent = onSent
	d.onFailed = onFailed
	return d
}

// Deliver runs one attempt for job. path labels metrics ("consumer" or "sweep").
func (d *Deliverer) Deliver(ctx context.Context, path string, job model.DeliveryJob) Outcome {
	out := d.deliver(ctx, job)
	metrics.DeliveriesTotal.WithLabelValues(path, out.String()).Inc()
	return out
}

func (d *Deliverer) deliver(ctx context.Context, job model.DeliveryJob) Outcome {
	log := d.log.WithFields(logrus.Fields{
		"record_id":  job.RecordID,
		"attempt_id": job.AttemptID,
		"group_id":   job.GroupID,
	})

	if err := job.Validate(); err != nil {
		log.WithError(err).Error("malformed job dropped")
		// The record id alone is a safe match key; without one nothing is written.
		if job.RecordID > 0 {
			d.markFailed(ctx, log, job, repo.Ref{ID: job.RecordID}, MalformedPrefix+err.Error())
		}
		return OutcomeMalformed
	}

	if job.RecordID > 0 {
		st, err := d.store.GetStatus(ctx, job.RecordID)
		switch {
		case err == nil && st == model.Stopped:
			log.Info("record stopped; skipping")
			return OutcomeStopped
		case err == nil && st == model.Sent:
			log.Info("record already sent; skipping duplicate job")
			return OutcomeAlreadySent
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			log.WithError(err).Warn("status check failed; delivering anyway")
		}
	}

	ref := repo.RefFromJob(job)

	payload, kind, ok := d.payloadFor(job)
	if !ok {
		log.WithField("path", payload.source).Error("media not found")
		d.markFailed(ctx, log, job, ref, ResourceMissing)
		return OutcomeResourceMissing
	}

	start := time.Now()
	remoteID, err := d.conn.Send(ctx, job.GroupID, payload.Payload)
	if err != nil && connection.IsTransient(err) {
		log.WithError(err).Warn("transient send failure; reconnecting for one retry")
		metrics.TransientRetries.Inc()

		if rerr := d.conn.Reconnect(ctx); rerr != nil {
			log.WithError(rerr).Warn("reconnect failed")
		}
		if serr := d.sleep(ctx, d.settle); serr != nil {
			err = serr
		} else {
			remoteID, err = d.conn.Send(ctx, job.GroupID, payload.Payload)
		}
	}
	metrics.SendDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		log.WithError(err).Error("send failed")
		d.markFailed(ctx, log, job, ref, err.Error())
		return OutcomeFailed
	}

	if _, err := d.store.MarkSent(ctx, ref); err != nil {
		log.WithError(err).Error("mark sent")
	}
	if d.onSent != nil {
		if err := d.onSent(ctx, job, remoteID); err != nil {
			log.WithError(err).Warn("sent hook")
		}
	}
	log.WithField("remote_id", remoteID).Info("message sent")
	return OutcomeSent
}

func (d *Deliverer) markFailed(ctx context.Context, log *logrus.Entry, job model.DeliveryJob, ref repo.Ref, reason string) {
	if _, err := d.store.MarkFailed(ctx, ref, reason); err != nil {
		log.WithError(err).Error("mark failed")
	}
	if d.onFailed != nil {
		if err := d.onFailed(ctx, job, reason); err != nil {
			log.WithError(err).Warn("failed hook")
		}
	}
}

type shapedPayload struct {
	connection.Payload
	source string
}

// payloadFor resolves the job's media and builds the payload for its kind.
// It reports false when a local file is referenced but missing.
func (d *Deliverer) payloadFor(job model.DeliveryJob) (shapedPayload, model.MediaKind, bool) {
	if job.IsText() {
		return shapedPayload{Payload: connection.Payload{Text: job.Caption}}, model.Text, true
	}

	path, col := job.Resolve()
	kind := col.Kind()

	location := path
	if !isRemote(path) {
		location = d.localPath(path)
		if _, err := d.stat(location); err != nil {
			return shapedPayload{source: location}, kind, false
		}
	}

	media := &connection.Media{URL: location}
	var p connection.Payload
	switch kind {
	case model.Image:
		empty := ""
		p = connection.Payload{Image: media, Caption: job.Caption, JPEGThumbnail: &empty}
	case model.Video:
		p = connection.Payload{Video: media, Caption: job.Caption}
	case model.Audio:
		p = connection.Payload{Audio: media, Mimetype: mimeFor(location, "audio/mpeg")}
	default:
		p = connection.Payload{
			Document: media,
			Caption:  job.Caption,
			FileName: filepath.Base(location),
			Mimetype: mimeFor(location, "application/octet-stream"),
		}
	}
	return shapedPayload{Payload: p, source: location}, kind, true
}

func (d *Deliverer) localPath(p string) string {
	if filepath.IsAbs(p) || d.mediaDir == "" {
		return p
	}
	return filepath.Join(d.mediaDir, p)
}

func isRemote(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

func mimeFor(p, fallback string) string {
	if t := mime.TypeByExtension(filepath.Ext(p)); t != "" {
		return t
	}
	return fallback
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
