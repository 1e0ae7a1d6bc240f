// Package liveview fans inbound group messages out to live viewers.
package liveview

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/metrics"
	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type Publisher interface {
	Publish(ctx context.Context, msg model.InboundMessage) error
}

type InboundStore interface {
	InsertInbound(ctx context.Context, m model.InboundMessage) error
}

type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func ConnectNATS(url, subject, name string) (*NATSPublisher, error) {
	log := logrus.WithField("component", "liveview")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, msg model.InboundMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject+"."+subjectToken(msg.GroupID), b)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil && !p.nc.IsClosed() {
		_ = p.nc.Drain()
	}
}

// subjectToken makes a group id usable as a single NATS subject token.
func subjectToken(groupID string) string {
	b := []byte(groupID)
	for i, c := range b {
		switch c {
		case '.', '*', '>', ' ':
			b[i] = '_'
		}
	}
	if len(b) == 0 {
		return "unknown"
	}
	return string(b)
}

// Recorder handles inbound messages: one best-effort store write, then a
// publish when a publisher is configured.
type Recorder struct {
	store   InboundStore
	pub     Publisher
	timeout time.Duration
	log     *logrus.Entry
}

func NewRecorder(store InboundStore, pub Publisher) *Recorder {
	return &Recorder{
		store:   store,
		pub:     pub,
		timeout: 5 * time.Second,
		log:     logrus.WithField("component", "liveview"),
	}
}

// Handle matches the connection's OnMessage signature.
func (r *Recorder) Handle(msg model.InboundMessage) {
	metrics.InboundMessages.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	log := r.log.WithFields(logrus.Fields{"group_id": msg.GroupID, "sender_id": msg.SenderID})
	if r.store != nil {
		if err := r.store.InsertInbound(ctx, msg); err != nil {
			log.WithError(err).Warn("inbound store write failed")
		}
	}
	if r.pub != nil {
		if err := r.pub.Publish(ctx, msg); err != nil {
			log.WithError(err).Warn("inbound publish failed")
		}
	}
}
