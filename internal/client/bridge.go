package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/connection"
	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// BridgeDialer opens sessions against a messaging bridge that speaks JSON
// frames over a websocket.
type BridgeDialer struct {
	url         string
	sendTimeout time.Duration
	header      http.Header
	dialer      *websocket.Dialer
}

func NewBridgeDialer(url string, sendTimeout time.Duration) *BridgeDialer {
	if sendTimeout <= 0 {
		sendTimeout = 60 * time.Second
	}
	return &BridgeDialer{
		url:         url,
		sendTimeout: sendTimeout,
		header:      http.Header{},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

type frame struct {
	Type        string                     `json:"type"`
	ID          string                     `json:"id,omitempty"`
	To          string                     `json:"to,omitempty"`
	Payload     json.RawMessage            `json:"payload,omitempty"`
	Credentials map[string]json.RawMessage `json:"credentials,omitempty"`
	State       string                     `json:"state,omitempty"`
	Code        string                     `json:"code,omitempty"`
	MessageID   string                     `json:"messageId,omitempty"`
	Message     string                     `json:"message,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	Data        *inboundFrame              `json:"data,omitempty"`
}

type inboundFrame struct {
	GroupID     string `json:"groupId"`
	SenderID    string `json:"senderId"`
	Text        string `json:"text"`
	ImageURL    string `json:"imageUrl"`
	VideoURL    string `json:"videoUrl"`
	AudioURL    string `json:"audioUrl"`
	DocumentURL string `json:"documentUrl"`
	Timestamp   int64  `json:"timestamp"`
}

const reasonLoggedOut = "logged_out"

type ackResult struct {
	messageID string
	err       error
}

type bridgeConn struct {
	conn        *websocket.Conn
	events      connection.Events
	ignore      func(string) bool
	sendTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	waiting map[string]chan ackResult

	done      chan struct{}
	closeOnce sync.Once
}

func (d *BridgeDialer) Dial(ctx context.Context, opts connection.DialOptions) (connection.Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bridge handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("bridge dial: %w", err)
	}

	c := &bridgeConn{
		conn:        conn,
		events:      opts.Events,
		ignore:      opts.IgnoreJID,
		sendTimeout: d.sendTimeout,
		waiting:     make(map[string]chan ackResult),
		done:        make(chan struct{}),
	}

	if err := c.write(frame{Type: "hello", Credentials: toWire(opts.Credentials)}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bridge hello: %w", err)
	}

	go c.readLoop()
	return c, nil
}

func (c *bridgeConn) write(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *bridgeConn) Send(ctx context.Context, to string, msg any) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", &connection.PermanentError{Err: fmt.Errorf("encode payload: %w", err)}
	}

	id := uuid.NewString()
	ch := make(chan ackResult, 1)

	c.mu.Lock()
	c.waiting[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return "", &connection.TransientError{Err: errors.New("Connection Closed")}
	default:
	}

	if err := c.write(frame{Type: "send", ID: id, To: to, Payload: payload}); err != nil {
		return "", &connection.TransientError{Err: fmt.Errorf("Connection Closed: %w", err)}
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.messageID, res.err
	case <-timer.C:
		return "", &connection.TransientError{Err: errors.New("Timed Out")}
	case <-c.done:
		return "", &connection.TransientError{Err: errors.New("Connection Closed")}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *bridgeConn) SendPresence(context.Context) error {
	return c.write(frame{Type: "presence", State: "available"})
}

func (c *bridgeConn) Logout(context.Context) error {
	return c.write(frame{Type: "logout"})
}

func (c *bridgeConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(false, errors.New("closed locally"))
	return nil
}

func (c *bridgeConn) shutdown(loggedOut bool, cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		if c.events.OnClose != nil {
			c.events.OnClose(loggedOut, cause)
		}
	})
}

func (c *bridgeConn) resolve(id string, res ackResult) {
	c.mu.Lock()
	ch, ok := c.waiting[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func (c *bridgeConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(false, fmt.Errorf("Connection Closed: %w", err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Type {
		case "qr":
			if c.events.OnQR != nil {
				c.events.OnQR(f.Code)
			}
		case "creds":
			if c.events.OnCredentials != nil {
				c.events.OnCredentials(fromWire(f.Credentials))
			}
		case "open":
			if c.events.OnOpen != nil {
				c.events.OnOpen()
			}
		case "ack":
			c.resolve(f.ID, ackResult{messageID: f.MessageID})
		case "error":
			c.resolve(f.ID, ackResult{err: connection.Classify(errors.New(f.Message))})
		case "message":
			c.dispatchInbound(f.Data)
		case "close":
			c.shutdown(f.Reason == reasonLoggedOut, errors.New(f.Reason))
			return
		}
	}
}

func (c *bridgeConn) dispatchInbound(in *inboundFrame) {
	if in == nil || c.events.OnMessage == nil {
		return
	}
	if c.ignore != nil && c.ignore(in.GroupID) {
		return
	}
	ts := time.Now()
	if in.Timestamp > 0 {
		ts = time.UnixMilli(in.Timestamp)
	}
	c.events.OnMessage(model.InboundMessage{
		GroupID:     in.GroupID,
		SenderID:    in.SenderID,
		Text:        in.Text,
		ImageURL:    in.ImageURL,
		VideoURL:    in.VideoURL,
		AudioURL:    in.AudioURL,
		DocumentURL: in.DocumentURL,
		Timestamp:   ts,
	})
}

// Blobs travel as raw JSON rather than base64.
func toWire(c session.Credentials) map[string]json.RawMessage {
	if len(c) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(c))
	for k, v := range c.Clean() {
		out[k] = json.RawMessage(v)
	}
	return out
}

func fromWire(m map[string]json.RawMessage) session.Credentials {
	out := make(session.Credentials, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out
}
