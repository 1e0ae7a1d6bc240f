package connection

import (
	"context"
	"strings"

	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/session"
)

// Transport is one live session with the messaging network.
// Implementations need not be safe for concurrent Send calls.
type Transport interface {
	Send(ctx context.Context, to string, msg any) (remoteID string, err error)
	SendPresence(ctx context.Context) error
	Logout(ctx context.Context) error
	Close() error
}

// Events are emitted by a transport from its own goroutine.
type Events struct {
	OnQR          func(code string)
	OnCredentials func(creds session.Credentials)
	OnOpen        func()
	OnClose       func(loggedOut bool, err error)
	OnMessage     func(msg model.InboundMessage)
}

type DialOptions struct {
	Credentials session.Credentials
	IgnoreJID   func(jid string) bool
	Events      Events
}

type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Transport, error)
}

// IgnoreJID drops status broadcasts, spam-tagged and malformed identifiers.
func IgnoreJID(jid string) bool {
	if jid == "" {
		return true
	}
	return strings.HasPrefix(jid, "status@broadcast") || strings.Contains(jid, "spam")
}
