package connection

import (
	"context"
	"sync"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/metrics"
	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/session"
	"github.com/sirupsen/logrus"
)

type State string

const (
	Connecting State = "connecting"
	Open       State = "open"
	Closed     State = "closed"
)

type CredentialStore interface {
	Load(ctx context.Context) (session.Credentials, error)
	Save(ctx context.Context, creds session.Credentials) error
	Clear(ctx context.Context) error
}

type Options struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	// InboundBuffer bounds inbound messages waiting for handlers. When it is
	// full, new messages are dropped.
	InboundBuffer     int
}

type timer interface {
	Stop() bool
}

// Manager owns the single session with the messaging network. It dials,
// persists credentials as they change, reconnects with a linear backoff and
// keeps the session alive with a presence heartbeat while open.
type Manager struct {
	dialer Dialer
	creds  CredentialStore
	opts   Options
	log    *logrus.Entry

	// sendMu serializes every frame written to the transport.
	sendMu sync.Mutex

	mu         sync.Mutex
	state      State
	transport  Transport
	gen        uint64
	backoff    *LinearBackOff
	pending    timer
	loggedOut  bool
	closed     bool
	qr         string
	paired     bool
	readyCh    chan struct{}
	stopBeat   chan struct{}
	lifetime   context.Context
	cancel     context.CancelFunc
	credsQueue chan session.Credentials
	writerDone chan struct{}

	// inbound decouples message handlers from the transport's read loop.
	inbound     chan model.InboundMessage
	inboundOnce sync.Once
	quit        chan struct{}

	onState []func(State)
	onQR    []func(string)
	onCreds []func(session.Credentials)
	onMsg   []func(model.InboundMessage)

	after func(d time.Duration, f func()) timer
}

func NewManager(dialer Dialer, creds CredentialStore, opts Options, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 256
	}
	return &Manager{
		dialer:  dialer,
		creds:   creds,
		opts:    opts,
		log:     log.WithField("component", "connection"),
		state:   Closed,
		backoff: NewLinearBackOff(opts.BaseDelay, opts.MaxDelay),
		readyCh: make(chan struct{}),
		inbound: make(chan model.InboundMessage, opts.InboundBuffer),
		quit:    make(chan struct{}),
		after: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// OnStateChange registers fn for every state transition. Handlers must be
// registered before Start.
func (m *Manager) OnStateChange(fn func(State)) { m.onState = append(m.onState, fn) }

// OnQR registers fn for pairing codes. An empty code means pairing finished.
func (m *Manager) OnQR(fn func(code string)) { m.onQR = append(m.onQR, fn) }

func (m *Manager) OnCredentialsChanged(fn func(session.Credentials)) {
	m.onCreds = append(m.onCreds, fn)
}

func (m *Manager) OnMessage(fn func(model.InboundMessage)) { m.onMsg = append(m.onMsg, fn) }

// Start launches the credential writer and the first connect attempt. A
// failed first dial is retried in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.lifetime != nil {
		m.mu.Unlock()
		return nil
	}
	m.lifetime, m.cancel = context.WithCancel(ctx)
	m.credsQueue = make(chan session.Credentials, 1)
	m.writerDone = make(chan struct{})
	m.mu.Unlock()

	go m.writeCredentials()

	err := m.Connect(ctx)
	if err != nil {
		m.log.WithError(err).Warn("initial connect failed")
	}
	return err
}

// Connect ends any existing session and dials a new one with the persisted
// credentials.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.loggedOut {
		m.mu.Unlock()
		return ErrLoggedOut
	}
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.gen++
	gen := m.gen
	prev := m.transport
	m.transport = nil
	m.stopHeartbeatLocked()
	notify := m.setStateLocked(Connecting)
	m.mu.Unlock()
	notify()

	if prev != nil {
		m.sendMu.Lock()
		if err := prev.Logout(ctx); err != nil {
			m.log.WithError(err).Debug("logout of previous session failed")
		}
		_ = prev.Close()
		m.sendMu.Unlock()
	}

	creds, err := m.creds.Load(ctx)
	if err != nil {
		m.log.WithError(err).Warn("could not load credentials; pairing from scratch")
		creds = session.Credentials{}
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	t, err := m.dialer.Dial(dialCtx, DialOptions{
		Credentials: creds,
		IgnoreJID:   IgnoreJID,
		Events:      m.eventsFor(gen),
	})
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			notify = m.setStateLocked(Closed)
			m.scheduleReconnectLocked(err)
		} else {
			notify = func() {}
		}
		m.mu.Unlock()
		notify()
		return err
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		_ = t.Close()
		return ErrSuperseded
	}
	m.transport = t
	m.mu.Unlock()

	m.log.WithField("generation", gen).Info("transport dialed")
	return nil
}

// Reconnect forces one reconnect cycle immediately.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.log.Info("reconnect requested")
	return m.Connect(ctx)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Open && m.transport != nil
}

// RetryCount is the number of reconnects scheduled since the last open.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Attempt()
}

// Pairing returns the latest pairing code and whether a session was paired.
func (m *Manager) Pairing() (qr string, paired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qr, m.paired
}

// WaitReady blocks until the session is open or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.state == Open && m.transport != nil {
			m.mu.Unlock()
			return nil
		}
		ch := m.readyCh
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send delivers one payload to a group. Interactive payloads are wrapped
// before they reach the transport. Errors are classified.
func (m *Manager) Send(ctx context.Context, to string, p Payload) (string, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	t := m.transport
	ready := m.state == Open && t != nil
	m.mu.Unlock()
	if !ready {
		return "", &TransientError{Err: ErrNotConnected}
	}

	id, err := t.Send(ctx, to, Shape(p))
	if err != nil {
		return "", Classify(err)
	}
	return id, nil
}

// Logout ends the session on the network side and clears credentials. The
// manager stays closed until ResetSession.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	t := m.transport
	m.transport = nil
	m.loggedOut = true
	m.stopHeartbeatLocked()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	notify := m.setStateLocked(Closed)
	m.mu.Unlock()
	notify()

	if t != nil {
		m.sendMu.Lock()
		if err := t.Logout(ctx); err != nil {
			m.log.WithError(err).Warn("logout failed")
		}
		_ = t.Close()
		m.sendMu.Unlock()
	}
	return m.creds.Clear(ctx)
}

// ResetSession clears credentials and starts pairing from scratch.
func (m *Manager) ResetSession(ctx context.Context) error {
	if err := m.creds.Clear(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.loggedOut = false
	m.paired = false
	m.backoff.Reset()
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Close stops reconnecting and ends the session without logging out.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.quit)
	m.gen++
	t := m.transport
	m.transport = nil
	m.stopHeartbeatLocked()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	notify := m.setStateLocked(Closed)
	cancel := m.cancel
	done := m.writerDone
	m.mu.Unlock()
	notify()

	var err error
	if t != nil {
		err = t.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return err
}

func (m *Manager) eventsFor(gen uint64) Events {
	return Events{
		OnQR:          func(code string) { m.handleQR(gen, code) },
		OnCredentials: func(c session.Credentials) { m.handleCredentials(gen, c) },
		OnOpen:        func() { m.handleOpen(gen) },
		OnClose:       func(loggedOut bool, err error) { m.handleClose(gen, loggedOut, err) },
		OnMessage:     func(msg model.InboundMessage) { m.handleMessage(gen, msg) },
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) handleQR(gen uint64, code string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.qr = code
	m.mu.Unlock()

	if code != "" {
		m.log.Info("pairing code received")
	}
	for _, fn := range m.onQR {
		fn(code)
	}
}

func (m *Manager) handleCredentials(gen uint64, c session.Credentials) {
	if !m.current(gen) {
		return
	}

	m.mu.Lock()
	q := m.credsQueue
	m.mu.Unlock()

	if q == nil {
		if err := m.creds.Save(context.Background(), c); err != nil {
			m.log.WithError(err).Error("persist credentials")
		}
	} else {
		// latest update wins
		select {
		case <-q:
		default:
		}
		select {
		case q <- c:
		default:
		}
	}

	for _, fn := range m.onCreds {
		fn(c)
	}
}

func (m *Manager) writeCredentials() {
	defer close(m.writerDone)
	for {
		select {
		case <-m.lifetime.Done():
			return
		case c := <-m.credsQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.creds.Save(ctx, c); err != nil {
				m.log.WithError(err).Error("persist credentials")
			}
			cancel()
		}
	}
}

func (m *Manager) handleOpen(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.backoff.Reset()
	m.qr = ""
	m.paired = true
	notify := m.setStateLocked(Open)
	m.startHeartbeatLocked(gen)
	m.mu.Unlock()

	m.log.Info("connection open")
	notify()
}

func (m *Manager) handleClose(gen uint64, loggedOut bool, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.stopHeartbeatLocked()
	notify := m.setStateLocked(Closed)

	entry := m.log
	if err != nil {
		entry = entry.WithError(err)
	}
	if loggedOut {
		m.loggedOut = true
		m.paired = false
		m.mu.Unlock()
		entry.Error("session logged out; clear credentials and pair again to reconnect")
		notify()
		return
	}
	m.scheduleReconnectLocked(err)
	m.mu.Unlock()
	notify()
}

// handleMessage runs on the transport's read loop, so it only queues. Acks
// read after an inbound message must not wait for its handlers.
func (m *Manager) handleMessage(gen uint64, msg model.InboundMessage) {
	if !m.current(gen) || IgnoreJID(msg.GroupID) || len(m.onMsg) == 0 {
		return
	}
	m.inboundOnce.Do(func() { go m.dispatchInbound() })

	select {
	case m.inbound <- msg:
	default:
		metrics.InboundDropped.Inc()
		m.log.WithField("group_id", msg.GroupID).Warn("inbound buffer full; message dropped")
	}
}

func (m *Manager) dispatchInbound() {
	for {
		select {
		case <-m.quit:
			return
		case msg := <-m.inbound:
			for _, fn := range m.onMsg {
				fn(msg)
			}
		}
	}
}

func (m *Manager) scheduleReconnectLocked(cause error) {
	if m.closed || m.loggedOut || m.pending != nil {
		return
	}
	attempt := m.backoff.Attempt()
	delay := m.backoff.NextBackOff()

	entry := m.log.WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay.String()})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Warn("connection closed; reconnect scheduled")

	ctx := m.lifetime
	if ctx == nil {
		ctx = context.Background()
	}
	m.pending = m.after(delay, func() {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := m.Connect(ctx); err != nil {
			m.log.WithError(err).Debug("reconnect attempt failed")
		}
	})
}

// setStateLocked records s and returns a func that notifies handlers. It
// must be called after m.mu is released.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	prev := m.state
	m.state = s
	if s == Open {
		close(m.readyCh)
	} else if prev == Open {
		m.readyCh = make(chan struct{})
	}
	handlers := m.onState
	return func() {
		for _, fn := range handlers {
			fn(s)
		}
	}
}

func (m *Manager) startHeartbeatLocked(gen uint64) {
	if m.opts.HeartbeatInterval <= 0 || m.stopBeat != nil {
		return
	}
	stop := make(chan struct{})
	m.stopBeat = stop
	go m.heartbeat(gen, stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
}

func (m *Manager) heartbeat(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			t := m.transport
			ok := gen == m.gen && m.state == Open && t != nil
			m.mu.Unlock()
			if !ok {
				continue
			}

			m.sendMu.Lock()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := t.SendPresence(ctx)
			cancel()
			m.sendMu.Unlock()
			if err != nil {
				m.log.WithError(err).Debug("presence heartbeat failed")
			}
		}
	}
}
