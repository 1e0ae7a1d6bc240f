package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []any
	sendErr   error
	presence  int
	loggedOut bool
	closed    bool
}

func (t *fakeTransport) Send(_ context.Context, _ string, msg any) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return "", t.sendErr
	}
	t.sent = append(t.sent, msg)
	return "remote-1", nil
}

func (t *fakeTransport) SendPresence(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presence++
	return nil
}

func (t *fakeTransport) Logout(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loggedOut = true
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeDialer struct {
	mu         sync.Mutex
	err        error
	dials      []DialOptions
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, opts DialOptions) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, opts)
	if d.err != nil {
		return nil, d.err
	}
	t := &fakeTransport{}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) last() (DialOptions, *fakeTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var t *fakeTransport
	if len(d.transports) > 0 {
		t = d.transports[len(d.transports)-1]
	}
	return d.dials[len(d.dials)-1], t
}

// overlapTransport fails the test run when two writes are in flight at once.
// It has no lock of its own.
type overlapTransport struct {
	inFlight atomic.Int32
	overlaps atomic.Int32
	sends    atomic.Int32
	presence atomic.Int32
}

func (t *overlapTransport) write() {
	if t.inFlight.Add(1) > 1 {
		t.overlaps.Add(1)
	}
	time.Sleep(2 * time.Millisecond)
	t.inFlight.Add(-1)
}

func (t *overlapTransport) Send(context.Context, string, any) (string, error) {
	t.write()
	t.sends.Add(1)
	return "remote-1", nil
}

func (t *overlapTransport) SendPresence(context.Context) error {
	t.write()
	t.presence.Add(1)
	return nil
}

func (t *overlapTransport) Logout(context.Context) error {
	t.write()
	return nil
}

func (t *overlapTransport) Close() error { return nil }

// overlapDialer hands out one shared transport so overlap is counted across
// sessions too.
type overlapDialer struct {
	tr     overlapTransport
	events Events
}

func (d *overlapDialer) Dial(_ context.Context, opts DialOptions) (Transport, error) {
	if d.events.OnOpen == nil {
		d.events = opts.Events
	}
	return &d.tr, nil
}

type memCreds struct {
	mu      sync.Mutex
	creds   session.Credentials
	saves   int
	cleared bool
}

func (s *memCreds) Load(context.Context) (session.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, nil
}

func (s *memCreds) Save(_ context.Context, c session.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c
	s.saves++
	return nil
}

func (s *memCreds) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	s.cleared = true
	return nil
}

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type timers struct {
	delays []time.Duration
	fns    []func()
}

func newTestManager(d *fakeDialer, c *memCreds) (*Manager, *timers) {
	m := NewManager(d, c, Options{BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second}, nil)
	tm := &timers{}
	m.after = func(delay time.Duration, f func()) timer {
		tm.delays = append(tm.delays, delay)
		tm.fns = append(tm.fns, f)
		return &fakeTimer{}
	}
	return m, tm
}

func TestDelay(t *testing.T) {
	base, max := 5*time.Second, 30*time.Second
	want := []time.Duration{5, 10, 15, 20, 25, 30, 30, 30}
	for n, w := range want {
		if got := Delay(base, max, n); got != w*time.Second {
			t.Fatalf("Delay(%d)=%v want %v", n, got, w*time.Second)
		}
	}
}

func TestLinearBackOff_Reset(t *testing.T) {
	b := NewLinearBackOff(time.Second, 3*time.Second)
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 2, b.Attempt())
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestConnect_OpensAndResetsRetries(t *testing.T) {
	d := &fakeDialer{}
	c := &memCreds{creds: session.Credentials{"creds": json.RawMessage(`{"me":"x"}`)}}
	m, _ := newTestManager(d, c)

	var states []State
	m.OnStateChange(func(s State) { states = append(states, s) })

	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.IsReady())

	opts, _ := d.last()
	assert.Equal(t, `{"me":"x"}`, string(opts.Credentials["creds"]))
	opts.Events.OnOpen()

	assert.True(t, m.IsReady())
	assert.Equal(t, Open, m.State())
	assert.Equal(t, 0, m.RetryCount())
	assert.Equal(t, []State{Connecting, Open}, states)

	_, paired := m.Pairing()
	assert.True(t, paired)
	require.NoError(t, m.WaitReady(context.Background()))
}

func TestReconnect_LinearBackoffUntilOpen(t *testing.T) {
	d := &fakeDialer{err: errors.New("dial refused")}
	m, tm := newTestManager(d, &memCreds{})

	assert.Error(t, m.Connect(context.Background()))
	assert.Equal(t, Closed, m.State())

	for i := 0; i < 6; i++ {
		tm.fns[len(tm.fns)-1]()
	}
	want := []time.Duration{5, 10, 15, 20, 25, 30, 30}
	require.Len(t, tm.delays, len(want))
	for i, w := range want {
		assert.Equal(t, w*time.Second, tm.delays[i])
	}
	assert.Equal(t, 7, m.RetryCount())

	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	tm.fns[len(tm.fns)-1]()

	opts, _ := d.last()
	opts.Events.OnOpen()
	assert.True(t, m.IsReady())
	assert.Equal(t, 0, m.RetryCount())
}

func TestClose_SchedulesReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, tm := newTestManager(d, &memCreds{})

	require.NoError(t, m.Connect(context.Background()))
	opts, _ := d.last()
	opts.Events.OnOpen()
	opts.Events.OnClose(false, errors.New("stream errored"))

	assert.False(t, m.IsReady())
	assert.Equal(t, Closed, m.State())
	require.Len(t, tm.delays, 1)
	assert.Equal(t, 5*time.Second, tm.delays[0])

	// a second close for the same session does not stack another timer
	opts.Events.OnClose(false, nil)
	assert.Len(t, tm.delays, 1)
}

func TestLoggedOut_IsTerminal(t *testing.T) {
	d := &fakeDialer{}
	m, tm := newTestManager(d, &memCreds{})

	require.NoError(t, m.Connect(context.Background()))
	opts, _ := d.last()
	opts.Events.OnOpen()
	opts.Events.OnClose(true, errors.New("logged out"))

	assert.Empty(t, tm.delays)
	assert.Equal(t, Closed, m.State())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrLoggedOut)
	assert.ErrorIs(t, m.Reconnect(context.Background()), ErrLoggedOut)

	require.NoError(t, m.ResetSession(context.Background()))
	assert.Equal(t, Connecting, m.State())
}

func TestConnect_LogsOutPreviousSession(t *testing.T) {
	d := &fakeDialer{}
	m, tm := newTestManager(d, &memCreds{})

	require.NoError(t, m.Connect(context.Background()))
	first, prev := d.last()
	first.Events.OnOpen()

	require.NoError(t, m.Reconnect(context.Background()))
	assert.True(t, prev.loggedOut)
	assert.True(t, prev.closed)

	// events from the replaced session are ignored
	first.Events.OnClose(true, nil)
	assert.Empty(t, tm.delays)
	require.NoError(t, m.Connect(context.Background()))
}

func TestSend_NotReadyIsTransient(t *testing.T) {
	m, _ := newTestManager(&fakeDialer{}, &memCreds{})

	_, err := m.Send(context.Background(), "A@g.us", Payload{Text: "hi"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSend_ShapesAndClassifies(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(d, &memCreds{})

	require.NoError(t, m.Connect(context.Background()))
	opts, tr := d.last()
	opts.Events.OnOpen()

	id, err := m.Send(context.Background(), "A@g.us", Payload{Text: "menu", List: map[string]any{"title": "t"}})
	require.NoError(t, err)
	assert.Equal(t, "remote-1", id)
	require.Len(t, tr.sent, 1)
	_, wrapped := tr.sent[0].(ViewOnceEnvelope)
	assert.True(t, wrapped)

	tr.sendErr = errors.New("Timed Out")
	_, err = m.Send(context.Background(), "A@g.us", Payload{Text: "x"})
	assert.True(t, IsTransient(err))

	tr.sendErr = errors.New("not-authorized")
	_, err = m.Send(context.Background(), "A@g.us", Payload{Text: "x"})
	var pe *PermanentError
	assert.ErrorAs(t, err, &pe)
}

func TestCredentials_PersistedOnChange(t *testing.T) {
	d := &fakeDialer{}
	c := &memCreds{}
	m, _ := newTestManager(d, c)

	var seen int
	m.OnCredentialsChanged(func(session.Credentials) { seen++ })

	require.NoError(t, m.Connect(context.Background()))
	opts, _ := d.last()
	opts.Events.OnCredentials(session.Credentials{"creds": json.RawMessage(`{"k":1}`)})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 1, c.saves)
	assert.Equal(t, `{"k":1}`, string(c.creds["creds"]))
	assert.Equal(t, 1, seen)
}

func TestStart_QueuesCredentialWrites(t *testing.T) {
	d := &fakeDialer{}
	c := &memCreds{}
	m, _ := newTestManager(d, c)

	require.NoError(t, m.Start(context.Background()))
	opts, _ := d.last()
	opts.Events.OnCredentials(session.Credentials{"creds": json.RawMessage(`{"k":2}`)})

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.saves == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, m.Close())
}

func TestInbound_FiltersIgnoredJIDs(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(d, &memCreds{})
	defer m.Close()

	var mu sync.Mutex
	var got []string
	m.OnMessage(func(msg model.InboundMessage) {
		mu.Lock()
		got = append(got, msg.GroupID)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	opts, _ := d.last()
	opts.Events.OnMessage(model.InboundMessage{GroupID: "status@broadcast"})
	opts.Events.OnMessage(model.InboundMessage{GroupID: "spam-123@g.us"})
	opts.Events.OnMessage(model.InboundMessage{GroupID: "A@g.us", Text: "oi"})
	opts.Events.OnMessage(model.InboundMessage{GroupID: "B@g.us", Text: "ola"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A@g.us", "B@g.us"}, got)
}

func TestInbound_SlowHandlerDoesNotBlockTransport(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, &memCreds{}, Options{BaseDelay: time.Second, MaxDelay: time.Second, InboundBuffer: 2}, nil)
	defer m.Close()

	release := make(chan struct{})
	defer close(release)
	handled := make(chan string, 8)
	m.OnMessage(func(msg model.InboundMessage) {
		handled <- msg.GroupID
		<-release
	})

	require.NoError(t, m.Connect(context.Background()))
	opts, _ := d.last()

	// The first message occupies the handler, two fill the buffer and the
	// rest are dropped. None of the calls may wait for the handler.
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		opts.Events.OnMessage(model.InboundMessage{GroupID: "A@g.us"})
		<-handled
		for i := 0; i < 5; i++ {
			opts.Events.OnMessage(model.InboundMessage{GroupID: "B@g.us"})
		}
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("inbound dispatch blocked the transport read loop")
	}
	assert.Len(t, m.inbound, 2)
}

func TestSend_SerializesAllTransportWrites(t *testing.T) {
	d := &overlapDialer{}
	m := NewManager(d, &memCreds{}, Options{
		BaseDelay:         time.Second,
		MaxDelay:          time.Second,
		HeartbeatInterval: time.Millisecond,
	}, nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	d.events.OnOpen()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Send(context.Background(), "A@g.us", Payload{Text: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// a reconnect logs out the previous session through the same lock
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Send(context.Background(), "A@g.us", Payload{Text: "y"})
	}()
	require.NoError(t, m.Reconnect(context.Background()))
	wg.Wait()

	assert.Equal(t, int32(0), d.tr.overlaps.Load(), "transport writes overlapped")
	assert.Positive(t, d.tr.presence.Load(), "heartbeat never ran")
	assert.GreaterOrEqual(t, d.tr.sends.Load(), int32(20))
}

func TestQR_TrackedUntilOpen(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(d, &memCreds{})

	var codes []string
	m.OnQR(func(code string) { codes = append(codes, code) })

	require.NoError(t, m.Connect(context.Background()))
	opts, _ := d.last()
	opts.Events.OnQR("2@abc")

	qr, paired := m.Pairing()
	assert.Equal(t, "2@abc", qr)
	assert.False(t, paired)

	opts.Events.OnOpen()
	qr, paired = m.Pairing()
	assert.Empty(t, qr)
	assert.True(t, paired)
	assert.Equal(t, []string{"2@abc"}, codes)
}

func TestHeartbeat_SendsPresenceWhileOpen(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, &memCreds{}, Options{BaseDelay: time.Second, MaxDelay: time.Second, HeartbeatInterval: 10 * time.Millisecond}, nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	opts, tr := d.last()
	opts.Events.OnOpen()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.presence >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestLogout_ClearsCredentials(t *testing.T) {
	d := &fakeDialer{}
	c := &memCreds{}
	m, _ := newTestManager(d, c)

	require.NoError(t, m.Connect(context.Background()))
	opts, tr := d.last()
	opts.Events.OnOpen()

	require.NoError(t, m.Logout(context.Background()))
	assert.True(t, tr.loggedOut)
	assert.True(t, c.cleared)
	assert.Equal(t, Closed, m.State())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrLoggedOut)
}

func TestIgnoreJID(t *testing.T) {
	assert.True(t, IgnoreJID(""))
	assert.True(t, IgnoreJID("status@broadcast"))
	assert.True(t, IgnoreJID("123-spam@g.us"))
	assert.False(t, IgnoreJID("12036302@g.us"))
}
