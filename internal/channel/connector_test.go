package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService is a scripted notification service. script runs once per
// accepted socket after the subscribe frame has been read.
type fakeService struct {
	t        *testing.T
	upgrader websocket.Upgrader
	script   func(n int, ws *websocket.Conn, sub Frame)

	mu      sync.Mutex
	accepts int
	auth    []string
}

func newFakeService(t *testing.T, script func(n int, ws *websocket.Conn, sub Frame)) (*fakeService, string) {
	t.Helper()
	fs := &fakeService{t: t, script: script}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	f.mu.Lock()
	f.accepts++
	n := f.accepts
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	var sub Frame
	if err := ws.ReadJSON(&sub); err != nil {
		return
	}
	f.script(n, ws, sub)
}

func (f *fakeService) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

func ack(ws *websocket.Conn, sub Frame) {
	_ = ws.WriteJSON(Frame{Type: FrameAck, Channel: sub.Channel})
}

func send(ws *websocket.Conn, channel string, data string) {
	_ = ws.WriteJSON(Frame{Type: FrameNotification, Channel: channel, Data: json.RawMessage(data)})
}

// drain blocks until the client goes away.
func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func fastPolicy() Policy {
	return Policy{
		TransportBase: 10 * time.Millisecond,
		ServerBase:    5 * time.Millisecond,
		Max:           50 * time.Millisecond,
		Multiplier:    2,
		Randomization: 0.1,
	}
}

type recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	statuses   []Status
}

func (r *recorder) handle(d Delivery) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	r.mu.Unlock()
}

func (r *recorder) status(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) delivered() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

func (r *recorder) failures() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, s := range r.statuses {
		if s.State == StateFailed {
			out = append(out, s)
		}
	}
	return out
}

func newTestConnector(url string, rec *recorder) *Connector {
	return NewConnector(Config{
		URL:              url,
		HandshakeTimeout: time.Second,
		Policy:           fastPolicy(),
	}, zerolog.Nop(), WithStatusFunc(rec.status))
}

func user(id string) models.Identity {
	return models.Identity{SubjectID: id, Token: "tok-" + id}
}

func TestName(t *testing.T) {
	assert.Equal(t, "notification::user-123", Name("user-123"))
}

func TestConnector_Connect_delivers_and_authenticates(t *testing.T) {
	svc, url := newFakeService(t, func(_ int, ws *websocket.Conn, sub Frame) {
		ack(ws, sub)
		send(ws, sub.Channel, `{"title":"New order","id":42}`)
		drain(ws)
	})
	rec := &recorder{}
	c := newTestConnector(url, rec)

	conn, err := c.Connect(context.Background(), user("user-123"), rec.handle)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool { return len(rec.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, "notification::user-123", conn.ChannelName())
	assert.JSONEq(t, `{"title":"New order","id":42}`, string(rec.delivered()[0].Data))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"Bearer tok-user-123"}, svc.auth)
}

func TestConnector_Connect_rejects_missing_subject(t *testing.T) {
	c := newTestConnector("ws://127.0.0.1:1", &recorder{})

	conn, err := c.Connect(context.Background(), models.Identity{}, func(Delivery) {})
	assert.ErrorIs(t, err, ErrNoSubject)
	assert.Nil(t, conn)
}

func TestConnection_Close_is_idempotent(t *testing.T) {
	_, url := newFakeService(t, func(_ int, ws *websocket.Conn, sub Frame) {
		ack(ws, sub)
		drain(ws)
	})
	rec := &recorder{}
	c := newTestConnector(url, rec)

	conn, err := c.Connect(context.Background(), user("u1"), rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() {
		conn.Close()
		conn.Close()
		c.Disconnect(conn)
		c.Disconnect(nil)
	})
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Nil(t, c.Active("u1"))

	select {
	case <-conn.Done():
	default:
		t.Fatal("expected connection to be done")
	}
}

func TestConnection_Close_cancels_pending_reconnect(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	rec := &recorder{}
	c := NewConnector(Config{
		URL:              url,
		HandshakeTimeout: time.Second,
		Policy:           Policy{TransportBase: time.Hour, ServerBase: time.Hour, Max: time.Hour},
	}, zerolog.Nop(), WithStatusFunc(rec.status))

	conn, err := c.Connect(context.Background(), user("u1"), rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		conn.Close()
		conn.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not cancel the reconnect timer")
	}
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Len(t, rec.failures(), 1)
}

func TestConnection_reconnect_does_not_duplicate_delivery(t *testing.T) {
	svc, url := newFakeService(t, func(n int, ws *websocket.Conn, sub Frame) {
		ack(ws, sub)
		switch n {
		case 1:
			send(ws, sub.Channel, `{"id":"a"}`)
			// Abrupt transport failure, no close frame.
			_ = ws.UnderlyingConn().Close()
		default:
			send(ws, sub.Channel, `{"id":"b"}`)
			drain(ws)
		}
	})
	rec := &recorder{}
	c := newTestConnector(url, rec)

	conn, err := c.Connect(context.Background(), user("u1"), rec.handle)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool { return len(rec.delivered()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	// Give a stale reader time to misbehave if one survived.
	time.Sleep(100 * time.Millisecond)

	got := rec.delivered()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"id":"a"}`, string(got[0].Data))
	assert.JSONEq(t, `{"id":"b"}`, string(got[1].Data))
	assert.Equal(t, 2, svc.acceptCount())
	assert.Equal(t, StateConnected, conn.State())

	failures := rec.failures()
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Attempt)
}

func TestConnection_drops_frames_for_other_channels(t *testing.T) {
	_, url := newFakeService(t, func(_ int, ws *websocket.Conn, sub Frame) {
		ack(ws, sub)
		send(ws, "notification::user-999", `{"secret":true}`)
		send(ws, sub.Channel, `{"mine":true}`)
		drain(ws)
	})
	rec := &recorder{}
	c := newTestConnector(url, rec)

	conn, err := c.Connect(context.Background(), user("user-123"), rec.handle)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool { return len(rec.delivered()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	got := rec.delivered()
	require.Len(t, got, 1)
	assert.Equal(t, "notification::user-123", got[0].Channel)
	assert.JSONEq(t, `{"mine":true}`, string(got[0].Data))
}

func TestConnection_server_disconnect_reconnects(t *testing.T) {
	svc, url := newFakeService(t, func(n int, ws *websocket.Conn, sub Frame) {
		ack(ws, sub)
		if n == 1 {
			_ = ws.WriteJSON(Frame{Type: FrameDisconnect, Reason: "rebalancing"})
			return
		}
		drain(ws)
	})
	rec := &recorder{}
	c := newTestConnector(url, rec)

	conn, err := c.Connect(context.Background(), user("u1"), rec.handle)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool {
		return svc.acceptCount() == 2 && conn.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	failures := rec.failures()
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0].Err, ErrServerDisconnect))
	assert.LessOrEqual(t, failures[0].RetryIn, fastPolicy().Max)
	assert.Nil(t, conn.LastError())
}

func TestConnection_handshake_refusal_retries(t *testing.T) {
	svc, url := newFakeService(t, func(_ int, ws *websocket.Conn, _ Frame) {
		_ = ws.WriteJSON(Frame{Type: FrameError, Reason: "unauthorized"})
	})
	rec := &recorder{}
	c := newTestConnector(url, rec)

	conn, err := c.Connect(context.Background(), user("u1"), rec.handle)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool { return svc.acceptCount() >= 3 }, 2*time.Second, 5*time.Millisecond)

	failures := rec.failures()
	require.NotEmpty(t, failures)
	assert.True(t, errors.Is(failures[0].Err, ErrHandshakeFailed))
	assert.True(t, errors.Is(conn.LastError(), ErrHandshakeFailed))
	assert.Empty(t, rec.delivered())
}

func TestConnection_clean_remote_close_disconnects(t *testing.T) {
	svc, url := newFakeService(t, func(_ int, ws *websocket.Conn, sub Frame) {
		ack(ws, sub)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		drain(ws)
	})
	rec := &recorder{}
	c := newTestConnector(url, rec)

	conn, err := c.Connect(context.Background(), user("u1"), rec.handle)
	require.NoError(t, err)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to finish after clean close")
	}
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, 1, svc.acceptCount())
	assert.Empty(t, rec.failures())
}

func TestConnector_Connect_replaces_previous_connection(t *testing.T) {
	_, url := newFakeService(t, func(_ int, ws *websocket.Conn, sub Frame) {
		ack(ws, sub)
		drain(ws)
	})
	rec := &recorder{}
	c := newTestConnector(url, rec)

	first, err := c.Connect(context.Background(), user("u1"), rec.handle)
	require.NoError(t, err)
	second, err := c.Connect(context.Background(), user("u1"), rec.handle)
	require.NoError(t, err)
	t.Cleanup(second.Close)

	select {
	case <-first.Done():
	default:
		t.Fatal("expected previous connection to be torn down")
	}
	assert.Same(t, second, c.Active("u1"))
}

func TestConnection_context_cancel_tears_down(t *testing.T) {
	_, url := newFakeService(t, func(_ int, ws *websocket.Conn, sub Frame) {
		ack(ws, sub)
		drain(ws)
	})
	rec := &recorder{}
	c := newTestConnector(url, rec)

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := c.Connect(ctx, user("u1"), rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to stop on context cancel")
	}
}

func TestConnection_handler_panic_is_contained(t *testing.T) {
	_, url := newFakeService(t, func(_ int, ws *websocket.Conn, sub Frame) {
		ack(ws, sub)
		send(ws, sub.Channel, `{"n":1}`)
		send(ws, sub.Channel, `{"n":2}`)
		drain(ws)
	})
	var mu sync.Mutex
	calls := 0
	c := newTestConnector(url, &recorder{})

	conn, err := c.Connect(context.Background(), user("u1"), func(Delivery) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, conn.State())
}
