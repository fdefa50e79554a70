package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/models"
)

// Connection is one logical subscription to a subject's channel. It survives
// socket failures by redialing in the background until closed.
type Connection struct {
	connector *Connector
	identity  models.Identity
	channel   string
	handler   Handler
	logger    zerolog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	state    State
	attempts int
	lastErr  error
}

func (c *Connection) ChannelName() string {
	return c.channel
}

func (c *Connection) SubjectID() string {
	return c.identity.SubjectID
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error that ended the most recent attempt.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Done is closed once the connection is fully torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close cancels any pending reconnect, closes the socket and waits for the
// reader to exit. Repeated calls are no-ops.
func (c *Connection) Close() {
	c.closeOnce.Do(c.cancel)
	<-c.done
}

func (c *Connection) run(ctx context.Context) {
	defer func() {
		c.connector.release(c)
		c.transition(StateDisconnected, nil, 0)
		close(c.done)
	}()

	schedule := newRetrySchedule(c.connector.cfg.Policy)
	for {
		c.transition(StateConnecting, nil, 0)
		cause, err := c.attempt(ctx, schedule)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			c.logger.Info().Msg("notification service closed the connection")
			return
		}

		delay := schedule.next(cause)
		c.mu.Lock()
		c.attempts = schedule.attempts
		c.mu.Unlock()

		c.logger.Warn().
			Err(err).
			Str("cause", cause.String()).
			Int("attempt", schedule.attempts).
			Dur("retry_in", delay).
			Msg("notification channel lost")
		c.transition(StateFailed, err, delay)
		c.transition(StateReconnecting, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attempt runs one socket from dial to close. The socket and its helper
// goroutines are gone by the time it returns, so the next dial can never
// overlap with a stale reader. A nil error means a clean remote close.
func (c *Connection) attempt(ctx context.Context, schedule *retrySchedule) (Cause, error) {
	cfg := c.connector.cfg

	header := http.Header{}
	if c.identity.Token != "" {
		header.Set("Authorization", "Bearer "+c.identity.Token)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	ws, resp, err := c.connector.dialer.DialContext(dialCtx, cfg.URL, header)
	cancelDial()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return CauseTransport, errors.Wrap(err, "dial notification service")
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ws.Close()
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	if cause, err := c.handshake(ws, cfg.HandshakeTimeout); err != nil {
		return cause, err
	}
	schedule.reset()
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.transition(StateConnected, nil, 0)
	c.logger.Info().Msg("notification channel connected")

	if cfg.PingInterval > 0 {
		pongWait := 2 * cfg.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.keepalive(ws, cfg.PingInterval, stop)
		}()
	} else {
		_ = ws.SetReadDeadline(time.Time{})
	}

	return c.read(ctx, ws)
}

func (c *Connection) handshake(ws *websocket.Conn, timeout time.Duration) (Cause, error) {
	_ = ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := ws.WriteJSON(Frame{Type: FrameSubscribe, Channel: c.channel}); err != nil {
		return CauseTransport, errors.Wrap(err, "send subscribe")
	}
	_ = ws.SetWriteDeadline(time.Time{})

	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	var ack Frame
	if err := ws.ReadJSON(&ack); err != nil {
		return CauseTransport, errors.Wrap(err, "await handshake")
	}

	switch ack.Type {
	case FrameAck:
		if ack.Channel != "" && ack.Channel != c.channel {
			return CauseTransport, errors.Wrapf(ErrHandshakeFailed, "acknowledged %q", ack.Channel)
		}
		return CauseTransport, nil
	case FrameDisconnect:
		return CauseServer, withReason(ErrServerDisconnect, ack.Reason)
	case FrameError:
		return CauseTransport, withReason(ErrHandshakeFailed, ack.Reason)
	default:
		return CauseTransport, errors.Wrapf(ErrHandshakeFailed, "unexpected %q frame", ack.Type)
	}
}

func (c *Connection) keepalive(ws *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *Connection) read(ctx context.Context, ws *websocket.Conn) (Cause, error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return CauseTransport, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return CauseTransport, nil
			}
			return CauseTransport, errors.Wrap(err, "read frame")
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case FrameNotification:
			if frame.Channel != c.channel {
				c.logger.Debug().Str("frame_channel", frame.Channel).Msg("dropping frame for another channel")
				continue
			}
			c.deliver(Delivery{Channel: frame.Channel, Data: frame.Data})
		case FrameDisconnect:
			return CauseServer, withReason(ErrServerDisconnect, frame.Reason)
		case FrameAck:
		default:
			c.logger.Debug().Str("type", string(frame.Type)).Msg("ignoring frame")
		}
	}
}

func (c *Connection) deliver(d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("delivery handler panicked")
		}
	}()
	c.handler(d)
}

func (c *Connection) transition(state State, err error, retryIn time.Duration) {
	c.mu.Lock()
	c.state = state
	if err != nil {
		c.lastErr = err
	} else if state == StateConnected {
		c.lastErr = nil
	}
	attempts := c.attempts
	c.mu.Unlock()

	c.connector.report(Status{
		State:   state,
		Channel: c.channel,
		Attempt: attempts,
		Err:     err,
		RetryIn: retryIn,
	})
}

func withReason(err error, reason string) error {
	if reason == "" {
		return err
	}
	return errors.Wrap(err, reason)
}
