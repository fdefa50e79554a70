package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/models"
)

var (
	ErrNoSubject         = errors.New("identity has no subject id")
	ErrHandshakeFailed   = errors.New("handshake failed")
	ErrServerDisconnect  = errors.New("server closed the session")
	errMissingHandler    = errors.New("delivery handler is required")
	errMissingServiceURL = errors.New("notification service url is required")
)

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings; zero disables them.
	PingInterval time.Duration
	Policy       Policy
}

type Option func(*Connector)

// WithStatusFunc registers a listener for connection state changes.
func WithStatusFunc(fn StatusFunc) Option {
	return func(c *Connector) { c.onStatus = fn }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connector) { c.dialer = d }
}

// Connector opens channel connections to the notification service. It keeps at
// most one live Connection per subject.
type Connector struct {
	cfg      Config
	dialer   *websocket.Dialer
	logger   zerolog.Logger
	onStatus StatusFunc

	// connectMu serializes Connect so replacing a subject's connection is atomic.
	connectMu sync.Mutex
	mu        sync.Mutex
	active    map[string]*Connection
}

func NewConnector(cfg Config, logger zerolog.Logger, opts ...Option) *Connector {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	cfg.Policy = cfg.Policy.withDefaults()

	c := &Connector{
		cfg:    cfg,
		logger: logger.With().Str("component", "channel_connector").Logger(),
		active: map[string]*Connection{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	return c
}

// Connect tears down any previous connection for the same subject, then starts
// a new one in the background. The returned Connection lives until it is
// closed or ctx is cancelled.
func (c *Connector) Connect(ctx context.Context, identity models.Identity, handler Handler) (*Connection, error) {
	if identity.SubjectID == "" {
		return nil, ErrNoSubject
	}
	if handler == nil {
		return nil, errMissingHandler
	}
	if c.cfg.URL == "" {
		return nil, errMissingServiceURL
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	prev := c.active[identity.SubjectID]
	c.mu.Unlock()
	if prev != nil {
		c.logger.Debug().Str("channel", prev.ChannelName()).Msg("replacing existing connection")
		c.Disconnect(prev)
	}

	runCtx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		connector: c,
		identity:  identity,
		channel:   Name(identity.SubjectID),
		handler:   handler,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    c.logger.With().Str("channel", Name(identity.SubjectID)).Logger(),
	}

	c.mu.Lock()
	c.active[identity.SubjectID] = conn
	c.mu.Unlock()

	go conn.run(runCtx)
	return conn, nil
}

// Disconnect closes conn and waits for its reader and any pending reconnect
// timer to stop. It is safe to call more than once and with nil.
func (c *Connector) Disconnect(conn *Connection) {
	if conn == nil {
		return
	}
	conn.Close()
}

// Active returns the live connection for subjectID, if any.
func (c *Connector) Active(subjectID string) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[subjectID]
}

func (c *Connector) release(conn *Connection) {
	c.mu.Lock()
	if c.active[conn.identity.SubjectID] == conn {
		delete(c.active, conn.identity.SubjectID)
	}
	c.mu.Unlock()
}

func (c *Connector) report(s Status) {
	if c.onStatus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("status listener panicked")
		}
	}()
	c.onStatus(s)
}
