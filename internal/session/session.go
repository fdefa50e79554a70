package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/channel"
	"github.com/stanstork/admin-inbox/internal/identity"
	"github.com/stanstork/admin-inbox/internal/models"
	"github.com/stanstork/admin-inbox/internal/notification"
)

var (
	// ErrClosed is returned by Start once the session has been shut down.
	ErrClosed = errors.New("session closed")
	// ErrInvalidCredential is returned by Login when the token does not
	// resolve to an identity. The stored credential is left untouched.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrReadOnlyCredential is returned by Login and Logout when the
	// credential source cannot be written.
	ErrReadOnlyCredential = errors.New("credential source is read-only")
)

const (
	receiveTimeout = 5 * time.Second
	// selfWriteWindow covers the watcher debounce for credential writes made
	// by Login and Logout, which restart the session themselves.
	selfWriteWindow = 2 * time.Second
)

type Resolver interface {
	Resolve(ctx context.Context) (models.Identity, error)
}

// tokenResolver is implemented by resolvers that can vet a candidate token.
type tokenResolver interface {
	ResolveToken(ctx context.Context, token string) (models.Identity, error)
}

type Connector interface {
	Connect(ctx context.Context, identity models.Identity, handler channel.Handler) (*channel.Connection, error)
	Disconnect(conn *channel.Connection)
}

// Status describes the session for the presentation layer.
type Status struct {
	State       channel.State `json:"state"`
	Channel     string        `json:"channel,omitempty"`
	SubjectID   string        `json:"subject_id,omitempty"`
	Role        string        `json:"role,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	LastNotice  *Notice       `json:"last_notice,omitempty"`
	UnreadCount int           `json:"unread_count"`
}

// Session owns the single notification connection of the signed-in user and
// feeds its deliveries into the inbox.
type Session struct {
	resolver  Resolver
	connector Connector
	inbox     notification.Service
	notices   *Notices
	writer    identity.CredentialWriter
	logger    zerolog.Logger
	now       func() time.Time

	// lifecycle serializes Start, Stop and Restart.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	identity *models.Identity
	conn     *channel.Connection
	closed   bool
	// wroteCredentialAt is when Login or Logout last wrote the credential.
	wroteCredentialAt time.Time
}

type Option func(*Session)

// WithNotices attaches the notice tracker reported in Status.
func WithNotices(n *Notices) Option {
	return func(s *Session) { s.notices = n }
}

// WithCredentialWriter enables Login and Logout.
func WithCredentialWriter(w identity.CredentialWriter) Option {
	return func(s *Session) { s.writer = w }
}

func New(resolver Resolver, connector Connector, inbox notification.Service, logger zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		resolver:  resolver,
		connector: connector,
		inbox:     inbox,
		logger:    logger.With().Str("component", "session").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start resolves the identity and opens the channel. Without an identity no
// connection is attempted and nil is returned. Calling Start on a running
// session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked(ctx)
}

func (s *Session) startLocked(ctx context.Context) error {
	s.mu.RLock()
	closed, running, prev := s.closed, s.conn != nil, s.identity
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if running {
		return nil
	}

	id, err := s.resolver.Resolve(ctx)
	if errors.Is(err, identity.ErrIdentityUnavailable) {
		s.logger.Debug().Msg("no identity available, staying disconnected")
		if prev != nil {
			s.inbox.Reset()
		}
		s.setIdentity(nil)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "resolve identity")
	}

	if prev == nil || prev.SubjectID != id.SubjectID {
		s.inbox.Reset()
		if err := s.inbox.Restore(ctx, id.SubjectID); err != nil {
			s.logger.Warn().Err(err).Str("subject_id", id.SubjectID).Msg("failed to restore inbox from archive")
		}
	}

	// The connection outlives the caller's context; Stop ends it.
	conn, err := s.connector.Connect(context.WithoutCancel(ctx), id, s.handler(id.SubjectID))
	if err != nil {
		return errors.Wrap(err, "connect notification channel")
	}

	s.mu.Lock()
	s.identity = &id
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info().
		Str("subject_id", id.SubjectID).
		Str("source", string(id.Source)).
		Str("channel", channel.Name(id.SubjectID)).
		Msg("session started")
	return nil
}

func (s *Session) handler(subjectID string) channel.Handler {
	return func(d channel.Delivery) {
		ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
		defer cancel()
		s.inbox.Receive(ctx, subjectID, d.Channel, notification.MessageFromJSON(d.Data))
	}
}

// Stop closes the connection and waits for it to wind down. The inbox keeps
// its contents. Stop is idempotent.
func (s *Session) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}
	s.connector.Disconnect(conn)
	s.logger.Info().Str("channel", conn.ChannelName()).Msg("session stopped")
}

// Restart re-resolves the identity and reconnects. The inbox is cleared when
// the subject changes.
func (s *Session) Restart(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked()
	return s.startLocked(ctx)
}

// Close stops the session for good.
func (s *Session) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Login checks that token resolves to an identity, persists it and restarts
// the session with it.
func (s *Session) Login(ctx context.Context, token string) error {
	if s.writer == nil {
		return ErrReadOnlyCredential
	}
	if tr, ok := s.resolver.(tokenResolver); ok {
		if _, err := tr.ResolveToken(ctx, token); err != nil {
			return errors.Wrapf(ErrInvalidCredential, "resolve token: %v", err)
		}
	}

	s.markCredentialWrite()
	if err := s.writer.Save(ctx, token); err != nil {
		return errors.Wrap(err, "save credential")
	}
	return s.Restart(ctx)
}

// Logout forgets the credential, disconnects and clears the inbox.
func (s *Session) Logout(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.writer != nil {
		s.markCredentialWrite()
		if err := s.writer.Clear(ctx); err != nil {
			return errors.Wrap(err, "clear credential")
		}
	}
	s.stopLocked()
	s.inbox.Reset()
	s.setIdentity(nil)
	s.logger.Info().Msg("logged out")
	return nil
}

// CredentialChanged restarts the session after the stored credential changed
// outside of it. Changes following a Login or Logout within selfWriteWindow
// are skipped since those already restarted the session.
func (s *Session) CredentialChanged(ctx context.Context) error {
	s.mu.RLock()
	wrote := s.wroteCredentialAt
	s.mu.RUnlock()

	if !wrote.IsZero() && s.now().Sub(wrote) < selfWriteWindow {
		s.logger.Debug().Msg("credential change made by this session, skipping restart")
		return nil
	}
	return s.Restart(ctx)
}

func (s *Session) markCredentialWrite() {
	s.mu.Lock()
	s.wroteCredentialAt = s.now()
	s.mu.Unlock()
}

func (s *Session) MarkAllRead(ctx context.Context) notification.Snapshot {
	return s.inbox.MarkAllRead(ctx, s.subjectID())
}

func (s *Session) Snapshot() notification.Snapshot {
	return s.inbox.Snapshot()
}

// Identity returns the identity of the running session, if any.
func (s *Session) Identity() (models.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return models.Identity{}, false
	}
	return *s.identity, true
}

func (s *Session) Status() Status {
	s.mu.RLock()
	id, conn := s.identity, s.conn
	s.mu.RUnlock()

	st := Status{
		State:       channel.StateDisconnected,
		UnreadCount: s.inbox.UnreadCount(),
	}
	if id != nil {
		st.SubjectID = id.SubjectID
		st.Role = id.Role
	}
	if conn != nil {
		st.State = conn.State()
		st.Channel = conn.ChannelName()
		if err := conn.LastError(); err != nil {
			st.LastError = err.Error()
		}
	}
	if s.notices != nil {
		st.LastNotice = s.notices.Last()
	}
	return st
}

func (s *Session) subjectID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.SubjectID
}

func (s *Session) setIdentity(id *models.Identity) {
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}
