package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/channel"
	"golang.org/x/time/rate"
)

// Notice is a transient warning about the connection, meant for display.
type Notice struct {
	Message    string        `json:"message"`
	Attempt    int           `json:"attempt"`
	RetryIn    time.Duration `json:"-"`
	Suppressed int           `json:"suppressed,omitempty"`
	At         time.Time     `json:"at"`
}

// MarshalJSON reports RetryIn as whole milliseconds.
func (n Notice) MarshalJSON() ([]byte, error) {
	type plain Notice
	return json.Marshal(struct {
		plain
		RetryInMS int64 `json:"retry_in_ms"`
	}{plain(n), n.RetryIn.Milliseconds()})
}

// Notices turns connection failures into rate-limited notices so a long
// outage does not flood the log.
type Notices struct {
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	last       *Notice
	suppressed int
}

// NewNotices allows perMinute notices per minute. Zero or less disables
// throttling.
func NewNotices(perMinute int, logger zerolog.Logger) *Notices {
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &Notices{
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "notices").Logger(),
		now:     time.Now,
	}
}

// Observe is a channel.StatusFunc.
func (n *Notices) Observe(st channel.Status) {
	n.logger.Debug().
		Str("state", st.State.String()).
		Str("channel", st.Channel).
		Int("attempt", st.Attempt).
		Msg("connection state changed")

	switch st.State {
	case channel.StateFailed:
		n.failed(st)
	case channel.StateConnected:
		n.mu.Lock()
		recovered := n.last != nil
		n.last = nil
		n.suppressed = 0
		n.mu.Unlock()
		if recovered {
			n.logger.Info().Str("channel", st.Channel).Msg("notification channel reconnected")
		}
	}
}

func (n *Notices) failed(st channel.Status) {
	if st.Err == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.limiter.Allow() {
		n.suppressed++
		return
	}
	notice := &Notice{
		Message:    "Connection failed: " + st.Err.Error(),
		Attempt:    st.Attempt,
		RetryIn:    st.RetryIn,
		Suppressed: n.suppressed,
		At:         n.now(),
	}
	n.last = notice
	n.suppressed = 0

	n.logger.Warn().
		Err(st.Err).
		Str("channel", st.Channel).
		Int("attempt", st.Attempt).
		Dur("retry_in", st.RetryIn).
		Int("suppressed", notice.Suppressed).
		Msg("notification channel connection failed")
}

// Last returns the most recent notice, or nil once the channel has recovered.
func (n *Notices) Last() *Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.last == nil {
		return nil
	}
	cp := *n.last
	return &cp
}
