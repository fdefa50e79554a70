package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failure(attempt int) channel.Status {
	return channel.Status{
		State:   channel.StateFailed,
		Channel: "notification::u1",
		Attempt: attempt,
		Err:     errors.New("dial tcp: connection refused"),
		RetryIn: 2 * time.Second,
	}
}

func TestNotices_throttles_failures(t *testing.T) {
	n := NewNotices(1, zerolog.Nop())

	n.Observe(failure(1))
	first := n.Last()
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, "Connection failed: dial tcp: connection refused", first.Message)
	assert.Equal(t, 2*time.Second, first.RetryIn)

	n.Observe(failure(2))
	n.Observe(failure(3))

	assert.Equal(t, 1, n.Last().Attempt, "later failures within the window are suppressed")
	assert.Equal(t, 2, n.suppressed)
}

func TestNotices_unthrottled(t *testing.T) {
	n := NewNotices(0, zerolog.Nop())

	for i := 1; i <= 5; i++ {
		n.Observe(failure(i))
		assert.Equal(t, i, n.Last().Attempt)
	}
}

func TestNotices_cleared_on_reconnect(t *testing.T) {
	n := NewNotices(0, zerolog.Nop())

	n.Observe(failure(1))
	n.Observe(channel.Status{State: channel.StateReconnecting})
	require.NotNil(t, n.Last())

	n.Observe(channel.Status{State: channel.StateConnected, Channel: "notification::u1"})
	assert.Nil(t, n.Last())
}

func TestNotices_ignores_failures_without_error(t *testing.T) {
	n := NewNotices(0, zerolog.Nop())

	n.Observe(channel.Status{State: channel.StateFailed})
	assert.Nil(t, n.Last())
}

func TestNotices_Last_returns_copy(t *testing.T) {
	n := NewNotices(0, zerolog.Nop())
	n.Observe(failure(1))

	n.Last().Message = "changed"
	assert.Contains(t, n.Last().Message, "Connection failed")
}

func TestNotice_json_reports_retry_in_milliseconds(t *testing.T) {
	n := NewNotices(0, zerolog.Nop())
	n.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	n.Observe(failure(3))

	b, err := json.Marshal(Status{State: channel.StateReconnecting, LastNotice: n.Last()})
	require.NoError(t, err)

	var body struct {
		LastNotice map[string]interface{} `json:"last_notice"`
	}
	require.NoError(t, json.Unmarshal(b, &body))
	assert.Equal(t, float64(2000), body.LastNotice["retry_in_ms"])
	assert.Equal(t, float64(3), body.LastNotice["attempt"])
	assert.Equal(t, "2024-05-01T12:00:00Z", body.LastNotice["at"])
	assert.NotContains(t, body.LastNotice, "retry_in")
	assert.NotContains(t, body.LastNotice, "RetryIn")
}
