package notification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/models"
)

// Normalizer converts inbound messages into canonical records. It never fails:
// anything it cannot decode becomes a fallback record carrying the raw text.
type Normalizer struct {
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

func NewNormalizer(logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		logger: logger.With().Str("component", "event_normalizer").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (n *Normalizer) Normalize(msg Message) (rec models.Notification) {
	now := n.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Interface("panic", r).Msg("normalization panicked, using fallback record")
			rec = n.record(fallbackPayload(fmt.Sprint(msg.value, msg.raw), now), now)
		}
	}()

	switch msg.kind {
	case KindStructured:
		return n.record(structuredPayload(msg.value), now)
	case KindRaw:
		var decoded interface{}
		if err := json.Unmarshal([]byte(msg.raw), &decoded); err == nil {
			if obj, ok := decoded.(map[string]interface{}); ok {
				return n.record(obj, now)
			}
		}
		n.logger.Debug().Int("bytes", len(msg.raw)).Msg("raw payload is not a JSON object, using fallback record")
		return n.record(fallbackPayload(msg.raw, now), now)
	default:
		n.logger.Warn().Msg("message has no kind, using fallback record")
		return n.record(fallbackPayload("", now), now)
	}
}

func (n *Normalizer) record(payload map[string]interface{}, now time.Time) models.Notification {
	return models.Notification{
		ID:         n.newID(),
		Payload:    payload,
		ReceivedAt: now,
		IsRead:     false,
	}
}

// structuredPayload keeps objects as they are. Structs are flattened through
// JSON; other values are wrapped under "value".
func structuredPayload(v interface{}) map[string]interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return val
	case nil:
		return map[string]interface{}{"value": nil}
	}
	if b, err := json.Marshal(v); err == nil {
		var obj map[string]interface{}
		if json.Unmarshal(b, &obj) == nil && obj != nil {
			return obj
		}
	}
	return map[string]interface{}{"value": v}
}

func fallbackPayload(raw string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"message":   raw,
		"timestamp": now.Format(time.RFC3339Nano),
	}
}
