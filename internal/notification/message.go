package notification

import (
	"bytes"
	"encoding/json"
)

type MessageKind int

const (
	KindStructured MessageKind = iota + 1
	KindRaw
)

// Message is an inbound payload before normalization: either a decoded value
// or a string that may or may not hold serialized JSON.
type Message struct {
	kind  MessageKind
	value interface{}
	raw   string
}

func Structured(v interface{}) Message {
	return Message{kind: KindStructured, value: v}
}

func Raw(s string) Message {
	return Message{kind: KindRaw, raw: s}
}

func (m Message) Kind() MessageKind {
	return m.kind
}

// MessageFromJSON classifies a frame's data field. A JSON string becomes Raw so
// that its contents get a second decoding pass; anything else is Structured.
func MessageFromJSON(data json.RawMessage) Message {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Raw("")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return Raw(s)
		}
	}
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return Raw(string(data))
	}
	return Structured(v)
}
