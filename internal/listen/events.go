package listen

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/memory"
)

// Lifecycle event types sent to the client and published to the broker.
const (
	EventProcessingStarted = "memory_processing_started"
	EventMemoryCreated     = "memory_created"
	EventBackwardSynced    = "memory_backward_synced"
)

// Event is a lifecycle notification.
type Event struct {
	Type     string            `json:"event_type"`
	Memory   *memory.Memory    `json:"memory,omitempty"`
	Messages []json.RawMessage `json:"messages,omitempty"`
	Name     string            `json:"name,omitempty"`
}

// Publisher fans events out beyond the client connection.
type Publisher interface {
	Publish(uid, eventType string, payload []byte)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, []byte) {}

// EventSink delivers one user's events to their connection and the
// publisher. A failed client write is logged and does not stop delivery
// to the publisher.
type EventSink struct {
	uid  string
	conn Conn
	pub  Publisher
	log  zerolog.Logger
}

func NewEventSink(uid string, conn Conn, pub Publisher, log zerolog.Logger) *EventSink {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &EventSink{uid: uid, conn: conn, pub: pub, log: log}
}

func (s *EventSink) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", ev.Type).Msg("encode event")
		return
	}
	if s.conn != nil {
		if err := s.conn.WriteText(data); err != nil {
			s.log.Debug().Err(err).Str("event_type", ev.Type).Msg("event not delivered to client")
		}
	}
	s.pub.Publish(s.uid, ev.Type, data)
}
