package control

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// EventMessage is one frame on a job's live stream.
type EventMessage struct {
	Type      string      `json:"type"`
	JobID     string      `json:"job_id"`
	Event     string      `json:"event"` // output, tool_result, exchange, status
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"seq"`
}

// StreamHub fans job events out to websocket subscribers. Subscribers
// are scoped to one job id; a slow or dead subscriber is dropped rather
// than blocking the loop.
type StreamHub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]bool
	seq  uint64
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// NewStreamHub creates an empty hub.
func NewStreamHub() *StreamHub {
	return &StreamHub{subs: make(map[string]map[*subscriber]bool)}
}

// Subscribe attaches a websocket connection to a job's stream. The
// returned func detaches it.
func (h *StreamHub) Subscribe(jobID string, conn *websocket.Conn) func() {
	sub := &subscriber{conn: conn}
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]bool)
	}
	h.subs[jobID][sub] = true
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs[jobID], sub)
		if len(h.subs[jobID]) == 0 {
			delete(h.subs, jobID)
		}
		h.mu.Unlock()
	}
}

// Publish sends one event to every subscriber of the job.
func (h *StreamHub) Publish(jobID, event string, data interface{}) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[jobID]))
	for sub := range h.subs[jobID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	msg := EventMessage{
		Type:      "event",
		JobID:     jobID,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       int64(atomic.AddUint64(&h.seq, 1)),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Str("event", event).Msg("Failed to marshal stream event")
		return
	}

	for _, sub := range subs {
		if err := sub.write(payload); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("Dropping stream subscriber")
			h.drop(jobID, sub)
		}
	}
}

func (h *StreamHub) drop(jobID string, sub *subscriber) {
	h.mu.Lock()
	delete(h.subs[jobID], sub)
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
	h.mu.Unlock()
	sub.conn.Close()
}
