// Package streaming is the in-process pub/sub hub for turn events. The
// orchestrator publishes state changes, text deltas, sources and the final
// end marker under a turn id; SSE or websocket handlers in the API tier
// subscribe per turn. Events carry a per-turn monotonic Seq so a
// reconnecting client can resume with ReplaySince (Last-Event-ID style).
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/metrics"
)

// EventType discriminates turn events on the wire.
type EventType string

const (
	// EventState marks a turn state transition; State holds the new state.
	EventState EventType = "state"
	// EventDelta carries one streamed text fragment in Text.
	EventDelta EventType = "delta"
	// EventSource announces one cited source after the answer text.
	EventSource EventType = "source"
	// EventEnd closes a successful turn; MessageID names the persisted answer.
	EventEnd EventType = "end"
	// EventError closes a failed turn; Error holds the sanitised message.
	EventError EventType = "error"
)

// Source is the subscriber-facing citation record.
type Source struct {
	ChunkID string  `json:"chunk_id"`
	Title   string  `json:"title"`
	Preview string  `json:"preview,omitempty"`
	Page    int     `json:"page,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Event is one turn event. Seq is assigned by the hub at publish time,
// starting at 1 per turn, so ReplaySince(turn, 0) replays the whole buffer.
type Event struct {
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id,omitempty"`
	Type      EventType `json:"type"`
	State     string    `json:"state,omitempty"`
	Text      string    `json:"text,omitempty"`
	Source    *Source   `json:"source,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns the event as JSON for SSE payloads and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

const (
	defaultCapacity  = 256
	defaultRetention = 5 * time.Minute
)

// Hub fans turn events out to per-turn subscribers and keeps a bounded
// per-turn ring buffer for replay. Publish never blocks: a subscriber whose
// channel is full loses the event (counted) and is expected to recover via
// ReplaySince. Turn histories are dropped once idle for the retention
// period with no remaining subscribers.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[chan Event]struct{}
	history   map[string]*ring
	capacity  int
	retention time.Duration
	logger    *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHub returns a running hub. capacity bounds the per-turn replay buffer
// and retention bounds how long an idle turn's history is kept; zero values
// pick the defaults.
func NewHub(capacity int, retention time.Duration, logger *zap.Logger) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		subs:      make(map[string]map[chan Event]struct{}),
		history:   make(map[string]*ring),
		capacity:  capacity,
		retention: retention,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	go h.janitor()
	return h
}

// Close stops the background janitor. Subscriber channels stay open until
// their owners unsubscribe.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Subscribe registers a buffered channel for a turn's events. The caller
// must drain it and call Unsubscribe when done.
func (h *Hub) Subscribe(turnID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[turnID]
	if set == nil {
		set = make(map[chan Event]struct{})
		h.subs[turnID] = set
	}
	set[ch] = struct{}{}
	metrics.ActiveStreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call with a
// channel that was already removed.
func (h *Hub) Unsubscribe(turnID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[turnID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	metrics.ActiveStreamSubscribers.Dec()
	if len(set) == 0 {
		delete(h.subs, turnID)
	}
}

// Publish assigns the event's Seq, records it in the turn's ring buffer and
// fans it out without blocking. A zero Timestamp is filled in.
func (h *Hub) Publish(turnID string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TurnID = turnID

	h.mu.Lock()
	rg := h.history[turnID]
	if rg == nil {
		rg = newRing(h.capacity)
		h.history[turnID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	rg.touched = evt.Timestamp

	// Snapshot the subscriber set so the sends happen outside the lock.
	var targets []chan Event
	if set := h.subs[turnID]; len(set) > 0 {
		targets = make([]chan Event, 0, len(set))
		for ch := range set {
			targets = append(targets, ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
			h.logger.Debug("Dropped stream event for slow subscriber",
				zap.String("turn_id", turnID),
				zap.Uint64("seq", evt.Seq),
			)
		}
	}
}

// ReplaySince returns buffered events with Seq > since, oldest first. Events
// that have already rotated out of the ring are gone; callers that fall that
// far behind re-read the persisted message instead.
func (h *Hub) ReplaySince(turnID string, since uint64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rg := h.history[turnID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a turn's replay buffer immediately.
func (h *Hub) Forget(turnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.history, turnID)
}

func (h *Hub) janitor() {
	interval := h.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	cutoff := now.Add(-h.retention)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, rg := range h.history {
		if rg.touched.Before(cutoff) && len(h.subs[id]) == 0 {
			delete(h.history, id)
		}
	}
}

// ring is a fixed-capacity event buffer; the oldest entry is overwritten
// once full.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
	touched time.Time
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
