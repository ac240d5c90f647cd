package stream

import (
	"errors"
	"strings"
	"sync"

	"github.com/casefile-ai/casefile/internal/investigation/domain"
)

const (
	DefaultBufferSize       = 64
	DefaultSubscriberBuffer = 16
)

// Hub fans progress events out to stream subscribers, one stream per
// investigation. Events are buffered so a subscriber that attaches just
// after the pipeline starts still sees the full sequence in order.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []domain.ProgressEvent
	subs   map[uint64]chan domain.ProgressEvent
	nextID uint64
	closed bool
}

type Subscription struct {
	hub             *Hub
	investigationID string
	id              uint64
	ch              chan domain.ProgressEvent
	once            sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Open registers a stream before the pipeline emits its first event.
func (h *Hub) Open(investigationID string) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(investigationID)
	if id == "" {
		return
	}
	h.ensureStream(id)
}

func (h *Hub) Publish(investigationID string, event domain.ProgressEvent) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(investigationID)
	if id == "" {
		return
	}
	h.mu.RLock()
	stream := h.streams[id]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	if stream.closed {
		stream.mu.Unlock()
		return
	}
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	// Deliver under the stream lock so Close cannot close a channel
	// mid-send; sends never block, slow consumers lose events rather
	// than stall the pipeline.
	for _, ch := range stream.subs {
		select {
		case ch <- event:
		default:
		}
	}
	stream.mu.Unlock()
}

// Close ends a stream after its terminal event; subscriber channels are
// closed so readers finish their range loops.
func (h *Hub) Close(investigationID string) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(investigationID)
	if id == "" {
		return
	}

	h.mu.Lock()
	stream := h.streams[id]
	delete(h.streams, id)
	h.mu.Unlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.closed = true
	for _, ch := range stream.subs {
		close(ch)
	}
	stream.subs = nil
	stream.mu.Unlock()
}

// Subscribe attaches to a stream and replays its buffered events.
func (h *Hub) Subscribe(investigationID string) (*Subscription, []domain.ProgressEvent, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}
	id := strings.TrimSpace(investigationID)
	if id == "" {
		return nil, nil, errors.New("invalid_investigation_id")
	}

	h.mu.RLock()
	current := h.streams[id]
	h.mu.RUnlock()
	if current == nil {
		return nil, nil, errors.New("stream_closed")
	}

	current.mu.Lock()
	if current.closed {
		current.mu.Unlock()
		return nil, nil, errors.New("stream_closed")
	}
	if current.subs == nil {
		current.subs = make(map[uint64]chan domain.ProgressEvent)
	}
	subID := current.nextID
	current.nextID++
	ch := make(chan domain.ProgressEvent, h.subscriberBuffer)
	current.subs[subID] = ch
	buffer := append([]domain.ProgressEvent(nil), current.buffer...)
	current.mu.Unlock()

	return &Subscription{
		hub:             h,
		investigationID: id,
		id:              subID,
		ch:              ch,
	}, buffer, nil
}

func (h *Hub) ensureStream(investigationID string) *stream {
	h.mu.RLock()
	current := h.streams[investigationID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[investigationID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan domain.ProgressEvent)}
		h.streams[investigationID] = current
	}
	return current
}

func (h *Hub) unsubscribe(investigationID string, id uint64) {
	if h == nil {
		return
	}

	h.mu.RLock()
	stream := h.streams[investigationID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	stream.mu.Unlock()
}

func (s *Subscription) Events() <-chan domain.ProgressEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.investigationID, s.id)
	})
}
