package events

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/interfaces"
)

// subscriberBuffer bounds each subscriber's channel. A subscriber that falls
// this far behind starts losing events rather than blocking publishers.
const subscriberBuffer = 64

// Service is an in-process fan-out of progress events to WebSocket clients
// and any other interested subscriber.
type Service struct {
	mu          sync.Mutex
	subscribers map[int]chan interfaces.Event
	nextID      int
	closed      bool
	logger      arbor.ILogger
}

// NewService creates an event service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[int]chan interfaces.Event),
		logger:      logger,
	}
}

// Publish fans the event out to all subscribers without blocking. Slow
// subscribers drop events.
func (s *Service) Publish(event interfaces.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for id, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.logger.Debug().
				Int("subscriber", id).
				Str("event", string(event.Type)).
				Msg("Subscriber behind, dropping event")
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription.
func (s *Service) Subscribe() (<-chan interfaces.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan interfaces.Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Close shuts the service down and closes all subscriber channels
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}
