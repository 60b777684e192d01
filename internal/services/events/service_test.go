package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	s := NewService(common.GetLogger())
	defer s.Close()

	ch1, cancel1 := s.Subscribe()
	defer cancel1()
	ch2, cancel2 := s.Subscribe()
	defer cancel2()

	s.Publish(interfaces.Event{Type: interfaces.EventJobStarted, JobID: "job_1"})

	for _, ch := range []<-chan interfaces.Event{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, interfaces.EventJobStarted, event.Type)
			assert.Equal(t, "job_1", event.JobID)
			assert.False(t, event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	s := NewService(common.GetLogger())
	defer s.Close()

	ch, cancel := s.Subscribe()
	cancel()
	cancel() // Double cancel is safe

	// Channel is closed after cancel
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic
	s.Publish(interfaces.Event{Type: interfaces.EventJobCompleted})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	s := NewService(common.GetLogger())
	defer s.Close()

	ch, cancel := s.Subscribe()
	defer cancel()

	// Overfill the buffer; Publish must never block
	for i := 0; i < subscriberBuffer*2; i++ {
		s.Publish(interfaces.Event{Type: interfaces.EventScrapeRound})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			require.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	s := NewService(common.GetLogger())
	ch, _ := s.Subscribe()
	s.Close()
	s.Close() // Idempotent

	_, open := <-ch
	assert.False(t, open)

	// Subscribe after close returns a closed channel
	ch2, cancel := s.Subscribe()
	cancel()
	_, open = <-ch2
	assert.False(t, open)
}
