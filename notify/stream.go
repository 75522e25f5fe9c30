package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohans/newsdigest/models"
)

// EventKind names the live stream event.
type EventKind string

const (
	KindNotification EventKind = "notification"
	KindHeartbeat    EventKind = "heartbeat"
)

// Event is one message on a live stream. Heartbeats carry no notification.
type Event struct {
	Kind         EventKind            `json:"kind"`
	Notification *models.Notification `json:"notification,omitempty"`
	At           time.Time            `json:"at"`
}

// Stream is one open live connection of a user. The transport drains
// Events until Done is closed and calls Touch after every successful write.
type Stream struct {
	ID     string
	UserID string

	out          chan Event
	done         chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64

	mu      sync.Mutex
	onClose []func()
}

func newStream(id, userID string, buffer int, now time.Time) *Stream {
	s := &Stream{
		ID:     id,
		UserID: userID,
		out:    make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *Stream) Events() <-chan Event   { return s.out }
func (s *Stream) Done() <-chan struct{} { return s.done }

// Touch records a successful write to the client.
func (s *Stream) Touch() { s.TouchAt(time.Now()) }

func (s *Stream) TouchAt(t time.Time) { s.lastActivity.Store(t.UnixNano()) }

func (s *Stream) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// OnClose registers fn to run once when the stream closes. On an already
// closed stream fn runs immediately.
func (s *Stream) OnClose(fn func()) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		fn()
		return
	default:
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Close ends the stream. Only the first call has an effect.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		fns := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

func (s *Stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// offer queues ev without blocking. It returns false when the stream is
// closed or its buffer is full.
func (s *Stream) offer(ev Event) bool {
	if s.closed() {
		return false
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}
