package session

import (
	"log/slog"
	"sync"
)

// Kind identifies which part of the session changed.
type Kind string

// Session change event kinds.
const (
	KindAuthenticatedChanged  Kind = "session.authenticated_changed"
	KindEmailChanged          Kind = "session.email_changed"
	KindDisplayNameChanged    Kind = "session.display_name_changed"
	KindProfilePictureChanged Kind = "session.profile_picture_changed"
	KindProfileDataChanged    Kind = "session.profile_data_changed"
	KindIDTokenRefreshed      Kind = "session.id_token_refreshed"
)

// Event is a single session change notification. Value carries the new
// field value for the string-valued kinds; Authenticated is meaningful
// only for KindAuthenticatedChanged.
type Event struct {
	Kind          Kind
	Value         string
	Authenticated bool
}

// Notifier fans session change events out to subscribers. Publishing never
// blocks: a subscriber that stopped draining its channel misses events
// rather than stalling the session cache.
type Notifier struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewNotifier creates an event notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its event channel along
// with a cancel function. The channel is closed on cancel.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	ch := make(chan Event, 16)
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.logger.Warn("dropping session event for slow subscriber",
				slog.String("kind", string(ev.Kind)),
				slog.Int("subscriber", id),
			)
		}
	}

	n.logger.Debug("published session event", slog.String("kind", string(ev.Kind)))
}
