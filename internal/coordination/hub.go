package coordination

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestcircle_coordination_events_total",
		Help: "Coordination events published, by type.",
	}, []string{"type"})

	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestcircle_coordination_events_dropped_total",
		Help: "Coordination events dropped because a subscriber was saturated.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDropped)
}

const subscriberBuffer = 16

// Hub fans coordination events out to per-channel rooms. It is constructed
// explicitly and injected into whoever needs it; its lifecycle belongs to
// application startup/shutdown.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	closed bool
}

// Subscription is one member of a channel room. Events arrive on C;
// Close leaves the room.
type Subscription struct {
	C chan Event

	hub       *Hub
	channelID string
	once      sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Subscription]struct{})}
}

// Subscribe joins the room for channelID.
func (h *Hub) Subscribe(channelID string) *Subscription {
	sub := &Subscription{
		C:         make(chan Event, subscriberBuffer),
		hub:       h,
		channelID: channelID,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.C)
		return sub
	}
	room := h.rooms[channelID]
	if room == nil {
		room = make(map[*Subscription]struct{})
		h.rooms[channelID] = room
	}
	room[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber of its channel room except the
// one passed as self (a publisher does not hear its own broadcast).
// Delivery never blocks: a saturated subscriber drops the event, which
// keeps the at-most-once contract honest.
func (h *Hub) Publish(ev Event, self *Subscription) {
	eventsPublished.WithLabelValues(ev.eventType()).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[ev.Channel()] {
		if sub == self {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			eventsDropped.WithLabelValues(ev.eventType()).Inc()
			log.Warn().Str("channel", ev.Channel()).Str("event", ev.eventType()).
				Msg("dropping coordination event for saturated subscriber")
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, room := range h.rooms {
		for sub := range room {
			close(sub.C)
		}
	}
	h.rooms = make(map[string]map[*Subscription]struct{})
}

// Close leaves the room. Safe to call more than once; the event channel is
// closed so range loops over it terminate.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if s.hub.closed {
			return
		}
		if room, ok := s.hub.rooms[s.channelID]; ok {
			if _, member := room[s]; member {
				delete(room, s)
				close(s.C)
			}
			if len(room) == 0 {
				delete(s.hub.rooms, s.channelID)
			}
		}
	})
}
