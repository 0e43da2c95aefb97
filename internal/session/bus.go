package session

import "sync"

// EventType classifies an engine state publication.
type EventType string

const (
	EventConnectionState EventType = "connection_state"
	EventKnownDevices    EventType = "known_devices"
	EventPairingDevices  EventType = "pairing_devices"
	EventDirectory       EventType = "directory"
	EventPath            EventType = "path"
	EventDownload        EventType = "download_progress"
	EventUpload          EventType = "upload_progress"
	EventGNSS            EventType = "gnss_data"
	EventGNSSMask        EventType = "gnss_mask"
	EventMaskStatus      EventType = "mask_status"
	EventStartPistol     EventType = "start_pistol"
	EventStartResult     EventType = "start_result"
)

// Event is one published state snapshot. Data is always an immutable copy;
// subscribers never receive a reference into engine-owned state.
type Event struct {
	Type EventType
	Data any
}

// subscriber holds a buffered channel for one observer.
type subscriber struct {
	ch chan Event
}

// Bus fans engine state snapshots out to all registered observers. The
// engine is the only publisher; observers request changes through Engine
// methods, never by mutating what they receive.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus constructs a ready Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new observer. Returns a receive channel and an
// unsubscribe function that must be called when the observer goes away
// (it closes the channel).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers. Slow consumers are
// skipped (their buffer is full) so a stuck observer can never stall the
// engine; they resync from the Engine accessors.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
