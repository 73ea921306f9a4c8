package playback

import "sync"

// FrameEvent is one decoded frame exported to live viewers.
type FrameEvent struct {
	StreamerID string
	FrameID    uint64
	Width      int
	Height     int
	JPEG       []byte
}

// Broadcaster fans decoded frames out to live API viewers. Slow
// viewers lose frames rather than stalling the decode path: sends to a
// full buffer are dropped.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[string]map[string]chan FrameEvent
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[string]map[string]chan FrameEvent)}
}

// Subscribe registers a viewer for one stream and returns its event
// channel. The channel is closed when the stream is torn down or the
// viewer unsubscribes.
func (b *Broadcaster) Subscribe(streamerID, viewerID string, buffer int) <-chan FrameEvent {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan FrameEvent, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.listeners[streamerID]
	if !ok {
		group = make(map[string]chan FrameEvent)
		b.listeners[streamerID] = group
	}
	if old, ok := group[viewerID]; ok {
		close(old)
	}
	group[viewerID] = ch
	return ch
}

// Unsubscribe removes one viewer and closes its channel.
func (b *Broadcaster) Unsubscribe(streamerID, viewerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.listeners[streamerID]
	if !ok {
		return
	}
	if ch, ok := group[viewerID]; ok {
		close(ch)
		delete(group, viewerID)
	}
	if len(group) == 0 {
		delete(b.listeners, streamerID)
	}
}

// Listeners reports how many viewers follow a stream, letting the
// decode path skip the export encode when nobody is watching.
func (b *Broadcaster) Listeners(streamerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[streamerID])
}

// Publish delivers an event to every viewer of its stream without
// blocking.
func (b *Broadcaster) Publish(evt FrameEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.listeners[evt.StreamerID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// DropStream closes every viewer channel of a torn-down stream.
func (b *Broadcaster) DropStream(streamerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.listeners[streamerID]
	if !ok {
		return
	}
	for _, ch := range group {
		close(ch)
	}
	delete(b.listeners, streamerID)
}
