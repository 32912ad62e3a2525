package preview

import (
	"slices"
	"sync"
)

// SurfaceID identifies an editor window (the preview float or the
// window the preview was opened from).
type SurfaceID int

// Event is an editor focus or cursor event. Context is the surface that
// was current when it fired.
type Event struct {
	Kind    string
	Context SurfaceID
}

// WatchState is the auto-close state of one preview window.
type WatchState int

const (
	WatchIdle WatchState = iota
	WatchWatching
)

func (s WatchState) String() string {
	if s == WatchWatching {
		return "watching"
	}
	return "idle"
}

// Watcher closes one preview window on the first disqualifying event:
// a kind in its event set whose context is outside its allowlist.
type Watcher struct {
	mu       sync.Mutex
	state    WatchState
	windowID string
	allow    []SurfaceID
	events   []string
	onClose  func()
}

// State returns the watcher's current state.
func (w *Watcher) State() WatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Handle applies ev and reports whether it closed the window.
func (w *Watcher) Handle(ev Event) bool {
	w.mu.Lock()
	if w.state != WatchWatching || !slices.Contains(w.events, ev.Kind) || slices.Contains(w.allow, ev.Context) {
		w.mu.Unlock()
		return false
	}
	w.state = WatchIdle
	onClose := w.onClose
	w.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return true
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.state = WatchIdle
	w.mu.Unlock()
}

// Subscription is a revocable registration in a Hub.
type Subscription struct {
	hub     *Hub
	watcher *Watcher
	once    sync.Once
}

// Watcher returns the subscribed watcher.
func (s *Subscription) Watcher() *Watcher {
	return s.watcher
}

// Revoke stops the watcher and removes it from the hub. Safe to call
// more than once.
func (s *Subscription) Revoke() {
	s.once.Do(func() {
		s.watcher.stop()
		s.hub.mu.Lock()
		if cur, ok := s.hub.watchers[s.watcher.windowID]; ok && cur == s.watcher {
			delete(s.hub.watchers, s.watcher.windowID)
		}
		s.hub.mu.Unlock()
	})
}

// Hub routes editor events to the watcher of every open preview. Each
// watcher only ever closes its own window.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]*Watcher)}
}

// Watch starts watching windowID. Events whose context is in allow never
// close it; kinds not in events are ignored. onClose runs at most once.
// Watching an id again replaces the earlier watcher.
func (h *Hub) Watch(windowID string, allow []SurfaceID, events []string, onClose func()) *Subscription {
	w := &Watcher{
		state:    WatchWatching,
		windowID: windowID,
		allow:    slices.Clone(allow),
		events:   slices.Clone(events),
		onClose:  onClose,
	}

	h.mu.Lock()
	if prev, ok := h.watchers[windowID]; ok {
		prev.stop()
	}
	h.watchers[windowID] = w
	h.mu.Unlock()

	return &Subscription{hub: h, watcher: w}
}

// Dispatch delivers ev to every watcher and returns how many windows it
// closed. Watchers run outside the hub lock so their close callbacks can
// revoke subscriptions.
func (h *Hub) Dispatch(ev Event) int {
	h.mu.Lock()
	watchers := make([]*Watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.mu.Unlock()

	closed := 0
	for _, w := range watchers {
		if w.Handle(ev) {
			closed++
		}
	}
	return closed
}

// SetEvents replaces the event set of every active watcher.
func (h *Hub) SetEvents(events []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.watchers {
		w.mu.Lock()
		w.events = slices.Clone(events)
		w.mu.Unlock()
	}
}

// Len returns the number of active watchers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}
