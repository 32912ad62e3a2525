package preview

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	rrerrors "regexrailroad/internal/errors"
	"regexrailroad/internal/logging"
)

// Surface is the editor side of a preview: it reports the viewport and
// creates and destroys floats.
type Surface interface {
	Viewport(ctx context.Context) (Viewport, error)
	OpenFloat(ctx context.Context, g Geometry, lines []string, focus bool) (SurfaceID, error)
	CloseFloat(ctx context.Context, id SurfaceID) error
}

// WindowState is a preview window's lifecycle state.
type WindowState int

const (
	WindowClosed WindowState = iota
	WindowOpen
	WindowPendingClose
)

func (s WindowState) String() string {
	switch s {
	case WindowOpen:
		return "open"
	case WindowPendingClose:
		return "pending_close"
	}
	return "closed"
}

// Window is one floating preview.
type Window struct {
	ID       string
	Anchor   string
	Origin   SurfaceID
	Surface  SurfaceID
	Geometry Geometry
	Content  []string

	mu    sync.Mutex
	state WindowState
	sub   *Subscription
}

// State returns the window's lifecycle state.
func (w *Window) State() WindowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Info returns a snapshot for listeners.
func (w *Window) Info() WindowInfo {
	return WindowInfo{
		ID:       w.ID,
		Anchor:   w.Anchor,
		Geometry: w.Geometry,
		Lines:    w.Content,
		State:    w.State(),
	}
}

// WindowInfo is a point-in-time view of a Window.
type WindowInfo struct {
	ID       string
	Anchor   string
	Geometry Geometry
	Lines    []string
	State    WindowState
}

// AutoClose configures which events dismiss a preview.
type AutoClose struct {
	Events []string
	// ExemptOrigin keeps the preview open for events in the window it
	// was opened from.
	ExemptOrigin bool
}

// Options configures a Manager.
type Options struct {
	Policy    Policy
	Focus     bool
	AutoClose AutoClose
	Logger    *logging.Logger
	OnOpen    func(WindowInfo)
	OnClose   func(WindowInfo)
}

// Manager owns the open previews: at most one per anchor, the newest
// one winning.
type Manager struct {
	surface Surface
	hub     *Hub
	policy  Policy
	logger  *logging.Logger
	onOpen  func(WindowInfo)
	onClose func(WindowInfo)

	mu        sync.Mutex
	focus     bool
	autoClose AutoClose
	byAnchor  map[string]*Window
	byID      map[string]*Window
	opening   map[string]*anchorLock
}

// anchorLock serializes opens for one anchor.
type anchorLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a manager drawing on surface. The placement policy
// is fixed for the manager's lifetime.
func NewManager(surface Surface, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyDefault
	}
	return &Manager{
		surface:   surface,
		hub:       NewHub(),
		policy:    policy,
		logger:    logger,
		onOpen:    opts.OnOpen,
		onClose:   opts.OnClose,
		focus:     opts.Focus,
		autoClose: opts.AutoClose,
		byAnchor:  make(map[string]*Window),
		byID:      make(map[string]*Window),
		opening:   make(map[string]*anchorLock),
	}
}

// Hub returns the event hub editor events should be dispatched to.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// Policy returns the placement policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// SetFocus changes whether later previews take focus.
func (m *Manager) SetFocus(focus bool) {
	m.mu.Lock()
	m.focus = focus
	m.mu.Unlock()
}

// SetAutoClose changes the dismissal rules for later previews and the
// event set of open ones.
func (m *Manager) SetAutoClose(ac AutoClose) {
	m.mu.Lock()
	m.autoClose = ac
	m.mu.Unlock()
	m.hub.SetEvents(ac.Events)
}

// Open shows content in a new float for anchor, closing the anchor's
// previous preview first. origin is the window the request came from.
// A missing viewport fails this open with KindGeometry.
func (m *Manager) Open(ctx context.Context, anchor string, origin SurfaceID, content []string) (*Window, error) {
	unlock := m.lockAnchor(anchor)
	defer unlock()

	vp, err := m.surface.Viewport(ctx)
	if err != nil {
		return nil, rrerrors.E(rrerrors.KindGeometry, "open", anchor, fmt.Errorf("%w: %v", rrerrors.ErrViewportUnavailable, err))
	}
	geom, err := Compute(m.policy, vp)
	if err != nil {
		return nil, err
	}

	lines := Clip(content, geom.Width, geom.Height)
	if m.policy == PolicyBordered {
		lines = Frame(content, geom.Width, geom.Height)
	}

	if prev, ok := m.Get(anchor); ok {
		if err := m.Close(ctx, prev); err != nil {
			m.logger.Warn("failed to close previous preview", "anchor", anchor, "window_id", prev.ID, "error", err)
		}
	}

	m.mu.Lock()
	focus := m.focus
	ac := m.autoClose
	m.mu.Unlock()

	sid, err := m.surface.OpenFloat(ctx, geom, lines, focus)
	if err != nil {
		return nil, rrerrors.E(rrerrors.KindUnknown, "open", anchor, err)
	}

	w := &Window{
		ID:       uuid.New().String(),
		Anchor:   anchor,
		Origin:   origin,
		Surface:  sid,
		Geometry: geom,
		Content:  lines,
		state:    WindowOpen,
	}

	m.mu.Lock()
	m.byAnchor[anchor] = w
	m.byID[w.ID] = w
	m.mu.Unlock()

	allow := []SurfaceID{sid}
	if ac.ExemptOrigin {
		allow = append(allow, origin)
	}
	sub := m.hub.Watch(w.ID, allow, ac.Events, func() {
		if err := m.Close(context.Background(), w); err != nil {
			m.logger.Warn("auto-close failed", "window_id", w.ID, "error", err)
		}
	})
	w.mu.Lock()
	if w.state == WindowOpen {
		w.sub = sub
	} else {
		sub.Revoke()
	}
	w.mu.Unlock()

	m.logger.Debug("preview opened", "window_id", w.ID, "anchor", anchor, "geometry", geom.String())
	if m.onOpen != nil {
		m.onOpen(w.Info())
	}
	return w, nil
}

// lockAnchor holds anchor's open lock until the returned func is called.
func (m *Manager) lockAnchor(anchor string) func() {
	m.mu.Lock()
	l, ok := m.opening[anchor]
	if !ok {
		l = &anchorLock{}
		m.opening[anchor] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.opening, anchor)
		}
		m.mu.Unlock()
	}
}

// Close tears w down. Closing a window that is already closing or closed
// does nothing.
func (m *Manager) Close(ctx context.Context, w *Window) error {
	w.mu.Lock()
	if w.state != WindowOpen {
		w.mu.Unlock()
		return nil
	}
	w.state = WindowPendingClose
	sub := w.sub
	w.mu.Unlock()

	if sub != nil {
		sub.Revoke()
	}

	m.mu.Lock()
	if cur, ok := m.byAnchor[w.Anchor]; ok && cur == w {
		delete(m.byAnchor, w.Anchor)
	}
	delete(m.byID, w.ID)
	m.mu.Unlock()

	err := m.surface.CloseFloat(ctx, w.Surface)

	w.mu.Lock()
	w.state = WindowClosed
	w.mu.Unlock()

	m.logger.Debug("preview closed", "window_id", w.ID, "anchor", w.Anchor)
	if m.onClose != nil {
		m.onClose(w.Info())
	}
	if err != nil {
		return rrerrors.E(rrerrors.KindUnknown, "close", w.Anchor, err)
	}
	return nil
}

// CloseAnchor closes the preview for anchor, reporting whether there was one.
func (m *Manager) CloseAnchor(ctx context.Context, anchor string) (bool, error) {
	w, ok := m.Get(anchor)
	if !ok {
		return false, nil
	}
	return true, m.Close(ctx, w)
}

// CloseID closes the preview with the given window id.
func (m *Manager) CloseID(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	w, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, m.Close(ctx, w)
}

// CloseAll closes every open preview and returns how many it closed.
func (m *Manager) CloseAll(ctx context.Context) int {
	m.mu.Lock()
	windows := make([]*Window, 0, len(m.byID))
	for _, w := range m.byID {
		windows = append(windows, w)
	}
	m.mu.Unlock()

	for _, w := range windows {
		if err := m.Close(ctx, w); err != nil {
			m.logger.Warn("failed to close preview", "window_id", w.ID, "error", err)
		}
	}
	return len(windows)
}

// Get returns the open preview for anchor.
func (m *Manager) Get(anchor string) (*Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byAnchor[anchor]
	return w, ok
}

// List returns snapshots of the open previews sorted by anchor.
func (m *Manager) List() []WindowInfo {
	m.mu.Lock()
	result := make([]WindowInfo, 0, len(m.byID))
	for _, w := range m.byID {
		result = append(result, w.Info())
	}
	m.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Anchor < result[j].Anchor })
	return result
}
