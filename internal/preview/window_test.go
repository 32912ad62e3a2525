package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	rrerrors "regexrailroad/internal/errors"
)

// fakeSurface records floats instead of drawing them.
type fakeSurface struct {
	mu       sync.Mutex
	vp       Viewport
	vpErr    error
	next     SurfaceID
	open     map[SurfaceID][]string
	geoms    map[SurfaceID]Geometry
	closes   int
	focused  []bool
	closeErr error
}

func newFakeSurface(rows, cols int) *fakeSurface {
	return &fakeSurface{
		vp:    Viewport{Rows: rows, Cols: cols},
		next:  1000,
		open:  make(map[SurfaceID][]string),
		geoms: make(map[SurfaceID]Geometry),
	}
}

func (f *fakeSurface) Viewport(context.Context) (Viewport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vp, f.vpErr
}

func (f *fakeSurface) OpenFloat(_ context.Context, g Geometry, lines []string, focus bool) (SurfaceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.open[f.next] = lines
	f.geoms[f.next] = g
	f.focused = append(f.focused, focus)
	return f.next, nil
}

func (f *fakeSurface) CloseFloat(_ context.Context, id SurfaceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, id)
	f.closes++
	return f.closeErr
}

func (f *fakeSurface) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func TestManager_OpenUsesDefaultGeometry(t *testing.T) {
	surface := newFakeSurface(40, 120)
	var opened []WindowInfo
	mgr := NewManager(surface, Options{OnOpen: func(info WindowInfo) { opened = append(opened, info) }})

	w, err := mgr.Open(context.Background(), "/tmp/a.py", 1, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	want := Geometry{Row: 20, Col: 6, Width: 108, Height: 12}
	if w.Geometry != want {
		t.Errorf("geometry %+v, want %+v", w.Geometry, want)
	}
	if surface.geoms[w.Surface] != want {
		t.Errorf("surface got %+v", surface.geoms[w.Surface])
	}
	if w.State() != WindowOpen {
		t.Errorf("expected open, got %s", w.State())
	}
	if len(opened) != 1 || opened[0].ID != w.ID {
		t.Errorf("OnOpen not called for %s: %+v", w.ID, opened)
	}
}

func TestManager_BorderedFramesContent(t *testing.T) {
	surface := newFakeSurface(24, 80)
	mgr := NewManager(surface, Options{Policy: PolicyBordered})

	w, err := mgr.Open(context.Background(), "k", 1, []string{"railroad"})
	if err != nil {
		t.Fatal(err)
	}
	if len(w.Content) != w.Geometry.Height {
		t.Errorf("framed content has %d lines, want %d", len(w.Content), w.Geometry.Height)
	}
}

func TestManager_GeometryUnavailable(t *testing.T) {
	surface := newFakeSurface(0, 0)
	mgr := NewManager(surface, Options{})

	_, err := mgr.Open(context.Background(), "k", 1, []string{"x"})
	if rrerrors.KindOf(err) != rrerrors.KindGeometry {
		t.Fatalf("expected geometry error, got %v", err)
	}

	surface.vpErr = errors.New("editor gone")
	surface.vp = Viewport{Rows: 40, Cols: 120}
	_, err = mgr.Open(context.Background(), "k", 1, []string{"x"})
	if rrerrors.KindOf(err) != rrerrors.KindGeometry {
		t.Fatalf("expected geometry error, got %v", err)
	}

	// Only that open fails; the next one with a viewport works.
	surface.vpErr = nil
	if _, err := mgr.Open(context.Background(), "k", 1, []string{"x"}); err != nil {
		t.Fatalf("Open failed after viewport recovered: %v", err)
	}
}

func TestManager_LastOpenWins(t *testing.T) {
	surface := newFakeSurface(40, 120)
	mgr := NewManager(surface, Options{})
	ctx := context.Background()

	first, err := mgr.Open(ctx, "anchor", 1, []string{"one"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := mgr.Open(ctx, "anchor", 1, []string{"two"})
	if err != nil {
		t.Fatal(err)
	}

	if first.State() != WindowClosed {
		t.Errorf("first preview should be closed, got %s", first.State())
	}
	if surface.openCount() != 1 {
		t.Errorf("expected one float, got %d", surface.openCount())
	}
	if got, _ := mgr.Get("anchor"); got != second {
		t.Error("anchor should map to the newest preview")
	}

	// A different anchor keeps its own preview.
	if _, err := mgr.Open(ctx, "other", 1, []string{"three"}); err != nil {
		t.Fatal(err)
	}
	if len(mgr.List()) != 2 {
		t.Errorf("expected 2 previews, got %d", len(mgr.List()))
	}
}

// slowSurface widens the gap between deciding to open and the float
// existing, and records how many opens overlap.
type slowSurface struct {
	*fakeSurface
	delay time.Duration

	mu       sync.Mutex
	inflight int
	overlap  int
}

func (s *slowSurface) OpenFloat(ctx context.Context, g Geometry, lines []string, focus bool) (SurfaceID, error) {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.overlap {
		s.overlap = s.inflight
	}
	s.mu.Unlock()

	time.Sleep(s.delay)
	id, err := s.fakeSurface.OpenFloat(ctx, g, lines, focus)

	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
	return id, err
}

func TestManager_ConcurrentOpenSameAnchor(t *testing.T) {
	surface := &slowSurface{fakeSurface: newFakeSurface(40, 120), delay: 30 * time.Millisecond}
	mgr := NewManager(surface, Options{AutoClose: AutoClose{Events: []string{"CursorMoved"}}})

	const n = 4
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Open(context.Background(), "/tmp/a.py", 1, []string{fmt.Sprint(i)}); err != nil {
				t.Errorf("Open failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if surface.overlap != 1 {
		t.Errorf("opens for one anchor overlapped (%d at once)", surface.overlap)
	}
	if got := surface.openCount(); got != 1 {
		t.Fatalf("expected 1 float for the anchor, got %d", got)
	}
	if got := len(mgr.List()); got != 1 {
		t.Errorf("expected 1 managed preview, got %d", got)
	}
	if got := mgr.Hub().Len(); got != 1 {
		t.Errorf("expected 1 watcher, got %d", got)
	}

	w, ok := mgr.Get("/tmp/a.py")
	if !ok {
		t.Fatal("anchor lost its preview")
	}
	if _, open := surface.open[w.Surface]; !open {
		t.Error("anchor maps to a float that is not open")
	}

	// Anchor locks are dropped once their opens finish.
	if _, err := mgr.Open(context.Background(), "/tmp/b.py", 1, []string{"b"}); err != nil {
		t.Fatal(err)
	}
	if len(mgr.opening) != 0 {
		t.Errorf("anchor locks leaked: %d", len(mgr.opening))
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	surface := newFakeSurface(40, 120)
	var closed int
	mgr := NewManager(surface, Options{OnClose: func(WindowInfo) { closed++ }})
	ctx := context.Background()

	w, err := mgr.Open(ctx, "k", 1, []string{"x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Close(ctx, w); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := mgr.Close(ctx, w); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if surface.closes != 1 {
		t.Errorf("surface closed %d times, want 1", surface.closes)
	}
	if closed != 1 {
		t.Errorf("OnClose ran %d times, want 1", closed)
	}
	if mgr.Hub().Len() != 0 {
		t.Error("watcher not unregistered")
	}
	if ok, _ := mgr.CloseAnchor(ctx, "k"); ok {
		t.Error("anchor should be gone")
	}
}

func TestManager_CloseReportsSurfaceError(t *testing.T) {
	surface := newFakeSurface(40, 120)
	surface.closeErr = errors.New("invalid window id")
	mgr := NewManager(surface, Options{})

	w, _ := mgr.Open(context.Background(), "k", 1, []string{"x"})
	if err := mgr.Close(context.Background(), w); err == nil {
		t.Fatal("expected the surface error")
	}
	if w.State() != WindowClosed {
		t.Errorf("window must still end closed, got %s", w.State())
	}
}

func TestManager_AutoClose(t *testing.T) {
	surface := newFakeSurface(40, 120)
	mgr := NewManager(surface, Options{AutoClose: AutoClose{Events: testEvents}})
	ctx := context.Background()

	w, err := mgr.Open(ctx, "k", 1, []string{"x"})
	if err != nil {
		t.Fatal(err)
	}

	// Cursor movement inside the float keeps it.
	mgr.Hub().Dispatch(Event{Kind: "CursorMoved", Context: w.Surface})
	if w.State() != WindowOpen {
		t.Fatal("preview closed by an event in itself")
	}

	// Origin is not exempt by default.
	mgr.Hub().Dispatch(Event{Kind: "CursorMoved", Context: 1})
	if w.State() != WindowClosed {
		t.Fatalf("expected closed, got %s", w.State())
	}
	if surface.openCount() != 0 {
		t.Error("float not released")
	}
}

func TestManager_AutoCloseExemptOrigin(t *testing.T) {
	surface := newFakeSurface(40, 120)
	mgr := NewManager(surface, Options{AutoClose: AutoClose{Events: testEvents, ExemptOrigin: true}})
	ctx := context.Background()

	a, _ := mgr.Open(ctx, "a", 1, []string{"x"})
	b, _ := mgr.Open(ctx, "b", 2, []string{"y"})

	mgr.Hub().Dispatch(Event{Kind: "WinEnter", Context: 1})
	if a.State() != WindowOpen {
		t.Error("a's origin is exempt")
	}
	if b.State() != WindowClosed {
		t.Error("b should close: window 1 is not in its allowlist")
	}
}

func TestManager_CloseAllAndCloseID(t *testing.T) {
	surface := newFakeSurface(40, 120)
	mgr := NewManager(surface, Options{})
	ctx := context.Background()

	a, _ := mgr.Open(ctx, "a", 1, []string{"x"})
	mgr.Open(ctx, "b", 1, []string{"y"})
	mgr.Open(ctx, "c", 1, []string{"z"})

	if ok, err := mgr.CloseID(ctx, a.ID); !ok || err != nil {
		t.Fatalf("CloseID = %v, %v", ok, err)
	}
	if ok, _ := mgr.CloseID(ctx, "missing"); ok {
		t.Error("unknown id reported as closed")
	}
	if n := mgr.CloseAll(ctx); n != 2 {
		t.Errorf("CloseAll closed %d, want 2", n)
	}
	if surface.openCount() != 0 {
		t.Errorf("%d floats left open", surface.openCount())
	}
}

func TestManager_SetFocus(t *testing.T) {
	surface := newFakeSurface(40, 120)
	mgr := NewManager(surface, Options{})
	ctx := context.Background()

	mgr.Open(ctx, "a", 1, nil)
	mgr.SetFocus(true)
	mgr.Open(ctx, "b", 1, nil)

	if len(surface.focused) != 2 || surface.focused[0] || !surface.focused[1] {
		t.Errorf("unexpected focus flags %v", surface.focused)
	}
}
