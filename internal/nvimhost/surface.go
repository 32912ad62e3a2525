package nvimhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/neovim/go-client/nvim"

	"regexrailroad/internal/preview"
)

// Surface draws previews as floating windows over scratch buffers.
type Surface struct {
	v *nvim.Nvim

	mu      sync.Mutex
	buffers map[nvim.Window]nvim.Buffer
}

// NewSurface returns a preview surface backed by v.
func NewSurface(v *nvim.Nvim) *Surface {
	return &Surface{
		v:       v,
		buffers: make(map[nvim.Window]nvim.Buffer),
	}
}

// Viewport reports the editor grid size.
func (s *Surface) Viewport(context.Context) (preview.Viewport, error) {
	var rows, cols int
	if err := s.v.Option("lines", &rows); err != nil {
		return preview.Viewport{}, fmt.Errorf("read lines: %w", err)
	}
	if err := s.v.Option("columns", &cols); err != nil {
		return preview.Viewport{}, fmt.Errorf("read columns: %w", err)
	}
	return preview.Viewport{Rows: rows, Cols: cols}, nil
}

// OpenFloat creates a scratch buffer holding lines and shows it at g.
func (s *Surface) OpenFloat(_ context.Context, g preview.Geometry, lines []string, focus bool) (preview.SurfaceID, error) {
	buf, err := s.v.CreateBuffer(false, true)
	if err != nil {
		return 0, fmt.Errorf("create buffer: %w", err)
	}
	if err := s.v.SetBufferLines(buf, 0, -1, true, toBytes(lines)); err != nil {
		s.v.DeleteBuffer(buf, map[string]bool{"force": true})
		return 0, fmt.Errorf("fill buffer: %w", err)
	}

	win, err := s.v.OpenWindow(buf, focus, windowConfig(g, focus))
	if err != nil {
		s.v.DeleteBuffer(buf, map[string]bool{"force": true})
		return 0, fmt.Errorf("open window: %w", err)
	}

	s.mu.Lock()
	s.buffers[win] = buf
	s.mu.Unlock()
	return preview.SurfaceID(win), nil
}

// CloseFloat closes the float and wipes its buffer. A float the user
// already closed is not an error.
func (s *Surface) CloseFloat(_ context.Context, id preview.SurfaceID) error {
	win := nvim.Window(id)

	s.mu.Lock()
	buf, ok := s.buffers[win]
	delete(s.buffers, win)
	s.mu.Unlock()

	valid, err := s.v.IsWindowValid(win)
	if err != nil {
		return fmt.Errorf("check window %d: %w", win, err)
	}
	if valid {
		if err := s.v.CloseWindow(win, true); err != nil {
			return fmt.Errorf("close window %d: %w", win, err)
		}
	}
	if ok {
		if err := s.v.DeleteBuffer(buf, map[string]bool{"force": true}); err != nil {
			return fmt.Errorf("delete buffer %d: %w", buf, err)
		}
	}
	return nil
}

func windowConfig(g preview.Geometry, focus bool) *nvim.WindowConfig {
	return &nvim.WindowConfig{
		Relative:  "editor",
		Row:       float64(g.Row),
		Col:       float64(g.Col),
		Width:     g.Width,
		Height:    g.Height,
		Focusable: focus,
		Style:     "minimal",
	}
}

func toBytes(lines []string) [][]byte {
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = []byte(l)
	}
	return out
}
