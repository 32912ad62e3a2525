package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"regexrailroad/internal/preview"
)

// Used when stdout is not a terminal.
var fallbackViewport = preview.Viewport{Rows: 24, Cols: 80}

// terminalSurface prints each preview once, indented to its column.
type terminalSurface struct {
	out  io.Writer
	size func() (cols, rows int, err error)
	next preview.SurfaceID
}

func newTerminalSurface(f *os.File) *terminalSurface {
	return &terminalSurface{
		out:  f,
		size: func() (int, int, error) { return term.GetSize(int(f.Fd())) },
	}
}

func (s *terminalSurface) Viewport(context.Context) (preview.Viewport, error) {
	cols, rows, err := s.size()
	if err != nil {
		return fallbackViewport, nil
	}
	return preview.Viewport{Rows: rows, Cols: cols}, nil
}

func (s *terminalSurface) OpenFloat(_ context.Context, g preview.Geometry, lines []string, _ bool) (preview.SurfaceID, error) {
	block := lipgloss.NewStyle().MarginLeft(g.Col).Render(strings.Join(lines, "\n"))
	if _, err := fmt.Fprintln(s.out, block); err != nil {
		return 0, err
	}
	s.next++
	return s.next, nil
}

func (s *terminalSurface) CloseFloat(context.Context, preview.SurfaceID) error {
	return nil
}
