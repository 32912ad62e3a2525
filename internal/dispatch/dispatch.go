// Package dispatch turns editor commands into worker calls and preview
// windows: attach a session, send the request, open the result.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"regexrailroad/internal/logging"
	"regexrailroad/internal/preview"
	"regexrailroad/internal/protocol"
	"regexrailroad/internal/rpc"
	"regexrailroad/internal/session"
)

// ErrEmptyPattern is returned when there is no text to preview.
var ErrEmptyPattern = errors.New("no pattern to preview")

// Worker is the part of a session the dispatcher talks to.
type Worker interface {
	rpc.Requester
	Notify(method string, args ...any) error
}

// Sessions attaches and detaches workers by key.
type Sessions interface {
	Attach(ctx context.Context, key, extraArg string) (Worker, error)
	Detach(key string) bool
}

type registrySessions struct {
	reg *session.Registry
}

// FromRegistry adapts a session registry to Sessions.
func FromRegistry(reg *session.Registry) Sessions {
	return registrySessions{reg: reg}
}

func (r registrySessions) Attach(ctx context.Context, key, extraArg string) (Worker, error) {
	s, err := r.reg.Attach(ctx, key, extraArg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r registrySessions) Detach(key string) bool {
	return r.reg.Detach(key)
}

// Request is one preview command. Key identifies the originating buffer
// and anchors both the session and the preview window.
type Request struct {
	Key      string
	Filename string
	Text     string
	Origin   preview.SurfaceID
}

// Dispatcher runs preview commands.
type Dispatcher struct {
	sessions Sessions
	previews *preview.Manager
	logger   *logging.Logger

	mu      sync.RWMutex
	timeout time.Duration
}

// New creates a dispatcher. timeout bounds each worker request.
func New(sessions Sessions, previews *preview.Manager, timeout time.Duration, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Dispatcher{
		sessions: sessions,
		previews: previews,
		logger:   logger,
		timeout:  timeout,
	}
}

// SetTimeout changes the request timeout for later commands.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	d.timeout = timeout
	d.mu.Unlock()
}

func (d *Dispatcher) requestTimeout() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.timeout
}

// Diagram shows the railroad diagram for req.Text.
func (d *Dispatcher) Diagram(ctx context.Context, req Request) (*preview.Window, error) {
	return d.show(ctx, protocol.MethodRailroad, req)
}

// Describe shows the plain-text description of req.Text.
func (d *Dispatcher) Describe(ctx context.Context, req Request) (*preview.Window, error) {
	return d.show(ctx, protocol.MethodText, req)
}

func (d *Dispatcher) show(ctx context.Context, method string, req Request) (*preview.Window, error) {
	logger := d.logger.WithKey(req.Key)

	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyPattern
	}

	w, err := d.sessions.Attach(ctx, req.Key, req.Filename)
	if err != nil {
		logger.Warn("attach failed", "error", err)
		return nil, err
	}

	res, err := rpc.Preview(ctx, w, method, req.Filename, req.Text, d.requestTimeout())
	if err != nil {
		logger.Warn("preview request failed", "method", method, "error", err)
		return nil, err
	}

	win, err := d.previews.Open(ctx, req.Key, req.Origin, res.Text)
	if err != nil {
		logger.Warn("preview open failed", "error", err)
		return nil, err
	}
	logger.Debug("preview shown", "method", method, "window_id", win.ID, "width", res.Width, "height", res.Height)
	return win, nil
}

// Echo sends text to the worker as an echo notification.
func (d *Dispatcher) Echo(ctx context.Context, req Request) error {
	w, err := d.sessions.Attach(ctx, req.Key, req.Filename)
	if err != nil {
		return err
	}
	return w.Notify(protocol.MethodEcho, req.Text)
}

// Close dismisses the preview anchored at key.
func (d *Dispatcher) Close(ctx context.Context, key string) (bool, error) {
	return d.previews.CloseAnchor(ctx, key)
}

// Stop closes key's preview and detaches its worker. It reports whether
// a worker was detached.
func (d *Dispatcher) Stop(ctx context.Context, key string) bool {
	if _, err := d.previews.CloseAnchor(ctx, key); err != nil {
		d.logger.WithKey(key).Warn("failed to close preview on stop", "error", err)
	}
	return d.sessions.Detach(key)
}
