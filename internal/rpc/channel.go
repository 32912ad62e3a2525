// Package rpc correlates msgpack-rpc requests and responses on one
// worker channel.
//
// Every request gets a fresh id from a per-channel counter and waits on
// its own completion channel; responses are matched by id only, so the
// worker may answer in any order. A call leaves the correlation table
// exactly once (response, timeout, cancellation or channel closure),
// and whoever removes it decides its outcome. Responses for ids no
// longer in the table are dropped.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	rrerrors "regexrailroad/internal/errors"
	"regexrailroad/internal/logging"
	"regexrailroad/internal/protocol"
)

// CallState tracks a pending call's outcome.
type CallState int

const (
	CallPending CallState = iota
	CallResolved
	CallFailed
	CallTimedOut
)

func (s CallState) String() string {
	switch s {
	case CallPending:
		return "pending"
	case CallResolved:
		return "resolved"
	case CallFailed:
		return "failed"
	case CallTimedOut:
		return "timed_out"
	}
	return "unknown"
}

type call struct {
	id     uint32
	method string
	sent   time.Time

	state  CallState
	result any
	err    error
	done   chan struct{}
}

func (c *call) finish(state CallState, result any, err error) {
	c.state = state
	c.result = result
	c.err = err
	close(c.done)
}

// RequestHandler answers requests the worker sends to us.
type RequestHandler func(method string, args []any) (any, error)

// Options configures a Channel.
type Options struct {
	Logger *logging.Logger
	// Handler answers inbound requests. Nil replies with an error.
	Handler RequestHandler
	// OnNotify receives inbound notifications.
	OnNotify func(method string, args []any)
	// OnClose runs once after the channel closes and all pending calls
	// have been failed. cause is the read error or ErrChannelClosed.
	OnClose func(cause error)
}

// Channel is one bidirectional msgpack-rpc connection.
type Channel struct {
	r   io.Reader
	w   io.WriteCloser
	dec *protocol.Decoder

	wmu sync.Mutex // serializes frames in send order

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*call
	closed  bool
	cause   error

	done      chan struct{}
	closeOnce sync.Once

	logger  *logging.Logger
	handler RequestHandler
	notify  func(string, []any)
	onClose func(error)
}

// New starts a channel reading frames from r and writing to w. If r is
// also an io.Closer it is closed by Close.
func New(r io.Reader, w io.WriteCloser, opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	c := &Channel{
		r:       r,
		w:       w,
		dec:     protocol.NewDecoder(r),
		pending: make(map[uint32]*call),
		done:    make(chan struct{}),
		logger:  logger,
		handler: opts.Handler,
		notify:  opts.OnNotify,
		onClose: opts.OnClose,
	}

	go c.readLoop()

	return c
}

// Notify sends a fire-and-forget message. No call is tracked.
func (c *Channel) Notify(method string, args ...any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return rrerrors.E(rrerrors.KindChannelClosed, "notify "+method, "", rrerrors.ErrChannelClosed)
	}

	if err := c.write(protocol.NewNotification(method, args...)); err != nil {
		return rrerrors.E(rrerrors.KindChannelClosed, "notify "+method, "", err)
	}
	return nil
}

// Request sends method with args and waits for the matching response,
// channel closure, the timeout (when positive) or ctx cancellation.
// A response carrying an error value fails the call with
// KindApplication.
func (c *Channel) Request(ctx context.Context, method string, timeout time.Duration, args ...any) (any, error) {
	op := "request " + method

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cl := &call{method: method, sent: time.Now(), done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, rrerrors.E(rrerrors.KindChannelClosed, op, "", rrerrors.ErrChannelClosed)
	}
	c.nextID++
	cl.id = c.nextID
	c.pending[cl.id] = cl
	c.mu.Unlock()

	c.logger.Debug("rpc request", "id", cl.id, "method", method)

	if err := c.write(protocol.NewRequest(cl.id, method, args...)); err != nil {
		if c.take(cl.id) != nil {
			cl.finish(CallFailed, nil, rrerrors.E(rrerrors.KindChannelClosed, op, "", err))
		}
		<-cl.done
		return nil, cl.err
	}

	select {
	case <-cl.done:
	case <-ctx.Done():
		if c.take(cl.id) != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.logger.Warn("rpc request timed out", "id", cl.id, "method", method, "waited", time.Since(cl.sent).String())
				cl.finish(CallTimedOut, nil, rrerrors.E(rrerrors.KindTimeout, op, "", rrerrors.ErrTimeout))
			} else {
				cl.finish(CallFailed, nil, rrerrors.E(rrerrors.KindUnknown, op, "", ctx.Err()))
			}
		}
		<-cl.done
	}

	return cl.result, cl.err
}

// take removes id from the correlation table. Only the caller that gets
// a non-nil call may finish it.
func (c *Channel) take(id uint32) *call {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return cl
}

func (c *Channel) write(msg *protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.Encode(c.w, msg)
}

// Pending returns the number of unresolved calls.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel closed, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Close closes the write side (and the read side when closable) and
// fails every pending call with "channel closed".
func (c *Channel) Close() error {
	err := c.w.Close()

	if rc, ok := c.r.(io.Closer); ok {
		rc.Close()
	}

	c.shutdown(rrerrors.ErrChannelClosed)
	return err
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.cause = cause
		calls := c.pending
		c.pending = make(map[uint32]*call)
		c.mu.Unlock()

		for _, cl := range calls {
			cl.finish(CallFailed, nil, rrerrors.E(rrerrors.KindChannelClosed, "request "+cl.method, "", rrerrors.ErrChannelClosed))
		}
		if len(calls) > 0 {
			c.logger.Info("failed pending calls on channel close", "count", len(calls))
		}

		close(c.done)

		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}

func (c *Channel) readLoop() {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				err = rrerrors.ErrChannelClosed
			}
			c.shutdown(err)
			return
		}

		switch msg.Type {
		case protocol.TypeResponse:
			c.resolve(msg)
		case protocol.TypeRequest:
			go c.serve(msg)
		case protocol.TypeNotification:
			c.logger.Debug("worker notification", "method", msg.Method)
			if c.notify != nil {
				c.notify(msg.Method, msg.Args)
			}
		}
	}
}

func (c *Channel) resolve(msg *protocol.Message) {
	cl := c.take(msg.ID)
	if cl == nil {
		c.logger.Debug("discarding response for unknown or expired call", "id", msg.ID)
		return
	}

	if text := protocol.ErrorText(msg.Error); text != "" {
		cl.finish(CallFailed, nil, rrerrors.Application(cl.method, text))
		return
	}
	cl.finish(CallResolved, msg.Result, nil)
}

func (c *Channel) serve(msg *protocol.Message) {
	var (
		result   any
		errValue any
	)

	if c.handler == nil {
		errValue = fmt.Sprintf("method %s not supported by host", msg.Method)
	} else if res, err := c.handler(msg.Method, msg.Args); err != nil {
		errValue = err.Error()
	} else {
		result = res
	}

	if err := c.write(protocol.NewResponse(msg.ID, errValue, result)); err != nil {
		c.logger.Warn("failed to answer worker request", "id", msg.ID, "method", msg.Method, "error", err)
	}
}
