package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	rrerrors "regexrailroad/internal/errors"
	"regexrailroad/internal/protocol"
)

// fakeWorker is the far end of a channel: it decodes whatever the host
// sends and lets the test answer by hand.
type fakeWorker struct {
	t        *testing.T
	w        io.WriteCloser
	received chan *protocol.Message
}

func newPair(t *testing.T, opts Options) (*Channel, *fakeWorker) {
	t.Helper()

	hostR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()

	ch := New(hostR, hostW, opts)
	fw := &fakeWorker{t: t, w: workerW, received: make(chan *protocol.Message, 16)}

	go func() {
		dec := protocol.NewDecoder(workerR)
		for {
			msg, err := dec.Decode()
			if err != nil {
				close(fw.received)
				return
			}
			fw.received <- msg
		}
	}()

	t.Cleanup(func() {
		ch.Close()
		workerW.Close()
	})
	return ch, fw
}

func (fw *fakeWorker) next() *protocol.Message {
	fw.t.Helper()
	select {
	case msg, ok := <-fw.received:
		if !ok {
			fw.t.Fatal("host side closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		fw.t.Fatal("timed out waiting for host message")
	}
	return nil
}

func (fw *fakeWorker) send(msg *protocol.Message) {
	fw.t.Helper()
	if err := protocol.Encode(fw.w, msg); err != nil {
		fw.t.Fatalf("worker send: %v", err)
	}
}

type outcome struct {
	result any
	err    error
}

func goRequest(ch *Channel, method string, timeout time.Duration, args ...any) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		res, err := ch.Request(context.Background(), method, timeout, args...)
		out <- outcome{res, err}
	}()
	return out
}

func waitOutcome(t *testing.T, out <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("request never resolved")
	}
	return outcome{}
}

func TestChannel_RequestResolves(t *testing.T) {
	ch, fw := newPair(t, Options{})

	out := goRequest(ch, protocol.MethodText, time.Second, "a.py", "ab+")
	req := fw.next()
	if req.Type != protocol.TypeRequest || req.Method != protocol.MethodText {
		t.Fatalf("unexpected frame: %+v", req)
	}
	fw.send(protocol.NewResponse(req.ID, nil, "done"))

	o := waitOutcome(t, out)
	if o.err != nil {
		t.Fatalf("Request failed: %v", o.err)
	}
	if o.result != "done" {
		t.Errorf("expected result 'done', got %v", o.result)
	}
	if ch.Pending() != 0 {
		t.Errorf("expected no pending calls, got %d", ch.Pending())
	}
}

func TestChannel_RequestIDsAreMonotonic(t *testing.T) {
	ch, fw := newPair(t, Options{})

	var last uint32
	for i := 0; i < 3; i++ {
		out := goRequest(ch, protocol.MethodText, time.Second)
		req := fw.next()
		if req.ID <= last {
			t.Fatalf("id %d not greater than previous %d", req.ID, last)
		}
		last = req.ID
		fw.send(protocol.NewResponse(req.ID, nil, nil))
		waitOutcome(t, out)
	}
}

func TestChannel_OutOfOrderResponses(t *testing.T) {
	ch, fw := newPair(t, Options{})

	first := goRequest(ch, protocol.MethodRailroad, time.Second, "first")
	reqA := fw.next()
	second := goRequest(ch, protocol.MethodRailroad, time.Second, "second")
	reqB := fw.next()

	fw.send(protocol.NewResponse(reqB.ID, nil, "for-second"))
	fw.send(protocol.NewResponse(reqA.ID, nil, "for-first"))

	if o := waitOutcome(t, first); o.result != "for-first" {
		t.Errorf("first got %v (%v)", o.result, o.err)
	}
	if o := waitOutcome(t, second); o.result != "for-second" {
		t.Errorf("second got %v (%v)", o.result, o.err)
	}
}

func TestChannel_ResponseErrorFailsCall(t *testing.T) {
	ch, fw := newPair(t, Options{})

	out := goRequest(ch, protocol.MethodText, time.Second)
	req := fw.next()
	fw.send(protocol.NewResponse(req.ID, []any{int64(0), "worker exploded"}, nil))

	o := waitOutcome(t, out)
	if rrerrors.KindOf(o.err) != rrerrors.KindApplication {
		t.Fatalf("expected application error, got %v", o.err)
	}
	if o.result != nil {
		t.Error("failed call must not carry a result")
	}
}

func TestChannel_TimeoutDiscardsLateResponse(t *testing.T) {
	ch, fw := newPair(t, Options{})

	out := goRequest(ch, protocol.MethodRailroad, 50*time.Millisecond)
	req := fw.next()

	o := waitOutcome(t, out)
	if rrerrors.KindOf(o.err) != rrerrors.KindTimeout {
		t.Fatalf("expected timeout, got %v", o.err)
	}
	if !errors.Is(o.err, rrerrors.ErrTimeout) {
		t.Errorf("expected ErrTimeout in chain, got %v", o.err)
	}
	if ch.Pending() != 0 {
		t.Fatalf("timed out call still pending")
	}

	// The late answer must not disturb the next call.
	fw.send(protocol.NewResponse(req.ID, nil, "stale"))
	fw.send(protocol.NewNotification("sync"))

	next := goRequest(ch, protocol.MethodRailroad, time.Second)
	req2 := fw.next()
	fw.send(protocol.NewResponse(req2.ID, nil, "fresh"))
	if o := waitOutcome(t, next); o.result != "fresh" {
		t.Errorf("expected fresh result, got %v (%v)", o.result, o.err)
	}
}

func TestChannel_ContextCancelFailsCall(t *testing.T) {
	ch, fw := newPair(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() {
		_, err := ch.Request(ctx, protocol.MethodText, 0)
		out <- err
	}()
	fw.next()
	cancel()

	select {
	case err := <-out:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if rrerrors.KindOf(err) == rrerrors.KindTimeout {
			t.Error("cancellation is not a timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request never returned")
	}
}

func TestChannel_CloseFailsAllPending(t *testing.T) {
	closed := make(chan error, 1)
	ch, fw := newPair(t, Options{OnClose: func(cause error) { closed <- cause }})

	const n = 5
	outs := make([]<-chan outcome, n)
	for i := range outs {
		outs[i] = goRequest(ch, protocol.MethodRailroad, 0, fmt.Sprint(i))
		fw.next()
	}
	if got := ch.Pending(); got != n {
		t.Fatalf("expected %d pending, got %d", n, got)
	}

	ch.Close()

	for i, out := range outs {
		o := waitOutcome(t, out)
		if !errors.Is(o.err, rrerrors.ErrChannelClosed) {
			t.Errorf("call %d: expected channel closed, got %v", i, o.err)
		}
		if rrerrors.KindOf(o.err) != rrerrors.KindChannelClosed {
			t.Errorf("call %d: wrong kind %s", i, rrerrors.KindOf(o.err))
		}
	}
	if ch.Pending() != 0 {
		t.Errorf("expected no pending calls after close, got %d", ch.Pending())
	}

	select {
	case cause := <-closed:
		if !errors.Is(cause, rrerrors.ErrChannelClosed) {
			t.Errorf("unexpected close cause %v", cause)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}

	if _, err := ch.Request(context.Background(), protocol.MethodText, time.Second); rrerrors.KindOf(err) != rrerrors.KindChannelClosed {
		t.Errorf("request after close: expected channel closed, got %v", err)
	}
	if err := ch.Notify(protocol.MethodEcho, "x"); err == nil {
		t.Error("notify after close should report an error")
	}
}

func TestChannel_WorkerExitFailsPending(t *testing.T) {
	ch, fw := newPair(t, Options{})

	out := goRequest(ch, protocol.MethodText, 0)
	fw.next()
	fw.w.Close() // worker's stdout reaches EOF

	o := waitOutcome(t, out)
	if !errors.Is(o.err, rrerrors.ErrChannelClosed) {
		t.Fatalf("expected channel closed, got %v", o.err)
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel not marked done")
	}
	if ch.Err() == nil {
		t.Error("expected a close cause")
	}
}

func TestChannel_NotifyPreservesSendOrder(t *testing.T) {
	ch, fw := newPair(t, Options{})

	if err := ch.Notify(protocol.MethodEcho, "hello"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	out := goRequest(ch, protocol.MethodText, time.Second)

	first := fw.next()
	if first.Type != protocol.TypeNotification || first.Method != protocol.MethodEcho {
		t.Fatalf("expected echo notification first, got %+v", first)
	}
	req := fw.next()
	fw.send(protocol.NewResponse(req.ID, nil, true))
	waitOutcome(t, out)
}

func TestChannel_InboundRequestWithoutHandler(t *testing.T) {
	_, fw := newPair(t, Options{})

	fw.send(protocol.NewRequest(99, "nvim_get_current_buf"))
	resp := fw.next()
	if resp.Type != protocol.TypeResponse || resp.ID != 99 {
		t.Fatalf("expected response to 99, got %+v", resp)
	}
	if protocol.ErrorText(resp.Error) == "" {
		t.Error("expected an error response")
	}
}

func TestChannel_InboundRequestWithHandler(t *testing.T) {
	_, fw := newPair(t, Options{Handler: func(method string, args []any) (any, error) {
		return "handled " + method, nil
	}})

	fw.send(protocol.NewRequest(3, "ping"))
	resp := fw.next()
	if resp.Error != nil || resp.Result != "handled ping" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestChannel_PreviewHelper(t *testing.T) {
	ch, fw := newPair(t, Options{})

	type result struct {
		res *protocol.PreviewResult
		err error
	}
	run := func() <-chan result {
		out := make(chan result, 1)
		go func() {
			res, err := Preview(context.Background(), ch, protocol.MethodRailroad, "a.py", "a|b", time.Second)
			out <- result{res, err}
		}()
		return out
	}

	ok := run()
	req := fw.next()
	if len(req.Args) != 2 {
		t.Fatalf("expected (filename, text) args, got %v", req.Args)
	}
	fw.send(protocol.NewResponse(req.ID, nil, map[string]any{"text": []string{"a", "b"}, "width": 1, "height": 2}))
	if r := <-ok; r.err != nil || len(r.res.Text) != 2 {
		t.Fatalf("unexpected preview result %+v (%v)", r.res, r.err)
	}

	bad := run()
	req = fw.next()
	fw.send(protocol.NewResponse(req.ID, nil, map[string]any{"text": []string{}, "width": 0, "height": 0, "error": "File extension .txt not supported"}))
	r := <-bad
	if rrerrors.KindOf(r.err) != rrerrors.KindApplication {
		t.Fatalf("expected application error, got %v", r.err)
	}
	if rrerrors.UserMessage(r.err) != "regex-railroad: File extension .txt not supported" {
		t.Errorf("message not verbatim: %q", rrerrors.UserMessage(r.err))
	}
}

func TestChannel_ExactlyOneOutcome(t *testing.T) {
	ch, _ := newPair(t, Options{})

	cl := &call{method: "x", done: make(chan struct{})}
	ch.mu.Lock()
	ch.nextID++
	cl.id = ch.nextID
	ch.pending[cl.id] = cl
	ch.mu.Unlock()

	// A response and a close race for the same call; only one may win.
	if got := ch.take(cl.id); got != cl {
		t.Fatal("first take should win")
	}
	if ch.take(cl.id) != nil {
		t.Fatal("second take must lose")
	}
	cl.finish(CallResolved, 1, nil)
	ch.Close()
	if cl.state != CallResolved {
		t.Errorf("state changed after resolution: %s", cl.state)
	}
}
