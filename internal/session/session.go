package session

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	rrerrors "regexrailroad/internal/errors"
	"regexrailroad/internal/logging"
	"regexrailroad/internal/protocol"
	"regexrailroad/internal/rpc"
)

// State represents the lifecycle state of a session.
type State int

const (
	StateDetached State = iota
	StateStarting
	StateAttached
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateStarting:
		return "starting"
	case StateAttached:
		return "attached"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	State     State     `json:"-"`
	Reason    string    `json:"reason,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Session is one worker process and the rpc channel over its stdio.
// Only the session terminates its own process.
type Session struct {
	ID        string
	Key       string
	StartedAt time.Time

	mu     sync.Mutex
	state  State
	reason string

	cmd     *exec.Cmd
	channel *rpc.Channel
	stderr  *RingBuffer

	exited  chan struct{}
	exitErr error

	logger   *logging.Logger
	onChange func(Info)
}

// State returns the current state and, for Failed or Detached, why.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Attached reports whether requests can be sent.
func (s *Session) Attached() bool {
	st, _ := s.State()
	return st == StateAttached
}

// setState applies a transition and reports whether it happened.
// Failed and Detached are terminal.
func (s *Session) setState(st State, reason string) bool {
	s.mu.Lock()
	if s.state == st || s.state == StateFailed || s.state == StateDetached {
		s.mu.Unlock()
		return false
	}
	s.state = st
	s.reason = reason
	s.mu.Unlock()

	s.logger.Info("session state changed", "state", st.String(), "reason", reason)
	if s.onChange != nil {
		s.onChange(s.Info())
	}
	return true
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:        s.ID,
		Key:       s.Key,
		State:     s.state,
		Reason:    s.reason,
		StartedAt: s.StartedAt,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	return info
}

// PID returns the worker's process id, or 0 before it started.
func (s *Session) PID() int {
	return s.Info().PID
}

// Notify sends a notification. On a session that is not attached it
// does nothing and returns nil.
func (s *Session) Notify(method string, args ...any) error {
	if !s.Attached() {
		s.logger.Debug("dropping notification on inactive session", "method", method)
		return nil
	}
	return s.channel.Notify(method, args...)
}

// Request sends a request and waits for its response. On a session
// that is not attached it fails immediately with KindChannelClosed.
func (s *Session) Request(ctx context.Context, method string, timeout time.Duration, args ...any) (any, error) {
	if !s.Attached() {
		return nil, rrerrors.E(rrerrors.KindChannelClosed, "request "+method, s.Key, rrerrors.ErrNotAttached)
	}
	return s.channel.Request(ctx, method, timeout, args...)
}

// StderrTail returns the most recent worker stderr lines, oldest first.
func (s *Session) StderrTail() []string {
	return s.stderr.Lines()
}

// Exited is closed once the worker process has been reaped.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

// ExitErr returns the error from waiting on the worker, valid after Exited.
func (s *Session) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// detach says goodbye to the worker, closes its stdin and reaps it in
// the background, killing it if it outlives grace.
func (s *Session) detach(reason string, grace time.Duration) {
	wasAttached := s.Attached()
	s.setState(StateDetached, reason)

	if s.channel != nil {
		if wasAttached {
			if err := s.channel.Notify(protocol.MethodQuit); err != nil {
				s.logger.Debug("quit notification failed", "error", err)
			}
		}
		s.channel.Close()
	}

	go s.reap(grace)
}

func (s *Session) reap(grace time.Duration) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-s.exited:
	case <-timer.C:
		s.logger.Warn("worker did not exit after quit, killing", "grace", grace)
		if err := s.cmd.Process.Signal(os.Kill); err != nil {
			s.logger.Debug("kill failed", "error", err)
		}
	}
}

func (s *Session) waitForExit() {
	err := s.cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
	close(s.exited)

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}
	s.logger.Info("worker exited", "exit_code", exitCode)

	// Usually already closed by EOF on stdout; this covers workers that
	// leave a descendant holding the pipe open.
	s.channel.Close()
}
