// Package session supervises worker processes: one per key, spawned on
// demand and talking msgpack-rpc over stdio.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	rrerrors "regexrailroad/internal/errors"
	"regexrailroad/internal/logging"
	"regexrailroad/internal/rpc"
)

const (
	defaultScannerBufSize  = 64 * 1024
	defaultStderrLines     = 200
	defaultGracefulTimeout = 2 * time.Second
)

var (
	errRegistryClosed      = errors.New("registry is shut down")
	errExitedDuringStartup = errors.New("worker exited during startup")
)

// Resolver locates the worker executable.
type Resolver func(ctx context.Context) (string, error)

// PathResolver resolves path if set, otherwise looks name up on PATH.
// A missing executable fails with ErrExecutableNotFound.
func PathResolver(path, name string) Resolver {
	return func(context.Context) (string, error) {
		if path != "" {
			info, err := os.Stat(path)
			if err != nil {
				return "", fmt.Errorf("%w: %s", rrerrors.ErrExecutableNotFound, path)
			}
			if info.IsDir() {
				return "", fmt.Errorf("%w: %s is a directory", rrerrors.ErrExecutableNotFound, path)
			}
			return filepath.Abs(path)
		}
		found, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("%w: %s not in PATH", rrerrors.ErrExecutableNotFound, name)
		}
		return found, nil
	}
}

// Options configures a Registry.
type Options struct {
	Resolver Resolver
	// GracefulTimeout is how long a detached worker may take to exit.
	GracefulTimeout time.Duration
	// HandshakeTimeout is how long a new worker must stay alive before
	// it counts as attached. Zero only checks it has not already exited.
	HandshakeTimeout time.Duration
	// StderrLines is the per-session stderr tail size.
	StderrLines int
	// Env is appended to the host environment for every worker.
	Env    []string
	Logger *logging.Logger
	// OnStateChange is called after every session transition.
	OnStateChange func(Info)
	// OnNotify receives notifications sent by workers.
	OnNotify func(key, method string, args []any)
}

// Registry maps keys to live sessions. It is the only writer of its map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	group singleflight.Group

	optsMu sync.RWMutex
	opts   Options

	logger *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = defaultGracefulTimeout
	}
	if opts.StderrLines <= 0 {
		opts.StderrLines = defaultStderrLines
	}
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// SetResolver swaps the executable resolver. Live sessions keep the
// binary they were started with.
func (r *Registry) SetResolver(res Resolver) {
	r.optsMu.Lock()
	r.opts.Resolver = res
	r.optsMu.Unlock()
}

// SetGracefulTimeout changes the grace period for later detaches.
func (r *Registry) SetGracefulTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.optsMu.Lock()
	r.opts.GracefulTimeout = d
	r.optsMu.Unlock()
}

// SetHandshakeTimeout changes the startup window for later spawns.
func (r *Registry) SetHandshakeTimeout(d time.Duration) {
	if d < 0 {
		return
	}
	r.optsMu.Lock()
	r.opts.HandshakeTimeout = d
	r.optsMu.Unlock()
}

func (r *Registry) options() Options {
	r.optsMu.RLock()
	defer r.optsMu.RUnlock()
	return r.opts
}

// Attach returns the attached session for key, spawning a worker if
// there is none. extraArg, when non-empty, is passed to the worker as its
// only argument. Concurrent attaches for one key share a single spawn.
func (r *Registry) Attach(ctx context.Context, key, extraArg string) (*Session, error) {
	if s := r.attached(key); s != nil {
		return s, nil
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		if s := r.attached(key); s != nil {
			return s, nil
		}
		return r.spawn(ctx, key, extraArg)
	})
	if shared {
		r.logger.Debug("attach collapsed onto in-flight spawn", "key", key)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) attached(key string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[key]
	if !ok || !s.Attached() {
		return nil
	}
	return s
}

func (r *Registry) spawn(ctx context.Context, key, extraArg string) (*Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, rrerrors.Spawn(key, errRegistryClosed)
	}

	opts := r.options()
	if opts.Resolver == nil {
		return nil, rrerrors.Spawn(key, rrerrors.ErrExecutableNotFound)
	}
	exe, err := opts.Resolver(ctx)
	if err != nil {
		return nil, rrerrors.Spawn(key, err)
	}

	id := uuid.New().String()
	logger := r.logger.WithKey(key).WithSession(id)

	var args []string
	if extraArg != "" {
		args = append(args, extraArg)
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	s := &Session{
		ID:        id,
		Key:       key,
		StartedAt: time.Now().UTC(),
		state:     StateStarting,
		cmd:       cmd,
		stderr:    NewRingBuffer(opts.StderrLines),
		exited:    make(chan struct{}),
		logger:    logger,
		onChange:  opts.OnStateChange,
	}
	if s.onChange != nil {
		s.onChange(s.Info())
	}

	// Our own pipes rather than cmd.StdoutPipe: Wait must not close the
	// read ends while the channel is still draining them.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, r.fail(s, fmt.Errorf("create stdin pipe: %w", err))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, r.fail(s, fmt.Errorf("create stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, r.fail(s, fmt.Errorf("create stderr pipe: %w", err))
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, r.fail(s, fmt.Errorf("start %s: %w", exe, err))
	}

	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	logger.Info("worker started", "pid", cmd.Process.Pid, "executable", exe)

	go s.scanStderr(stderrR)

	s.channel = rpc.New(stdoutR, stdinW, rpc.Options{
		Logger: logger,
		OnNotify: func(method string, args []any) {
			if opts.OnNotify != nil {
				opts.OnNotify(key, method, args)
			}
		},
		OnClose: func(cause error) {
			r.channelClosed(s, cause)
		},
	})

	go s.waitForExit()

	if err := awaitStartup(ctx, s, opts.HandshakeTimeout); err != nil {
		return nil, r.abort(s, err, opts.GracefulTimeout)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, r.abort(s, errRegistryClosed, opts.GracefulTimeout)
	}
	r.sessions[key] = s
	r.mu.Unlock()

	if !s.setState(StateAttached, "") {
		// Shutdown detached it between registration and here.
		return nil, rrerrors.Spawn(key, errRegistryClosed)
	}

	select {
	case <-s.channel.Done():
		// The worker died between the startup window and registration.
		r.channelClosed(s, s.channel.Err())
		return nil, rrerrors.Spawn(key, errExitedDuringStartup)
	default:
	}
	return s, nil
}

// awaitStartup fails if the worker exits within window. A zero window
// only checks that it has not exited already.
func awaitStartup(ctx context.Context, s *Session, window time.Duration) error {
	if window <= 0 {
		select {
		case <-s.channel.Done():
			return errExitedDuringStartup
		default:
			return nil
		}
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-s.channel.Done():
		return errExitedDuringStartup
	case <-s.exited:
		return errExitedDuringStartup
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// abort tears down a worker that never became attached and marks the
// session Failed.
func (r *Registry) abort(s *Session, cause error, grace time.Duration) error {
	s.channel.Close()
	s.cmd.Process.Signal(os.Kill)

	select {
	case <-s.exited:
		if exitErr := s.ExitErr(); exitErr != nil && errors.Is(cause, errExitedDuringStartup) {
			cause = fmt.Errorf("%w (%v)", cause, exitErr)
		}
	case <-time.After(grace):
	}
	return r.fail(s, cause)
}

func (r *Registry) fail(s *Session, err error) error {
	s.setState(StateFailed, err.Error())
	if tail := s.StderrTail(); len(tail) > 0 {
		s.logger.Warn("worker failed to start", "error", err, "stderr", tail)
	} else {
		s.logger.Warn("worker failed to start", "error", err)
	}
	return rrerrors.Spawn(s.Key, err)
}

// channelClosed runs when a session's channel shuts down, whether the
// worker exited or we detached it.
func (r *Registry) channelClosed(s *Session, cause error) {
	reason := "channel closed"
	if cause != nil && !rrerrors.Is(cause, rrerrors.ErrChannelClosed) {
		reason = cause.Error()
	}
	// A session still starting is failed by spawn, not here.
	if st, _ := s.State(); st == StateAttached && s.setState(StateDetached, reason) {
		s.logger.Warn("worker channel closed", "reason", reason, "stderr", s.StderrTail())
	}
	r.remove(s)
}

// remove deletes s only if it is still the canonical session for its key.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Key]; ok && cur == s {
		delete(r.sessions, s.Key)
	}
}

// Detach stops the session for key. It returns false when there is none.
func (r *Registry) Detach(key string) bool {
	return r.detach(key, "detached") != nil
}

func (r *Registry) detach(key, reason string) *Session {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	s.detach(reason, r.options().GracefulTimeout)
	return s
}

// DetachAll detaches every session concurrently and returns how many
// were detached.
func (r *Registry) DetachAll(reason string) int {
	return len(r.detachAll(reason))
}

func (r *Registry) detachAll(reason string) []*Session {
	r.mu.RLock()
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	var (
		mu       sync.Mutex
		detached []*Session
		wg       conc.WaitGroup
	)
	for _, key := range keys {
		wg.Go(func() {
			if s := r.detach(key, reason); s != nil {
				mu.Lock()
				detached = append(detached, s)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if len(detached) > 0 {
		r.logger.Info("detached sessions", "count", len(detached), "reason", reason)
	}
	return detached
}

// Get returns the session registered for key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// List returns snapshots of all registered sessions sorted by key.
func (r *Registry) List() []Info {
	r.mu.RLock()
	result := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Shutdown refuses further attaches, detaches everything and waits for
// the workers to be reaped or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, s := range r.detachAll("shutdown") {
		select {
		case <-s.Exited():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Session) scanStderr(pipe io.ReadCloser) {
	defer pipe.Close()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 4096), defaultScannerBufSize)

	for scanner.Scan() {
		line := scanner.Text()
		s.stderr.Write(line, time.Now().UTC())
		s.logger.Debug("worker stderr", "line", line)
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("stderr scanner stopped", "error", err)
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
