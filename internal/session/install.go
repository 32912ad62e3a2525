package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	rrerrors "regexrailroad/internal/errors"
)

// InstallingResolver wraps next so that a missing executable triggers
// installer once before giving up. Concurrent attaches share one run.
func InstallingResolver(next Resolver, installer string) Resolver {
	if strings.TrimSpace(installer) == "" {
		return next
	}
	var mu sync.Mutex
	return func(ctx context.Context) (string, error) {
		exe, err := next(ctx)
		if err == nil || !errors.Is(err, rrerrors.ErrExecutableNotFound) {
			return exe, err
		}

		mu.Lock()
		defer mu.Unlock()
		// Another attach may have installed it while we waited.
		if exe, err := next(ctx); err == nil {
			return exe, nil
		}
		if err := runInstaller(ctx, installer); err != nil {
			return "", err
		}
		return next(ctx)
	}
}

func runInstaller(ctx context.Context, installer string) error {
	fields := strings.Fields(installer)
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if msg := rrerrors.InstallExitMessage(exitErr.ExitCode()); msg != "" {
			return fmt.Errorf("install worker: %s (exit %d)", msg, exitErr.ExitCode())
		}
		if text := strings.TrimSpace(string(out)); text != "" {
			return fmt.Errorf("install worker: %s: %w", text, err)
		}
	}
	return fmt.Errorf("install worker: %w", err)
}
