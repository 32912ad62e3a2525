package rpc

import (
	"context"
	"fmt"
	"time"

	rrerrors "regexrailroad/internal/errors"
	"regexrailroad/internal/protocol"
)

// Requester issues correlated requests. Channel and session.Session
// both implement it.
type Requester interface {
	Request(ctx context.Context, method string, timeout time.Duration, args ...any) (any, error)
}

// Preview calls one of the preview methods (protocol.MethodRailroad or
// protocol.MethodText) with (filename, text) and decodes the result.
// A result whose error field is set fails with KindApplication.
func Preview(ctx context.Context, r Requester, method, filename, text string, timeout time.Duration) (*protocol.PreviewResult, error) {
	raw, err := r.Request(ctx, method, timeout, filename, text)
	if err != nil {
		return nil, err
	}

	res, err := protocol.DecodePreviewResult(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	if res.Error != "" {
		return nil, rrerrors.Application(method, res.Error)
	}
	return res, nil
}
