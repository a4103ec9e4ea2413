package server

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/filemux/internal/wire"
)

// NewLoggingMiddleware returns a new logging middleware.
func NewLoggingMiddleware(l log.Logger) Middleware {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &loggingMiddleware{l: l}
}

type loggingMiddleware struct {
	l log.Logger
}

func (lm *loggingMiddleware) HandleRequest(ctx context.Context, hdr *wire.RequestHeader, req wire.Request, invoker Invoker) (wire.Response, error) {
	level.Debug(lm.l).Log("msg", "starting request", "cmd", hdr.Command, "conn", hdr.ConnID, "remote", hdr.Remote)
	resp, err := invoker(ctx, hdr, req)
	level.Debug(lm.l).Log("msg", "finished request", "cmd", hdr.Command, "conn", hdr.ConnID, "reply", wire.ReplyFor(err), "err", err)
	return resp, err
}
