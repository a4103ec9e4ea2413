package server

import (
	"context"
	"fmt"

	"github.com/rfratto/filemux/internal/wire"
)

// Middleware hooks into requests.
type Middleware interface {
	// HandleRequest handles an individual request.
	HandleRequest(ctx context.Context, hdr *wire.RequestHeader, req wire.Request, invoker Invoker) (wire.Response, error)
}

// Invoker is called by Middleware to complete requests.
type Invoker func(ctx context.Context, hdr *wire.RequestHeader, req wire.Request) (wire.Response, error)

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, hdr *wire.RequestHeader, req wire.Request, i Invoker) (wire.Response, error)

func (f FuncMiddleware) HandleRequest(ctx context.Context, h *wire.RequestHeader, req wire.Request, i Invoker) (wire.Response, error) {
	return f(ctx, h, req, i)
}

// handlerInvoker converts h into an Invoker.
func handlerInvoker(h Handler) Invoker {
	return func(ctx context.Context, header *wire.RequestHeader, req wire.Request) (resp wire.Response, err error) {
		switch header.Command {
		case wire.CommandList:
			req, _ := req.(*wire.ListRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, wire.ErrorUnknownCommand)
				break
			}
			resp, err = h.List(ctx, header, req)

		case wire.CommandDelete:
			// Delete has no payload, so only the error is forwarded.
			req, _ := req.(*wire.DeleteRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, wire.ErrorUnknownCommand)
				break
			}
			err = h.Delete(ctx, header, req)

		case wire.CommandGet:
			req, _ := req.(*wire.GetRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, wire.ErrorUnknownCommand)
				break
			}
			resp, err = h.Get(ctx, header, req)

		case wire.CommandRename:
			req, _ := req.(*wire.RenameRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, wire.ErrorUnknownCommand)
				break
			}
			err = h.Rename(ctx, header, req)

		default:
			err = fmt.Errorf("unexpected command %s: %w", header.Command, wire.ErrorUnknownCommand)
		}

		return resp, err
	}
}

type chainMiddleware []Middleware

func (c chainMiddleware) HandleRequest(ctx context.Context, h *wire.RequestHeader, req wire.Request, invoker Invoker) (wire.Response, error) {
	if len(c) == 0 {
		return invoker(ctx, h, req)
	}

	var (
		index        int
		chainInvoker Invoker
	)

	chainInvoker = func(ctx context.Context, h *wire.RequestHeader, req wire.Request) (wire.Response, error) {
		mw := c[index]
		index++

		var next Invoker
		if index == len(c) {
			next = invoker
		} else {
			next = chainInvoker
		}

		return mw.HandleRequest(ctx, h, req, next)
	}
	return chainInvoker(ctx, h, req)
}
