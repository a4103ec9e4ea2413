package server

import (
	"context"

	"github.com/rfratto/filemux/internal/wire"
)

// ReadOnly wraps h so that requests which would modify the served directory
// fail with wire.ErrorReadOnly. List and Get are passed through.
func ReadOnly(h Handler) Handler {
	return readOnlyHandler{inner: h}
}

type readOnlyHandler struct {
	inner Handler
}

// Static type check test
var _ Handler = readOnlyHandler{}

func (h readOnlyHandler) List(ctx context.Context, hdr *wire.RequestHeader, req *wire.ListRequest) (*wire.ListResponse, error) {
	return h.inner.List(ctx, hdr, req)
}

func (h readOnlyHandler) Delete(context.Context, *wire.RequestHeader, *wire.DeleteRequest) error {
	return wire.ErrorReadOnly
}

func (h readOnlyHandler) Get(ctx context.Context, hdr *wire.RequestHeader, req *wire.GetRequest) (*wire.GetResponse, error) {
	return h.inner.Get(ctx, hdr, req)
}

func (h readOnlyHandler) Rename(context.Context, *wire.RequestHeader, *wire.RenameRequest) error {
	return wire.ErrorReadOnly
}
