package server

import (
	"context"

	"github.com/rfratto/filemux/internal/wire"
)

// Handler executes requests against a set of files. Handler is passed to
// New, and its methods are invoked from the server's event loop as requests
// complete. Methods must not block for longer than the underlying
// filesystem call.
type Handler interface {
	List(context.Context, *wire.RequestHeader, *wire.ListRequest) (*wire.ListResponse, error)
	Delete(context.Context, *wire.RequestHeader, *wire.DeleteRequest) error
	Get(context.Context, *wire.RequestHeader, *wire.GetRequest) (*wire.GetResponse, error)
	Rename(context.Context, *wire.RequestHeader, *wire.RenameRequest) error
}
