package wire

import (
	"io"
	"net"
)

// RequestHeader describes the connection a request arrived on.
type RequestHeader struct {
	Command Command  // Command byte of the request.
	ConnID  string   // Unique ID of the connection.
	Remote  net.Addr // Address of the peer. May be nil.
}

// Protocol types. Each request type is associated with exactly one Command;
// responses exist only for commands that carry a payload.
type (
	ListRequest  struct{}
	ListResponse struct {
		Entries []Entry
	}

	DeleteRequest struct {
		Name string
	}

	GetRequest struct {
		Name string
	}
	GetResponse struct {
		Size int64         // Size of the file when it was opened.
		Body io.ReadCloser // Raw file contents. Closed by the server.
	}

	RenameRequest struct {
		OldName, NewName string
	}
)

// Entry is a single line of a listing.
type Entry struct {
	Name string
	Size int64
}

func (ListRequest) wireRequest()   {}
func (DeleteRequest) wireRequest() {}
func (GetRequest) wireRequest()    {}
func (RenameRequest) wireRequest() {}

func (ListResponse) wireResponse() {}
func (GetResponse) wireResponse()  {}
