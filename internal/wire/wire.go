// Package wire implements the filemux request/response protocol.
//
// Every request uses its own TCP connection. The client sends one command
// byte followed by an argument region, then half-closes its write side. The
// end of the stream is the only delimiter; there is no length prefix. The
// server answers with a single reply code byte, optionally followed by a
// payload that runs until the server closes the connection.
//
// The list command is the exception to the framing rule: it carries no
// argument, so the command byte alone completes the request whether or not
// the client has half-closed.
package wire

// Request is used for protocol request messages which are sent by a client
// to the server.
type Request interface {
	wireRequest()
}

// Response is used for protocol response payloads which are sent by the
// server after a request was accepted.
type Response interface {
	wireResponse()
}
