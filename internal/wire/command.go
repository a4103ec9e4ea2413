package wire

import "fmt"

// Command is the first byte of a request and identifies the operation.
type Command byte

// Supported commands.
const (
	CommandList   Command = 'L' // Enumerate regular files.
	CommandDelete Command = 'D' // Remove a file.
	CommandGet    Command = 'G' // Fetch file contents.
	CommandRename Command = 'R' // Rename a file.
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CommandList, CommandDelete, CommandGet, CommandRename:
		return true
	}
	return false
}

// HasArgument reports whether c is followed by an argument region that
// extends to the end of the stream.
func (c Command) HasArgument() bool {
	switch c {
	case CommandDelete, CommandGet, CommandRename:
		return true
	}
	return false
}

func (c Command) String() string {
	switch c {
	case CommandList:
		return "list"
	case CommandDelete:
		return "delete"
	case CommandGet:
		return "get"
	case CommandRename:
		return "rename"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(c))
}

// Reply is the first byte of every server response.
type Reply byte

// Reply codes. All failure causes collapse to ReplyFailure.
const (
	ReplySuccess Reply = 'S'
	ReplyFailure Reply = 'F'
)

// ReplyFor returns the reply code to send for a request that finished with
// err.
func ReplyFor(err error) Reply {
	if err != nil {
		return ReplyFailure
	}
	return ReplySuccess
}

func (r Reply) String() string {
	switch r {
	case ReplySuccess:
		return "success"
	case ReplyFailure:
		return "failure"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(r))
}
