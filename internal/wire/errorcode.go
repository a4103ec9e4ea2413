package wire

import "strconv"

// Error is a protocol-level error code. None of these are visible to clients,
// which only ever see ReplyFailure; they exist so the server can log and
// count why a request was refused.
type Error int32

// Protocol error codes.
const (
	ErrorUnknownCommand   = Error(1)
	ErrorInvalidName      = Error(2)
	ErrorMissingSeparator = Error(3)
	ErrorArgumentTooLong  = Error(4)
	ErrorReadOnly         = Error(5)
	ErrorNotRegular       = Error(6)
	ErrorExists           = Error(7)
	ErrorMalformedListing = Error(8)
)

// Error description table
var errorDescriptions = map[Error]string{
	ErrorUnknownCommand:   "unknown command",
	ErrorInvalidName:      "invalid file name",
	ErrorMissingSeparator: "rename argument must contain exactly one separator",
	ErrorArgumentTooLong:  "argument too long",
	ErrorReadOnly:         "server is read-only",
	ErrorNotRegular:       "not a regular file",
	ErrorExists:           "file exists",
	ErrorMalformedListing: "malformed listing",
}

// Error prints the description of the error.
func (e Error) Error() string {
	desc := errorDescriptions[e]
	if desc != "" {
		return desc
	}
	return "filemux error " + strconv.Itoa(int(e))
}
