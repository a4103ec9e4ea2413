package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxNameLen is the longest file name accepted by the protocol, in bytes.
const MaxNameLen = 1024

// RenameSeparator separates the old and new names of a rename request.
const RenameSeparator = ','

// listingSeparator separates the name and size in a listing line.
const listingSeparator = " : "

// MaxArgumentLen returns the longest argument region accepted for cmd.
func MaxArgumentLen(cmd Command) int {
	switch cmd {
	case CommandDelete, CommandGet:
		return MaxNameLen
	case CommandRename:
		return 2*MaxNameLen + 1
	}
	return 0
}

// ValidateName checks that name is usable as a flat file name inside the
// served directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%q: %w", name, ErrorInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("name of %d bytes: %w", len(name), ErrorArgumentTooLong)
	case !utf8.ValidString(name):
		return fmt.Errorf("name is not valid UTF-8: %w", ErrorInvalidName)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%q contains a path separator or NUL: %w", name, ErrorInvalidName)
	}
	return nil
}

// ParseRequest converts a command byte and its argument region into a
// Request.
func ParseRequest(cmd Command, arg []byte) (Request, error) {
	if len(arg) > MaxArgumentLen(cmd) && cmd.HasArgument() {
		return nil, fmt.Errorf("%s argument of %d bytes: %w", cmd, len(arg), ErrorArgumentTooLong)
	}

	switch cmd {
	case CommandList:
		return &ListRequest{}, nil

	case CommandDelete:
		name := string(arg)
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		return &DeleteRequest{Name: name}, nil

	case CommandGet:
		name := string(arg)
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		return &GetRequest{Name: name}, nil

	case CommandRename:
		oldName, newName, err := splitRename(arg)
		if err != nil {
			return nil, err
		}
		return &RenameRequest{OldName: oldName, NewName: newName}, nil
	}

	return nil, fmt.Errorf("command byte 0x%02x: %w", byte(cmd), ErrorUnknownCommand)
}

// splitRename splits a rename argument on its first separator. Names may not
// contain the separator themselves, so a second separator is an error.
func splitRename(arg []byte) (oldName, newName string, err error) {
	idx := bytes.IndexByte(arg, RenameSeparator)
	if idx < 0 || bytes.IndexByte(arg[idx+1:], RenameSeparator) >= 0 {
		return "", "", ErrorMissingSeparator
	}
	oldName, newName = string(arg[:idx]), string(arg[idx+1:])
	if err := ValidateName(oldName); err != nil {
		return "", "", fmt.Errorf("old name: %w", err)
	}
	if err := ValidateName(newName); err != nil {
		return "", "", fmt.Errorf("new name: %w", err)
	}
	return oldName, newName, nil
}

// EncodeRequest returns the bytes a client sends for req, not including the
// half-close that terminates it.
func EncodeRequest(req Request) ([]byte, error) {
	switch req := req.(type) {
	case *ListRequest:
		return []byte{byte(CommandList)}, nil
	case *DeleteRequest:
		return encodeNamed(CommandDelete, req.Name)
	case *GetRequest:
		return encodeNamed(CommandGet, req.Name)
	case *RenameRequest:
		if strings.IndexByte(req.OldName, RenameSeparator) >= 0 || strings.IndexByte(req.NewName, RenameSeparator) >= 0 {
			return nil, fmt.Errorf("rename names may not contain %q: %w", RenameSeparator, ErrorInvalidName)
		}
		for _, name := range []string{req.OldName, req.NewName} {
			if err := ValidateName(name); err != nil {
				return nil, err
			}
		}
		buf := make([]byte, 0, 2+len(req.OldName)+len(req.NewName))
		buf = append(buf, byte(CommandRename))
		buf = append(buf, req.OldName...)
		buf = append(buf, RenameSeparator)
		buf = append(buf, req.NewName...)
		return buf, nil
	}
	return nil, fmt.Errorf("unsupported request type %T", req)
}

func encodeNamed(cmd Command, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+len(name))
	buf = append(buf, byte(cmd))
	buf = append(buf, name...)
	return buf, nil
}

// AppendEntry appends the listing line for e to buf. Entries whose name
// contains a newline cannot be represented and are skipped.
func AppendEntry(buf []byte, e Entry) []byte {
	if strings.IndexByte(e.Name, '\n') >= 0 || e.Name == "" {
		return buf
	}
	buf = append(buf, e.Name...)
	buf = append(buf, listingSeparator...)
	buf = strconv.AppendInt(buf, e.Size, 10)
	return append(buf, '\n')
}

// WriteListing writes the list payload for entries to w.
func WriteListing(w io.Writer, entries []Entry) error {
	var buf []byte
	for _, e := range entries {
		buf = AppendEntry(buf, e)
	}
	_, err := w.Write(buf)
	return err
}

// ReadListing parses a list payload. A trailing line without a newline means
// the payload was truncated and is reported as ErrorMalformedListing.
func ReadListing(r io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		br      = bufio.NewReader(r)
	)
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				return entries, fmt.Errorf("truncated line %q: %w", line, ErrorMalformedListing)
			}
			return entries, nil
		} else if err != nil {
			return entries, err
		}

		e, err := parseEntry(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

func parseEntry(line string) (Entry, error) {
	// Names may contain the separator, so split on its last occurrence.
	idx := strings.LastIndex(line, listingSeparator)
	if idx <= 0 {
		return Entry{}, fmt.Errorf("line %q: %w", line, ErrorMalformedListing)
	}
	sizeText := line[idx+len(listingSeparator):]
	if sizeText == "" || strings.TrimLeft(sizeText, "0123456789") != "" {
		return Entry{}, fmt.Errorf("line %q: %w", line, ErrorMalformedListing)
	}
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("line %q: %w", line, ErrorMalformedListing)
	}
	return Entry{Name: line[:idx], Size: size}, nil
}
