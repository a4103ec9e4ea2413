package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/filemux/internal/wire"
)

// Directory creates a new Handler which serves the regular files directly
// inside root. Names are validated with wire.ValidateName before use, so
// requests can never address a path outside of root. Symbolic links inside
// root are followed.
func Directory(l log.Logger, root string) Handler {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &directoryHandler{log: l, root: root}
}

type directoryHandler struct {
	log  log.Logger
	root string
}

var (
	_ Handler = (*directoryHandler)(nil)
)

// path returns the host path for name.
func (h *directoryHandler) path(name string) (string, error) {
	if err := wire.ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(h.root, name), nil
}

// List enumerates the regular files in root, including dotfiles. Entries are
// sorted by name. Entries which vanish while listing are skipped.
func (h *directoryHandler) List(ctx context.Context, hdr *wire.RequestHeader, req *wire.ListRequest) (*wire.ListResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(h.root)
	if err != nil {
		return nil, err
	}

	resp := &wire.ListResponse{Entries: make([]wire.Entry, 0, len(dirents))}
	for _, ent := range dirents {
		if !ent.Type().IsRegular() {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			level.Debug(h.log).Log("msg", "skipping entry removed during listing", "name", ent.Name(), "err", err)
			continue
		}
		resp.Entries = append(resp.Entries, wire.Entry{Name: ent.Name(), Size: fi.Size()})
	}
	return resp, nil
}

// Delete removes a regular file. Directories are refused even when empty.
func (h *directoryHandler) Delete(ctx context.Context, hdr *wire.RequestHeader, req *wire.DeleteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := h.path(req.Name)
	if err != nil {
		return err
	}

	fi, err := os.Lstat(p)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s: %w", req.Name, wire.ErrorNotRegular)
	}
	return os.Remove(p)
}

// Get opens a regular file for streaming. Directories and special files are
// refused.
func (h *directoryHandler) Get(ctx context.Context, hdr *wire.RequestHeader, req *wire.GetRequest) (*wire.GetResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := h.path(req.Name)
	if err != nil {
		return nil, err
	}

	// Stat before opening so FIFOs are refused instead of blocking the open.
	if fi, err := os.Stat(p); err != nil {
		return nil, err
	} else if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", req.Name, wire.ErrorNotRegular)
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", req.Name, wire.ErrorNotRegular)
	}
	return &wire.GetResponse{Size: fi.Size(), Body: f}, nil
}

// Rename renames a file within root. Directories cannot be renamed, and an
// existing destination is never replaced.
func (h *directoryHandler) Rename(ctx context.Context, hdr *wire.RequestHeader, req *wire.RenameRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	oldPath, err := h.path(req.OldName)
	if err != nil {
		return err
	}
	newPath, err := h.path(req.NewName)
	if err != nil {
		return err
	}

	fi, err := os.Lstat(oldPath)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s: %w", req.OldName, wire.ErrorNotRegular)
	}
	return renameNoReplace(oldPath, newPath)
}
