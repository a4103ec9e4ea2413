//go:build linux

package server

import (
	"fmt"
	"os"

	"github.com/rfratto/filemux/internal/wire"
	"golang.org/x/sys/unix"
)

// renameNoReplace atomically renames oldPath to newPath, failing if newPath
// exists. Filesystems without RENAME_NOREPLACE fall back to a check followed
// by a plain rename.
func renameNoReplace(oldPath, newPath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldPath, unix.AT_FDCWD, newPath, unix.RENAME_NOREPLACE)
	switch err {
	case nil:
		return nil
	case unix.EEXIST:
		return fmt.Errorf("%s: %w", newPath, wire.ErrorExists)
	case unix.EINVAL, unix.ENOSYS:
		return renameChecked(oldPath, newPath)
	}
	return &os.LinkError{Op: "rename", Old: oldPath, New: newPath, Err: err}
}
