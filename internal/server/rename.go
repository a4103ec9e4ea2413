package server

import (
	"fmt"
	"os"

	"github.com/rfratto/filemux/internal/wire"
)

// renameChecked renames oldPath to newPath after checking that newPath
// doesn't exist. The check is not atomic with the rename.
func renameChecked(oldPath, newPath string) error {
	if _, err := os.Lstat(newPath); err == nil {
		return fmt.Errorf("%s: %w", newPath, wire.ErrorExists)
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.Rename(oldPath, newPath)
}
