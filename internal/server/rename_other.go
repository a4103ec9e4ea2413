//go:build !linux

package server

func renameNoReplace(oldPath, newPath string) error {
	return renameChecked(oldPath, newPath)
}
