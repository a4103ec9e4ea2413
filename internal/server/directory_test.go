package server

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rfratto/filemux/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) (Handler, string) {
	t.Helper()
	dir := t.TempDir()
	return Directory(nil, dir), dir
}

func writeTestFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644))
}

func TestDirectory_List(t *testing.T) {
	h, dir := newTestDirectory(t)
	writeTestFile(t, dir, "b.txt", "hello\n")
	writeTestFile(t, dir, ".hidden", "x")
	writeTestFile(t, dir, "empty", "")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	resp, err := h.List(context.Background(), &wire.RequestHeader{}, &wire.ListRequest{})
	require.NoError(t, err)
	require.Equal(t, []wire.Entry{
		{Name: ".hidden", Size: 1},
		{Name: "b.txt", Size: 6},
		{Name: "empty", Size: 0},
	}, resp.Entries)
}

func TestDirectory_ListMissingRoot(t *testing.T) {
	h := Directory(nil, filepath.Join(t.TempDir(), "missing"))
	_, err := h.List(context.Background(), &wire.RequestHeader{}, &wire.ListRequest{})
	require.Error(t, err)
}

func TestDirectory_Delete(t *testing.T) {
	h, dir := newTestDirectory(t)
	writeTestFile(t, dir, "f.txt", "data")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	ctx := context.Background()
	require.NoError(t, h.Delete(ctx, &wire.RequestHeader{}, &wire.DeleteRequest{Name: "f.txt"}))
	require.NoFileExists(t, filepath.Join(dir, "f.txt"))

	require.Error(t, h.Delete(ctx, &wire.RequestHeader{}, &wire.DeleteRequest{Name: "f.txt"}), "second delete must fail")
	require.ErrorIs(t, h.Delete(ctx, &wire.RequestHeader{}, &wire.DeleteRequest{Name: "subdir"}), wire.ErrorNotRegular)
	require.DirExists(t, filepath.Join(dir, "subdir"))
	require.ErrorIs(t, h.Delete(ctx, &wire.RequestHeader{}, &wire.DeleteRequest{Name: "../f.txt"}), wire.ErrorInvalidName)
}

func TestDirectory_Get(t *testing.T) {
	h, dir := newTestDirectory(t)
	contents := "line one\r\nline two\x00\xff"
	writeTestFile(t, dir, "bin.dat", contents)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	ctx := context.Background()
	resp, err := h.Get(ctx, &wire.RequestHeader{}, &wire.GetRequest{Name: "bin.dat"})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, int64(len(contents)), resp.Size)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, contents, string(got))

	_, err = h.Get(ctx, &wire.RequestHeader{}, &wire.GetRequest{Name: "subdir"})
	require.ErrorIs(t, err, wire.ErrorNotRegular)

	_, err = h.Get(ctx, &wire.RequestHeader{}, &wire.GetRequest{Name: "missing"})
	require.True(t, os.IsNotExist(err), "unexpected error %v", err)
}

func TestDirectory_Rename(t *testing.T) {
	h, dir := newTestDirectory(t)
	writeTestFile(t, dir, "a.txt", "hello\n")
	writeTestFile(t, dir, "taken.txt", "keep")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	ctx := context.Background()
	hdr := &wire.RequestHeader{}

	require.NoError(t, h.Rename(ctx, hdr, &wire.RenameRequest{OldName: "a.txt", NewName: "b.txt"}))
	require.NoFileExists(t, filepath.Join(dir, "a.txt"))
	got, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(got))

	err = h.Rename(ctx, hdr, &wire.RenameRequest{OldName: "b.txt", NewName: "taken.txt"})
	require.ErrorIs(t, err, wire.ErrorExists)
	got, err = os.ReadFile(filepath.Join(dir, "taken.txt"))
	require.NoError(t, err)
	require.Equal(t, "keep", string(got))

	err = h.Rename(ctx, hdr, &wire.RenameRequest{OldName: "subdir", NewName: "moved"})
	require.ErrorIs(t, err, wire.ErrorNotRegular)

	err = h.Rename(ctx, hdr, &wire.RenameRequest{OldName: "missing", NewName: "other"})
	require.True(t, os.IsNotExist(err), "unexpected error %v", err)
}

func TestRenameChecked(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a", "1")
	writeTestFile(t, dir, "b", "2")

	require.ErrorIs(t, renameChecked(filepath.Join(dir, "a"), filepath.Join(dir, "b")), wire.ErrorExists)
	require.NoError(t, renameChecked(filepath.Join(dir, "a"), filepath.Join(dir, "c")))
	require.FileExists(t, filepath.Join(dir, "c"))
}

func TestDirectory_CanceledContext(t *testing.T) {
	h, dir := newTestDirectory(t)
	writeTestFile(t, dir, "f.txt", "data")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.Delete(ctx, &wire.RequestHeader{}, &wire.DeleteRequest{Name: "f.txt"})
	require.ErrorIs(t, err, context.Canceled)
	require.FileExists(t, filepath.Join(dir, "f.txt"))
}

func TestReadOnly(t *testing.T) {
	inner, dir := newTestDirectory(t)
	writeTestFile(t, dir, "f.txt", "data")
	h := ReadOnly(inner)

	ctx := context.Background()
	hdr := &wire.RequestHeader{}

	resp, err := h.List(ctx, hdr, &wire.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)

	get, err := h.Get(ctx, hdr, &wire.GetRequest{Name: "f.txt"})
	require.NoError(t, err)
	require.NoError(t, get.Body.Close())

	require.ErrorIs(t, h.Delete(ctx, hdr, &wire.DeleteRequest{Name: "f.txt"}), wire.ErrorReadOnly)
	require.ErrorIs(t, h.Rename(ctx, hdr, &wire.RenameRequest{OldName: "f.txt", NewName: "g.txt"}), wire.ErrorReadOnly)
	require.FileExists(t, filepath.Join(dir, "f.txt"))
}
