// Package safefile provides file I/O helpers that reject symlinks and
// enforce size limits. Use these instead of os.ReadFile and os.WriteFile for
// any path that crosses a tenant boundary or holds gateway state.
package safefile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileMode is the mode every written file ends up with: owner read/write,
// group and other read-only, no execute bit.
const FileMode fs.FileMode = 0o644

// DirMode is used for parent directories created on write.
const DirMode fs.FileMode = 0o755

// ErrSymlink is returned when a path is a symbolic link.
var ErrSymlink = errors.New("symbolic link rejected")

// ErrTooLarge is returned when a file exceeds the caller's size limit.
var ErrTooLarge = errors.New("file too large")

// RejectSymlink returns an error if path is a symbolic link.
// It uses Lstat (not Stat) so the check is not followed through the link.
func RejectSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%s: %w", path, ErrSymlink)
	}
	return nil
}

// ReadFileMax reads path, refusing symlinks and anything larger than
// maxBytes. The file is opened without following a final symlink and the
// checks run on the open descriptor, so a link swapped in after the caller
// validated the path is not followed. The read itself is bounded too.
func ReadFileMax(path string, maxBytes int64) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|oNoFollow, 0)
	if err != nil {
		if lerr := RejectSymlink(path); errors.Is(lerr, ErrSymlink) {
			return nil, lerr
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("%s is %d bytes, max %d: %w", path, info.Size(), maxBytes, ErrTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes: %w", path, maxBytes, ErrTooLarge)
	}
	return data, nil
}

// WriteFile writes data to path, creating parent directories as needed, and
// leaves the file at FileMode whatever the umask or previous mode was.
// Data goes to a temp file in the same directory which is then renamed over
// path, so an existing symlink at path is replaced, never written through.
// A symlink already at path is rejected.
func WriteFile(path string, data []byte) (err error) {
	if err := RejectSymlink(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(FileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
