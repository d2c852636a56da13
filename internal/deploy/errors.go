package deploy

import (
	"errors"
	"fmt"
	"io/fs"
)

// Error taxonomy. ErrNotFound and ErrResolution abort a run before any file
// is touched; ErrPermission is recorded per file; ErrPlatformMismatch and
// ErrShadowed only explain why an entry was left out of the plan.
var (
	ErrNotFound         = errors.New("source root not found")
	ErrPermission       = errors.New("permission denied")
	ErrResolution       = errors.New("target user cannot be resolved")
	ErrPlatformMismatch = errors.New("entry belongs to another platform")
	ErrShadowed         = errors.New("entry overridden by a platform-specific entry")
)

// FileError records which step failed for one destination
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrPermission) match any underlying EACCES/EPERM.
func (e *FileError) Is(target error) bool {
	return target == ErrPermission && errors.Is(e.Err, fs.ErrPermission)
}

func fileError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FileError{Op: op, Path: path, Err: err}
}
