// Package transfer is the Transfer Engine (spec §4.6): it drives a
// single GET or PUT to completion over an already-open session.Stream,
// owns the local file and progress ticking, and performs the
// best-effort cleanup the spec calls for on failure. It also supplies
// the concrete session.ServerFS the session package's server state
// machine calls into, keeping all os.* access in one place.
//
// Grounded on the teacher's bridge.BidiPipe io.Copy pattern
// (bridge/salmon_shared.go) for the copy/cleanup shape, and on
// limiter.Tracker (adapted from limiter/salmon_limiter.go) for the
// progress-rate math.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"qcp/wire"
)

// DiskFS implements session.ServerFS against the real filesystem,
// rooted at Dir. Filenames reaching these methods have already passed
// session.validateFilename (leaf-only, no path separators), so
// filepath.Join(Dir, filename) cannot escape Dir.
type DiskFS struct {
	Dir string
}

func (d *DiskFS) path(filename string) string {
	return filepath.Join(d.Dir, filename)
}

// OpenRead implements session.ServerFS.
func (d *DiskFS) OpenRead(filename string) (io.ReadCloser, uint64, wire.Status, string, error) {
	f, err := os.Open(d.path(filename))
	if err != nil {
		status, msg := classifyOSError(err)
		return nil, 0, status, msg, nil
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, wire.StatusIOError, err.Error(), nil
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, wire.StatusIsADirectory, filename + " is a directory", nil
	}
	return f, uint64(info.Size()), wire.StatusOK, "", nil
}

// CheckWrite implements session.ServerFS: it verifies the target's
// parent directory exists and is writable before the client commits to
// sending FileHeader and data.
func (d *DiskFS) CheckWrite(filename string) (wire.Status, string, error) {
	target := d.path(filename)
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return wire.StatusIsADirectory, filename + " is a directory", nil
	}
	probe, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		status, msg := classifyOSError(err)
		return status, msg, nil
	}
	_ = probe.Close()
	return wire.StatusOK, "", nil
}

// CreateWrite implements session.ServerFS. It truncates any probe file
// CheckWrite may have created and pre-allocates up to size where the
// platform supports it (spec §4.5: "advisory").
func (d *DiskFS) CreateWrite(filename string, size uint64) (io.WriteCloser, wire.Status, string, error) {
	target := d.path(filename)
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		status, msg := classifyOSError(err)
		return nil, status, msg, err
	}
	if size > 0 {
		// Best-effort; ENOSPC here is the earliest possible disk-full
		// signal and is worth surfacing before a single byte is copied.
		if err := f.Truncate(int64(size)); err != nil {
			if errors.Is(err, syscall.ENOSPC) {
				_ = f.Close()
				_ = os.Remove(target)
				return nil, wire.StatusDiskFull, "insufficient disk space", err
			}
			// Sparse pre-allocation isn't universally supported; fall
			// through and let the writer discover real errors as they
			// write instead of failing the whole transfer over it.
		}
	}
	return f, wire.StatusOK, "", nil
}

// RemovePartial unlinks a partially-written local file after a failed
// GET (spec §4.6: "unlink the partial local file (GET)").
func RemovePartial(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transfer: remove partial file %s: %w", path, err)
	}
	return nil
}

func classifyOSError(err error) (wire.Status, string) {
	switch {
	case os.IsNotExist(err):
		return wire.StatusFileNotFound, err.Error()
	case os.IsPermission(err):
		return wire.StatusIncorrectPermissions, err.Error()
	case errors.Is(err, syscall.ENOSPC):
		return wire.StatusDiskFull, err.Error()
	case errors.Is(err, syscall.EISDIR):
		return wire.StatusIsADirectory, err.Error()
	default:
		return wire.StatusIOError, err.Error()
	}
}
