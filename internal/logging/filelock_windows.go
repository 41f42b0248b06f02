//go:build windows
// +build windows

package logging

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32         = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = kernel32.NewProc("LockFileEx")
	procUnlockFileEx = kernel32.NewProc("UnlockFileEx")
)

const (
	LOCKFILE_EXCLUSIVE_LOCK   = 0x00000002
	LOCKFILE_FAIL_IMMEDIATELY = 0x00000001
)

// FileLock provides Windows file locking for log rotation.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(basePath string) (*FileLock, error) {
	lockPath := basePath + ".lock"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	return &FileLock{path: lockPath, file: f}, nil
}

func (fl *FileLock) Lock() error {
	var overlapped syscall.Overlapped

	r1, _, err := procLockFileEx.Call(
		uintptr(fl.file.Fd()),
		uintptr(LOCKFILE_EXCLUSIVE_LOCK),
		uintptr(0),
		uintptr(1),
		uintptr(0),
		uintptr(unsafe.Pointer(&overlapped)),
	)

	if r1 == 0 {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	var overlapped syscall.Overlapped

	r1, _, err := procUnlockFileEx.Call(
		uintptr(fl.file.Fd()),
		uintptr(0),
		uintptr(1),
		uintptr(0),
		uintptr(unsafe.Pointer(&overlapped)),
	)

	fl.file.Close()
	os.Remove(fl.path)

	if r1 == 0 {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	return nil
}
