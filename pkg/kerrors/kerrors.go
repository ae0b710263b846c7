// Package kerrors defines the kernel's error taxonomy (spec §7): typed
// errors carrying a POSIX errno plus an optional message, and the
// negated-errno mapping applied at the syscall boundary.
package kerrors

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errno is a typed kernel error carrying a POSIX errno.
type Errno struct {
	Num unix.Errno
	Msg string
}

func (e *Errno) Error() string {
	if e.Msg == "" {
		return e.Num.Error()
	}
	return fmt.Sprintf("%s: %s", e.Msg, e.Num.Error())
}

// New builds an Errno, optionally annotated with msg.
func New(num unix.Errno, msg string) error {
	return &Errno{Num: num, Msg: msg}
}

// Wrap attaches msg as context to err without discarding the underlying
// errno, the way a VM or VFS call wraps an inode-layer failure before
// returning it to its caller.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// ToErrno extracts the POSIX errno carried by err, defaulting to EIO for
// kernel-internal-only errors that have no direct POSIX equivalent
// (e.g. a storage-layer transaction abort) per spec §7.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var ke *Errno
	for {
		if e, ok := err.(*Errno); ok {
			ke = e
			break
		}
		cause := errors.Cause(err)
		if cause == err {
			break
		}
		err = cause
	}
	if ke != nil {
		return ke.Num
	}
	return unix.EIO
}

// Negated renders err as the negative errno value written into the user
// return register by syscall dispatch (spec §4.7, §7).
func Negated(err error) int64 {
	if err == nil {
		return 0
	}
	return -int64(ToErrno(err))
}

var (
	ErrInvalidVaddrRange = New(unix.EINVAL, "invalid virtual address range")
	ErrUnalignedVaddr    = New(unix.EINVAL, "unaligned virtual address")
	ErrNoMem             = New(unix.ENOMEM, "out of memory")
	ErrNotDir            = New(unix.ENOTDIR, "not a directory")
	ErrExist             = New(unix.EEXIST, "already exists")
	ErrNoEnt             = New(unix.ENOENT, "no such entry")
	ErrBusy              = New(unix.EBUSY, "resource busy")
	ErrAccess            = New(unix.EACCES, "permission denied")
	ErrNameTooLong       = New(unix.ENAMETOOLONG, "name too long")
	ErrPerm              = New(unix.EPERM, "operation not permitted")
	ErrInval             = New(unix.EINVAL, "invalid argument")
	ErrIntr              = New(unix.EINTR, "interrupted")
	ErrNoSys             = New(unix.ENOSYS, "function not implemented")
	ErrSrch              = New(unix.ESRCH, "no such process")
	ErrChild             = New(unix.ECHILD, "no child processes")
)
