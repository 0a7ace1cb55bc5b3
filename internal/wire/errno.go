package wire

import (
	"errors"
	"syscall"
)

// syscall.Errno is defined consistently enough across the platforms Go
// supports (linux, darwin, windows) that comparing against these named
// constants works without build tags, the same way the teacher's
// filesystem-facing code (pkg/usb/afc) treats os errors as opaque and only
// special-cases them by comparing against syscall constants when it must.
var (
	errENOENT  = syscall.ENOENT
	errEEXIST  = syscall.EEXIST
	errENOTDIR = syscall.ENOTDIR
	errEISDIR  = syscall.EISDIR
	errENOSPC  = syscall.ENOSPC
)

func isErrno(err error, target syscall.Errno) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == target
	}
	return false
}
