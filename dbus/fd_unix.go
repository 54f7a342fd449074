//go:build unix

package dbus

import "golang.org/x/sys/unix"

// dupFD duplicates fd via dup(2), giving the clone a descriptor with
// its own independent lifetime (closing one never affects the other).
func dupFD(fd int) (int, error) {
	return unix.Dup(fd)
}

// closeFD releases a descriptor obtained from dupFD. Errors are not
// actionable at this layer (mirrors transport_vsock.go's Close).
func closeFD(fd int) {
	unix.Close(fd)
}
