//go:build !unix

package dbus

import "fmt"

func dupFD(fd int) (int, error) {
	return 0, fmt.Errorf("dbus: file descriptor passing is unsupported on this platform")
}

func closeFD(fd int) {}
