//go:build linux
// +build linux

package node

import (
	"os"

	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

// listen opens a non-blocking IPv4 listener on every interface. Port 0 picks an
// ephemeral port; the bound port is returned.
func listen(port int) (fd int, bound int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, os.NewSyscallError("socket", err)
	}
	defer func() {
		if err != nil {
			unix.Close(fd)
			fd = -1
		}
	}()

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fd, 0, os.NewSyscallError("setsockopt SO_REUSEADDR", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fd, 0, os.NewSyscallError("setsockopt SO_REUSEPORT", err)
	}
	if err = unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		return fd, 0, os.NewSyscallError("bind", err)
	}
	if err = unix.Listen(fd, listenBacklog); err != nil {
		return fd, 0, os.NewSyscallError("listen", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fd, 0, os.NewSyscallError("getsockname", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		bound = in4.Port
	}
	return fd, bound, nil
}
