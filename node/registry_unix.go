//go:build linux
// +build linux

package node

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	// listener and signal channel: level-triggered, stay armed
	watchEvents = unix.EPOLLIN
	// client sockets: edge-triggered and disabled after each event until re-armed
	connReadEvents  = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET | unix.EPOLLONESHOT
	connWriteEvents = unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET | unix.EPOLLONESHOT

	hangupEvents = unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
)

// armer re-enables a one-shot registration. Re-arming is how the current owner
// of a connection hands it back to the reactor.
type armer interface {
	ArmRead(fd int) error
	ArmWrite(fd int) error
}

// Registry is a wrapper around epoll.
type Registry struct {
	epollFd int
}

func NewRegistry() (*Registry, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Registry{epollFd: epfd}, nil
}

// Watch registers fd for persistent level-triggered read events.
func (r *Registry) Watch(fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: watchEvents}))
}

// AddConn registers a client socket armed for one read event.
func (r *Registry) AddConn(fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: connReadEvents}))
}

// ArmRead re-arms a client socket for one read event. Safe to call from any goroutine.
func (r *Registry) ArmRead(fd int) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: connReadEvents}))
}

// ArmWrite re-arms a client socket for one write event. Safe to call from any goroutine.
func (r *Registry) ArmWrite(fd int) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: connWriteEvents}))
}

func (r *Registry) Delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

// Wait blocks until at least one event is ready. EINTR is reported as zero events.
func (r *Registry) Wait(events []unix.EpollEvent) (int, error) {
	n, err := unix.EpollWait(r.epollFd, events, -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	return n, nil
}

func (r *Registry) Close() error {
	return os.NewSyscallError("close", unix.Close(r.epollFd))
}
