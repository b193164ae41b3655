//go:build linux
// +build linux

package node

import (
	"context"
	"os"
	"syscall"

	"github.com/fzft/go-mini-httpd/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SignalPipe turns signal delivery into readable bytes the reactor can poll.
// Each byte carries one signal number.
type SignalPipe struct {
	r, w int
}

func NewSignalPipe() (*SignalPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("pipe2", err)
	}
	return &SignalPipe{r: fds[0], w: fds[1]}, nil
}

// Fd is the read end, registered with the reactor.
func (p *SignalPipe) Fd() int {
	return p.r
}

// Notify queues sig. A full pipe already holds pending notifications, so the
// byte is dropped without error.
func (p *SignalPipe) Notify(sig syscall.Signal) error {
	_, err := unix.Write(p.w, []byte{byte(sig)})
	if err != nil && err != unix.EAGAIN {
		log.Logger.Error("Failed to write to signal pipe", zap.Error(err))
		return os.NewSyscallError("write", err)
	}
	return nil
}

// Drain reads every queued signal and passes each one to fn.
func (p *SignalPipe) Drain(fn func(syscall.Signal)) error {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("read", err)
		}
		if n == 0 {
			return nil
		}
		for _, b := range buf[:n] {
			fn(syscall.Signal(b))
		}
	}
}

// Forward copies signals from ch into the pipe until ctx is done. When ctx is
// cancelled a SIGTERM is queued so the reactor stops as well.
func (p *SignalPipe) Forward(ctx context.Context, ch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			_ = p.Notify(unix.SIGTERM)
			return
		case sig := <-ch:
			if s, ok := sig.(syscall.Signal); ok {
				_ = p.Notify(s)
			}
		}
	}
}

func (p *SignalPipe) Close() error {
	err1 := unix.Close(p.r)
	err2 := unix.Close(p.w)
	if err1 != nil {
		return os.NewSyscallError("close", err1)
	}
	return os.NewSyscallError("close", err2)
}
