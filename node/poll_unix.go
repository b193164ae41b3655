//go:build linux
// +build linux

package node

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/fzft/go-mini-httpd/log"
	"github.com/fzft/go-mini-httpd/timer"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrSignalStopped is returned from event processing once a termination
// signal has been read from the signal pipe.
var ErrSignalStopped = errors.New("stopped by signal")

// Poll is the reactor. Everything except the pool's workers runs on the
// goroutine that calls Run, so conns and timers need no locking.
type Poll struct {
	*Registry

	shared   *Shared
	listenFD int
	signals  *SignalPipe
	pool     *WorkerPool[*Conn]

	conns    map[int]*Conn
	maxConns int
	events   []unix.EpollEvent

	timers  *timer.List[*Conn]
	tick    time.Duration
	alarm   *time.Timer
	timeout bool
	stop    bool

	// held open so an exhausted descriptor table can still drain the accept queue
	spareFd int

	now func() time.Time
}

// PollOptions sizes the reactor.
type PollOptions struct {
	MaxConns  int
	MaxEvents int
	Tick      time.Duration
}

func NewPoll(shared *Shared, lnFd int, signals *SignalPipe, pool *WorkerPool[*Conn], opts PollOptions) (*Poll, error) {
	r, err := NewRegistry()
	if err != nil {
		log.Logger.Error("Failed to create epoll", zap.Error(err))
		return nil, err
	}

	if err := r.Watch(signals.Fd()); err != nil {
		log.Logger.Error("Failed to add signal pipe to epoll", zap.Error(err))
		return nil, multierr.Append(err, r.Close())
	}

	if err := r.Watch(lnFd); err != nil {
		log.Logger.Error("Failed to add listener to epoll", zap.Error(err))
		return nil, multierr.Append(err, r.Close())
	}

	spare, err := openSpare()
	if err != nil {
		log.Logger.Error("Failed to open spare descriptor", zap.Error(err))
		return nil, multierr.Append(err, r.Close())
	}

	return &Poll{
		Registry: r,
		shared:   shared,
		listenFD: lnFd,
		signals:  signals,
		pool:     pool,
		conns:    make(map[int]*Conn),
		maxConns: opts.MaxConns,
		events:   make([]unix.EpollEvent, opts.MaxEvents),
		timers:   timer.NewList[*Conn](),
		tick:     opts.Tick,
		spareFd:  spare,
		now:      time.Now,
	}, nil
}

func openSpare() (int, error) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, &os.PathError{Op: "open", Path: "/dev/null", Err: err}
	}
	return fd, nil
}

// Run processes events until a termination signal arrives or epoll fails.
func (p *Poll) Run() error {
	p.scheduleAlarm()
	defer p.alarm.Stop()

	for !p.stop {
		n, err := p.Wait(p.events)
		if err != nil {
			log.Logger.Error("epoll wait error", zap.Error(err))
			return err
		}

		if err := p.processEvents(n); err != nil {
			return err
		}

		// I/O first, idle eviction once per round
		if p.timeout {
			p.timeout = false
			p.sweep()
			p.scheduleAlarm()
		}
	}
	log.Logger.Info("stop signal received")
	return nil
}

// processEvents handles the first n ready events. A stop signal only sets the
// stop flag; the rest of the batch is still handled.
func (p *Poll) processEvents(n int) error {
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		switch err := p.processEvent(int(ev.Fd), ev.Events); err {
		case nil:
		case ErrSignalStopped:
			p.stop = true
		default:
			log.Logger.Error("Failed to process event", zap.Error(err))
			return err
		}
	}
	return nil
}

// scheduleAlarm arranges for one SIGALRM byte after a tick.
func (p *Poll) scheduleAlarm() {
	if p.alarm == nil {
		p.alarm = time.AfterFunc(p.tick, func() {
			_ = p.signals.Notify(unix.SIGALRM)
		})
		return
	}
	p.alarm.Reset(p.tick)
}

func (p *Poll) processEvent(fd int, events uint32) error {
	switch fd {
	case p.signals.Fd():
		return p.handleSignal()
	case p.listenFD:
		return p.accept()
	}

	conn, ok := p.conns[fd]
	if !ok {
		log.Logger.Warn("event for unknown fd", zap.Int("fd", fd))
		return nil
	}
	// The worker re-arms before it releases the connection, so its event can
	// overtake the release by a few instructions. One-shot registration
	// guarantees no event arrives for a connection that is merely queued.
	for conn.owned.Load() {
		runtime.Gosched()
	}

	switch {
	case events&hangupEvents != 0:
		log.Logger.Debug("connection hang-up", zap.Int("fd", fd), zap.Uint32("events", events))
		p.destroy(conn)
	case events&unix.EPOLLIN != 0:
		p.handleRead(conn)
	case events&unix.EPOLLOUT != 0:
		p.handleWrite(conn)
	}
	return nil
}

// handleSignal drains the signal pipe.
func (p *Poll) handleSignal() error {
	stop := false
	err := p.signals.Drain(func(sig syscall.Signal) {
		switch sig {
		case unix.SIGALRM:
			p.timeout = true
		case unix.SIGTERM, unix.SIGINT:
			stop = true
		default:
			log.Logger.Debug("ignoring signal", zap.Stringer("signal", sig))
		}
	})
	if err != nil {
		log.Logger.Error("Failed to read from signal pipe", zap.Error(err))
	}
	if stop {
		return ErrSignalStopped
	}
	return nil
}

// accept takes every pending connection from the listen queue.
func (p *Poll) accept() error {
	ctx := context.Background()
	for {
		connFd, sa, err := unix.Accept4(p.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.ECONNABORTED, unix.EINTR:
				return nil
			case unix.EMFILE, unix.ENFILE:
				log.Logger.Warn("accept: out of file descriptors", zap.Error(err))
				p.shed()
				return nil
			}
			log.Logger.Error("accept error", zap.Error(err))
			return nil
		}

		if len(p.conns) >= p.maxConns {
			log.Logger.Warn("Internal server busy", zap.Int("conns", len(p.conns)))
			_ = unix.Close(connFd)
			p.shared.Metrics.Rejected(ctx)
			continue
		}

		if err := p.AddConn(connFd); err != nil {
			log.Logger.Error("register connection error", zap.Int("fd", connFd), zap.Error(err))
			_ = unix.Close(connFd)
			continue
		}

		conn := newConn(connFd, peerIP(sa), p.shared, p.Registry)
		conn.timer = timer.NewEntry(p.deadline(), conn)
		p.timers.Insert(conn.timer)
		p.conns[connFd] = conn
		p.shared.live.Add(1)
		p.shared.Metrics.Accepted(ctx)

		log.Logger.Debug("new connection", zap.Int("fd", connFd), zap.String("ip", conn.ip))
	}
}

// shed uses the spare descriptor to take one pending connection off the listen
// queue and close it. Without this the level-triggered listener would report
// the same connection forever.
func (p *Poll) shed() {
	if p.spareFd < 0 {
		return
	}
	_ = unix.Close(p.spareFd)
	p.spareFd = -1

	fd, _, err := unix.Accept4(p.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == nil {
		_ = unix.Close(fd)
		p.shared.Metrics.Rejected(context.Background())
	}

	if p.spareFd, err = openSpare(); err != nil {
		log.Logger.Error("Failed to reopen spare descriptor", zap.Error(err))
	}
}

func peerIP(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(addr.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]).String()
	}
	return ""
}

func (p *Poll) deadline() time.Time {
	return p.now().Add(p.shared.IdleTimeout)
}

func (p *Poll) handleRead(conn *Conn) {
	if !conn.Read() {
		p.destroy(conn)
		return
	}
	p.timers.Touch(conn.timer, p.deadline())
	p.dispatch(conn)
}

func (p *Poll) handleWrite(conn *Conn) {
	switch conn.Write() {
	case WriteAgain:
		return
	case WriteFailed:
		p.destroy(conn)
		return
	case WriteClose:
		p.shared.Metrics.Response(context.Background(), conn.Status())
		p.destroy(conn)
		return
	}

	p.shared.Metrics.Response(context.Background(), conn.Status())
	p.timers.Touch(conn.timer, p.deadline())
	if conn.Buffered() {
		p.dispatch(conn)
		return
	}
	if err := p.ArmRead(conn.fd); err != nil {
		log.Logger.Error("re-arm read failed", zap.Int("fd", conn.fd), zap.Error(err))
		p.destroy(conn)
	}
}

// dispatch hands conn to a worker. A rejected connection is left unarmed and
// is reclaimed by the idle sweep.
func (p *Poll) dispatch(conn *Conn) {
	conn.owned.Store(true)
	if err := p.pool.Submit(conn); err != nil {
		conn.owned.Store(false)
		p.shared.Metrics.Dropped(context.Background())
		log.Logger.Warn("request dropped", zap.Int("fd", conn.fd), zap.Error(err))
	}
}

// destroy unlinks the timer entry, then releases the connection.
func (p *Poll) destroy(conn *Conn) {
	p.timers.Remove(conn.timer)
	fd := conn.fd
	if err := p.Delete(fd); err != nil {
		log.Logger.Debug("Failed to delete connection from epoll", zap.Int("fd", fd), zap.Error(err))
	}
	delete(p.conns, fd)
	if err := conn.close(); err != nil {
		log.Logger.Debug("Failed to close connection", zap.Int("fd", fd), zap.Error(err))
	}
	p.shared.live.Add(-1)
	log.Logger.Debug("connection closed", zap.Int("fd", fd))
}

func (p *Poll) sweep() {
	now := p.now()
	n := p.timers.Sweep(now, func(conn *Conn) {
		// a worker still holds it; try again next round
		if conn.owned.Load() {
			conn.timer.Expire = now.Add(p.shared.IdleTimeout)
			p.timers.Insert(conn.timer)
			return
		}
		p.shared.Metrics.Evicted(context.Background())
		p.destroy(conn)
	})
	if n > 0 {
		log.Logger.Debug("idle sweep", zap.Int("expired", n), zap.Int("live", len(p.conns)))
	}
}

// Len is the number of open connections.
func (p *Poll) Len() int {
	return len(p.conns)
}

// CloseGracefully closes the signal pipe, the listener, every connection and
// finally epoll. The worker pool must already be stopped.
func (p *Poll) CloseGracefully() error {
	var err error

	err = multierr.Append(err, p.Delete(p.signals.Fd()))
	err = multierr.Append(err, p.signals.Close())

	err = multierr.Append(err, p.Delete(p.listenFD))
	err = multierr.Append(err, closeFd(p.listenFD))

	if p.spareFd >= 0 {
		err = multierr.Append(err, closeFd(p.spareFd))
		p.spareFd = -1
	}

	for _, conn := range p.conns {
		p.destroy(conn)
	}
	p.timers.Empty()

	err = multierr.Append(err, p.Registry.Close())
	return err
}
