//go:build linux
// +build linux

package node

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fzft/go-mini-httpd/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestPoll(t *testing.T) (*Poll, *time.Time) {
	r, err := NewRegistry()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	cfg := testConfig(t)
	cfg.Tick = time.Second
	clock := time.Unix(1000, 0)
	p := &Poll{
		Registry: r,
		shared:   NewShared(cfg),
		conns:    make(map[int]*Conn),
		maxConns: 4,
		timers:   timer.NewList[*Conn](),
		tick:     cfg.Tick,
		spareFd:  -1,
		now:      func() time.Time { return clock },
	}
	return p, &clock
}

// addConn registers one end of a socket pair the way accept does.
func addConn(t *testing.T, p *Poll) (*Conn, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	require.NoError(t, p.AddConn(fds[0]))
	c := newConn(fds[0], "local", p.shared, p.Registry)
	c.timer = timer.NewEntry(p.deadline(), c)
	p.timers.Insert(c.timer)
	p.conns[fds[0]] = c
	p.shared.live.Add(1)
	return c, fds[1]
}

func TestPollSweepEvictsIdle(t *testing.T) {
	p, clock := newTestPoll(t)
	idle, _ := addConn(t, p)
	*clock = clock.Add(2 * time.Second)
	fresh, _ := addConn(t, p)

	*clock = clock.Add(1500 * time.Millisecond)
	p.sweep()

	assert.Equal(t, 1, p.Len())
	assert.Equal(t, int64(1), p.shared.LiveConns())
	assert.Equal(t, -1, idle.fd)
	assert.False(t, idle.timer.Linked())
	assert.Same(t, fresh, p.conns[fresh.fd])
	assert.Equal(t, 1, p.timers.Len())
}

func TestPollSweepSkipsOwned(t *testing.T) {
	p, clock := newTestPoll(t)
	busy, _ := addConn(t, p)
	busy.owned.Store(true)

	*clock = clock.Add(10 * time.Second)
	p.sweep()

	assert.Equal(t, 1, p.Len())
	assert.True(t, busy.timer.Linked())
	assert.Equal(t, clock.Add(3*time.Second), busy.timer.Expire)

	busy.owned.Store(false)
	*clock = clock.Add(3 * time.Second)
	p.sweep()
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, p.timers.Len())
}

func TestPollHandleSignal(t *testing.T) {
	p, _ := newTestPoll(t)
	signals, err := NewSignalPipe()
	require.NoError(t, err)
	defer signals.Close()
	p.signals = signals

	require.NoError(t, signals.Notify(unix.SIGALRM))
	require.NoError(t, signals.Notify(unix.SIGHUP))
	assert.NoError(t, p.handleSignal())
	assert.True(t, p.timeout)

	require.NoError(t, signals.Notify(unix.SIGTERM))
	assert.ErrorIs(t, p.handleSignal(), ErrSignalStopped)
}

func TestPollHangupDestroys(t *testing.T) {
	p, _ := newTestPoll(t)
	p.signals = &SignalPipe{r: -2, w: -2}
	p.listenFD = -3
	c, _ := addConn(t, p)
	fd := c.fd

	require.NoError(t, p.processEvent(fd, unix.EPOLLRDHUP))
	assert.Equal(t, 0, p.Len())
	assert.False(t, c.timer.Linked())
}

func TestPollWaitsForWorkerRelease(t *testing.T) {
	p, _ := newTestPoll(t)
	p.signals = &SignalPipe{r: -2, w: -2}
	p.listenFD = -3
	c, _ := addConn(t, p)
	c.owned.Store(true)

	var released atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		released.Store(true)
		c.owned.Store(false)
	}()

	require.NoError(t, p.processEvent(c.fd, unix.EPOLLHUP))
	assert.True(t, released.Load())
	assert.Equal(t, 0, p.Len())
}

func TestPollStopFinishesBatch(t *testing.T) {
	p, _ := newTestPoll(t)
	signals, err := NewSignalPipe()
	require.NoError(t, err)
	defer signals.Close()
	p.signals = signals
	p.listenFD = -3
	c, _ := addConn(t, p)

	require.NoError(t, signals.Notify(unix.SIGTERM))
	p.events = []unix.EpollEvent{
		{Fd: int32(signals.Fd()), Events: unix.EPOLLIN},
		{Fd: int32(c.fd), Events: unix.EPOLLRDHUP},
	}

	require.NoError(t, p.processEvents(2))
	assert.True(t, p.stop)
	assert.Equal(t, 0, p.Len())
}

func TestPollShedsWithSpareDescriptor(t *testing.T) {
	p, _ := newTestPoll(t)
	lnFd, port, err := listen(0)
	require.NoError(t, err)
	defer unix.Close(lnFd)
	p.listenFD = lnFd
	p.spareFd, err = openSpare()
	require.NoError(t, err)
	defer unix.Close(p.spareFd)

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer client.Close()

	p.shed()
	assert.True(t, isFDValid(p.spareFd))
	assert.Equal(t, 0, p.Len())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)
}
