//go:build linux
// +build linux

package node

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fzft/go-mini-httpd/log"
	"github.com/fzft/go-mini-httpd/timer"
	"github.com/fzft/go-mini-httpd/wire"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// CheckState is the position of the request parser.
type CheckState uint8

const (
	StateRequestLine CheckState = iota
	StateHeader
	StateContent
)

// HTTPCode is the outcome of parsing and resolving a request.
type HTTPCode uint8

const (
	NoRequest        HTTPCode = iota // need more data
	GetRequest                       // complete request, resource not resolved yet
	BadRequest                       // 400
	NoResource                       // 404
	ForbiddenRequest                 // 403
	FileRequest                      // 200, body mapped
	InternalError                    // 500
	ClosedConnection                 // fatal, drop without response
)

// WriteStatus is the outcome of one Write step.
type WriteStatus uint8

const (
	WriteAgain  WriteStatus = iota // socket full, armed for writability
	WriteDone                      // response sent, connection reset for the next request
	WriteClose                     // response sent, connection must be closed
	WriteFailed                    // send error, connection must be destroyed
)

var (
	headerConnection    = []byte("Connection")
	headerContentLength = []byte("Content-Length")
	headerHost          = []byte("Host")
)

// Conn is one accepted client socket with its parse and response state.
// At any instant it is owned either by the reactor or by a single worker;
// ownership changes hands only through the one-shot re-arm.
type Conn struct {
	fd     int
	ip     string
	shared *Shared
	armer  armer

	// set by the reactor before queueing, cleared by the worker right before re-arming
	owned atomic.Bool

	rbuf          *wire.ReadBuffer
	state         CheckState
	method        string
	url           string
	version       string
	keepAlive     bool
	contentLength int64
	host          string
	discard       int64 // body bytes of a finished request still to drop

	realFile string
	fileSize int64
	body     *MappedFile

	wbuf          *wire.HeaderWriter
	iov           [2][]byte
	headerLen     int
	bytesToSend   int
	bytesHaveSent int
	status        int

	timer *timer.Entry[*Conn]

	writev func(fd int, iovs [][]byte) (int, error)
}

func newConn(fd int, ip string, shared *Shared, a armer) *Conn {
	return &Conn{
		fd:     fd,
		ip:     ip,
		shared: shared,
		armer:  a,
		rbuf:   wire.NewReadBuffer(shared.ReadBuffer),
		wbuf:   wire.NewHeaderWriter(shared.WriteBuffer),
		writev: unix.Writev,
	}
}

// Fd returns the file descriptor of the connection.
func (c *Conn) Fd() int {
	return c.fd
}

// Ip returns the peer address.
func (c *Conn) Ip() string {
	return c.ip
}

// Host returns the Host header of the request being handled.
func (c *Conn) Host() string {
	return c.host
}

// Buffered reports unparsed bytes left over from pipelined requests.
func (c *Conn) Buffered() bool {
	return c.rbuf.Buffered() > 0
}

// Read drains the socket into the read buffer until it would block. It
// reports false when the peer closed, on a socket error, or when the buffer
// was already full.
func (c *Conn) Read() bool {
	if c.rbuf.Full() {
		return false
	}
	for !c.rbuf.Full() {
		n, err := unix.Read(c.fd, c.rbuf.Free())
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			log.Logger.Debug("read error", zap.Int("fd", c.fd), zap.Error(err))
			return false
		}
		if n == 0 {
			return false
		}
		c.rbuf.Commit(n)
	}
	return true
}

// Process runs on a worker. It parses whatever is buffered and, once a request
// is complete, prepares the response; then it hands the connection back to the
// reactor by re-arming it.
func (c *Conn) Process() {
	code := c.processRead()
	switch code {
	case NoRequest:
		c.handBack(c.armer.ArmRead)
		return
	case ClosedConnection:
		c.abort()
		return
	}
	if !c.processWrite(code) {
		c.abort()
		return
	}
	c.handBack(c.armer.ArmWrite)
}

// handBack re-arms fd and only then releases ownership, so the idle sweep never
// closes a descriptor that is still being re-armed. Nothing may touch c after
// the release.
func (c *Conn) handBack(arm func(fd int) error) {
	fd := c.fd
	if err := arm(fd); err != nil {
		log.Logger.Error("re-arm failed", zap.Int("fd", fd), zap.Error(err))
	}
	c.owned.Store(false)
}

// abort shuts the socket down and re-arms it so the reactor sees a hang-up and
// destroys the connection on its own thread.
func (c *Conn) abort() {
	if err := unix.Shutdown(c.fd, unix.SHUT_RDWR); err != nil {
		log.Logger.Debug("shutdown failed", zap.Int("fd", c.fd), zap.Error(err))
	}
	c.handBack(c.armer.ArmRead)
}

// processRead drives the parser until the request is complete or more bytes are needed.
func (c *Conn) processRead() HTTPCode {
	if !c.discardBody() {
		return NoRequest
	}
	for {
		if c.state == StateContent {
			return c.parseContent()
		}

		line, status := c.rbuf.Line()
		switch status {
		case wire.LineOpen:
			return NoRequest
		case wire.LineTooLong:
			return ClosedConnection
		case wire.LineBad:
			return c.malformed()
		}

		switch c.state {
		case StateRequestLine:
			if code := c.parseRequestLine(line); code != NoRequest {
				return c.malformed()
			}
		case StateHeader:
			switch code := c.parseHeader(line); code {
			case NoRequest:
			case GetRequest:
				return c.doRequest()
			default:
				return c.malformed()
			}
		}
	}
}

// malformed answers a request that cannot be parsed. Whatever follows it on the
// socket cannot be framed, so the buffer is dropped and the connection closes
// after the 400.
func (c *Conn) malformed() HTTPCode {
	c.rbuf.Reset()
	c.keepAlive = false
	c.discard = 0
	return BadRequest
}

// discardBody drops the tail of an oversized body from an earlier request. It
// reports false while more of it is still to come.
func (c *Conn) discardBody() bool {
	if c.discard == 0 {
		return true
	}
	n := min(int64(c.rbuf.Buffered()), c.discard)
	c.rbuf.Skip(int(n))
	c.rbuf.Compact()
	c.discard -= n
	return c.discard == 0
}

func (c *Conn) parseRequestLine(line []byte) HTTPCode {
	rl, err := wire.ParseRequestLine(line)
	if err != nil {
		log.Logger.Debug("bad request line", zap.Int("fd", c.fd), zap.Error(err))
		return BadRequest
	}
	c.method, c.url, c.version = rl.Method, rl.Target, rl.Version
	c.state = StateHeader
	return NoRequest
}

func (c *Conn) parseHeader(line []byte) HTTPCode {
	if len(line) == 0 {
		if c.contentLength > 0 {
			c.state = StateContent
			return NoRequest
		}
		return GetRequest
	}

	key, value, err := wire.ParseHeaderLine(line)
	if err != nil {
		log.Logger.Debug("bad header line", zap.Int("fd", c.fd), zap.Error(err))
		return BadRequest
	}
	switch {
	case bytes.EqualFold(key, headerConnection):
		c.keepAlive = string(value) == "keep-alive"
	case bytes.EqualFold(key, headerContentLength):
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || n < 0 {
			return BadRequest
		}
		c.contentLength = n
	case bytes.EqualFold(key, headerHost):
		c.host = string(value)
	}
	return NoRequest
}

// parseContent skips the body without interpreting it. A body that cannot fit
// in the buffer completes the request with what has arrived; the rest is
// dropped as it comes in.
func (c *Conn) parseContent() HTTPCode {
	if int64(c.rbuf.Room()) < c.contentLength {
		c.rbuf.Compact()
	}
	if int64(c.rbuf.Room()) < c.contentLength {
		n := c.rbuf.Buffered()
		c.rbuf.Skip(n)
		c.discard = c.contentLength - int64(n)
		return c.doRequest()
	}
	if !c.rbuf.Skip(int(c.contentLength)) {
		return NoRequest
	}
	return c.doRequest()
}

// doRequest resolves the target under the document root and maps the file.
func (c *Conn) doRequest() HTTPCode {
	target := c.url
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	// Clean keeps ".." from climbing above the document root.
	c.realFile = filepath.Join(c.shared.DocRoot, filepath.FromSlash(path.Clean("/"+target)))

	fi, err := os.Stat(c.realFile)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return ForbiddenRequest
		}
		return NoResource
	}
	if fi.Mode().Perm()&0004 == 0 {
		return ForbiddenRequest
	}
	if fi.IsDir() {
		return BadRequest
	}

	body, err := MapFile(c.realFile, fi.Size())
	if err != nil {
		log.Logger.Warn("map file failed", zap.String("path", c.realFile), zap.Error(err))
		if errors.Is(err, fs.ErrPermission) {
			return ForbiddenRequest
		}
		return InternalError
	}
	c.body = body
	c.fileSize = fi.Size()
	return FileRequest
}

// processWrite builds the response head and the output segments.
func (c *Conn) processWrite(code HTTPCode) bool {
	c.wbuf.Reset()

	switch code {
	case FileRequest:
		c.status = wire.StatusOK
		if err := c.wbuf.WriteHead(c.status, c.fileSize, c.keepAlive); err != nil {
			log.Logger.Error("response head overflow", zap.Int("fd", c.fd), zap.Error(err))
			c.unmap()
			return false
		}
		c.setOutput(c.body.Bytes())
		return true
	case BadRequest:
		c.status = wire.StatusBadRequest
	case NoResource:
		c.status = wire.StatusNotFound
	case ForbiddenRequest:
		c.status = wire.StatusForbidden
	case InternalError:
		c.status = wire.StatusInternalServerError
	default:
		return false
	}

	body := wire.ErrorBody(c.status)
	if err := c.wbuf.WriteHead(c.status, int64(len(body)), c.keepAlive); err != nil {
		log.Logger.Error("response head overflow", zap.Int("fd", c.fd), zap.Error(err))
		return false
	}
	if err := c.wbuf.Body(body); err != nil {
		log.Logger.Error("response body overflow", zap.Int("fd", c.fd), zap.Error(err))
		return false
	}
	c.setOutput(nil)
	return true
}

func (c *Conn) setOutput(body []byte) {
	c.iov[0] = c.wbuf.Bytes()
	c.iov[1] = body
	c.headerLen = len(c.iov[0])
	c.bytesToSend = c.headerLen + len(body)
	c.bytesHaveSent = 0
}

// pending returns the non-empty output segments.
func (c *Conn) pending() [][]byte {
	iovs := make([][]byte, 0, 2)
	for _, seg := range c.iov {
		if len(seg) > 0 {
			iovs = append(iovs, seg)
		}
	}
	return iovs
}

// advance moves the segments past n more sent bytes.
func (c *Conn) advance(n int) {
	c.bytesHaveSent += n
	c.bytesToSend -= n
	if c.bytesHaveSent >= c.headerLen {
		c.iov[0] = nil
		if body := c.body.Bytes(); body != nil {
			c.iov[1] = body[c.bytesHaveSent-c.headerLen:]
		}
	} else {
		c.iov[0] = c.iov[0][n:]
	}
}

// Write runs on the reactor. It sends as much of the response as the socket accepts.
func (c *Conn) Write() WriteStatus {
	for c.bytesToSend > 0 {
		n, err := c.writev(c.fd, c.pending())
		if err != nil {
			if err == unix.EAGAIN {
				if err := c.armer.ArmWrite(c.fd); err != nil {
					log.Logger.Error("re-arm write failed", zap.Int("fd", c.fd), zap.Error(err))
					c.unmap()
					return WriteFailed
				}
				return WriteAgain
			}
			if err == unix.EINTR {
				continue
			}
			log.Logger.Debug("write error", zap.Int("fd", c.fd), zap.Error(err))
			c.unmap()
			return WriteFailed
		}
		c.advance(n)
	}

	c.unmap()
	if !c.keepAlive {
		return WriteClose
	}
	c.reset()
	return WriteDone
}

// Status is the code of the last response built.
func (c *Conn) Status() int {
	return c.status
}

func (c *Conn) unmap() {
	if err := c.body.Release(); err != nil {
		log.Logger.Warn("munmap failed", zap.Int("fd", c.fd), zap.Error(err))
	}
	c.body = nil
}

// reset prepares the connection for the next request on the same socket.
// Bytes of a pipelined request already received are kept, and so is a pending
// body discard.
func (c *Conn) reset() {
	c.unmap()
	c.rbuf.Compact()
	c.state = StateRequestLine
	c.method, c.url, c.version, c.host = "", "", "", ""
	c.keepAlive = false
	c.contentLength = 0
	c.realFile = ""
	c.fileSize = 0
	c.wbuf.Reset()
	c.iov = [2][]byte{}
	c.headerLen, c.bytesToSend, c.bytesHaveSent = 0, 0, 0
}

// close releases everything the connection holds and closes the socket. The
// caller has already unlinked its timer.
func (c *Conn) close() error {
	c.unmap()
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return os.NewSyscallError("close", unix.Close(fd))
}
