package wire

// LineStatus is the outcome of extracting one line from a ReadBuffer.
type LineStatus uint8

const (
	LineOK      LineStatus = iota // a complete line was returned
	LineBad                       // malformed terminator
	LineOpen                      // need more data
	LineTooLong                   // the buffer is full and the line is still open
)

func (s LineStatus) String() string {
	switch s {
	case LineOK:
		return "ok"
	case LineBad:
		return "bad"
	case LineOpen:
		return "open"
	case LineTooLong:
		return "too long"
	}
	return "unknown"
}

// ReadBuffer is a fixed-capacity request buffer. Bytes are appended at the fill
// cursor and lines are extracted at the scan cursor, so extraction resumes
// where it stopped after more bytes arrive.
type ReadBuffer struct {
	buf   []byte
	fill  int // end of received data
	scan  int // next byte to inspect
	start int // first byte of the line being extracted
}

func NewReadBuffer(size int) *ReadBuffer {
	return &ReadBuffer{buf: make([]byte, size)}
}

// Free returns the writable tail of the buffer.
func (b *ReadBuffer) Free() []byte {
	return b.buf[b.fill:]
}

// Commit marks n bytes of Free() as received.
func (b *ReadBuffer) Commit(n int) {
	b.fill += n
}

// Full reports whether no more bytes can be received.
func (b *ReadBuffer) Full() bool {
	return b.fill >= len(b.buf)
}

func (b *ReadBuffer) Cap() int {
	return len(b.buf)
}

// Buffered returns the number of received bytes not yet consumed as lines or body.
func (b *ReadBuffer) Buffered() int {
	return b.fill - b.start
}

// Room is how many more bytes can follow the consumed prefix.
func (b *ReadBuffer) Room() int {
	return len(b.buf) - b.start
}

// Line extracts the next CRLF terminated line, without the terminator.
// The returned slice aliases the buffer and is valid until the next Compact,
// which a later call may perform.
func (b *ReadBuffer) Line() ([]byte, LineStatus) {
	for ; b.scan < b.fill; b.scan++ {
		switch b.buf[b.scan] {
		case '\r':
			if b.scan+1 == b.fill {
				return nil, b.open()
			}
			if b.buf[b.scan+1] != '\n' {
				return nil, LineBad
			}
			line := b.buf[b.start:b.scan]
			b.scan += 2
			b.start = b.scan
			return line, LineOK
		case '\n':
			return nil, LineBad
		}
	}
	return nil, b.open()
}

// open reports an unterminated line. A full buffer is only fatal when the line
// already starts at the front; otherwise consumed bytes make room for it.
func (b *ReadBuffer) open() LineStatus {
	if !b.Full() {
		return LineOpen
	}
	if b.start == 0 {
		return LineTooLong
	}
	b.Compact()
	return LineOpen
}

// Skip consumes n bytes following the last extracted line. It reports false
// when fewer than n bytes are buffered.
func (b *ReadBuffer) Skip(n int) bool {
	if b.fill-b.start < n {
		return false
	}
	b.start += n
	b.scan = b.start
	return true
}

// Compact drops consumed bytes and moves the unconsumed tail to the front.
// Lines returned earlier are invalidated; scanning resumes where it stopped.
func (b *ReadBuffer) Compact() {
	n := copy(b.buf, b.buf[b.start:b.fill])
	b.fill, b.scan, b.start = n, b.scan-b.start, 0
}

// Reset discards everything.
func (b *ReadBuffer) Reset() {
	b.fill, b.scan, b.start = 0, 0, 0
}
