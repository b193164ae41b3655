package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(b *ReadBuffer, s string) {
	n := copy(b.Free(), s)
	b.Commit(n)
}

func TestLineCRLF(t *testing.T) {
	b := NewReadBuffer(64)
	fill(b, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	line, st := b.Line()
	require.Equal(t, LineOK, st)
	assert.Equal(t, "GET / HTTP/1.1", string(line))

	line, st = b.Line()
	require.Equal(t, LineOK, st)
	assert.Equal(t, "Host: x", string(line))

	line, st = b.Line()
	require.Equal(t, LineOK, st)
	assert.Empty(t, line)

	_, st = b.Line()
	assert.Equal(t, LineOpen, st)
	assert.Equal(t, 0, b.Buffered())
}

func TestLineResumesAfterLoneCR(t *testing.T) {
	b := NewReadBuffer(64)
	fill(b, "GET / HTTP/1.1\r")

	_, st := b.Line()
	assert.Equal(t, LineOpen, st)

	fill(b, "\nrest")
	line, st := b.Line()
	require.Equal(t, LineOK, st)
	assert.Equal(t, "GET / HTTP/1.1", string(line))

	_, st = b.Line()
	assert.Equal(t, LineOpen, st)
	assert.Equal(t, 4, b.Buffered())
}

func TestLineMalformedTerminators(t *testing.T) {
	b := NewReadBuffer(64)
	fill(b, "abc\rdef\r\n")
	_, st := b.Line()
	assert.Equal(t, LineBad, st)

	b = NewReadBuffer(64)
	fill(b, "abc\ndef")
	_, st = b.Line()
	assert.Equal(t, LineBad, st)
}

func TestLineTooLong(t *testing.T) {
	b := NewReadBuffer(8)
	fill(b, "GET /abc")
	assert.True(t, b.Full())
	_, st := b.Line()
	assert.Equal(t, LineTooLong, st)
}

func TestSkipAndCompact(t *testing.T) {
	b := NewReadBuffer(64)
	fill(b, "A\r\n\r\nbodyGET")

	_, st := b.Line()
	require.Equal(t, LineOK, st)
	_, st = b.Line()
	require.Equal(t, LineOK, st)

	assert.False(t, b.Skip(10))
	assert.True(t, b.Skip(4))
	assert.Equal(t, 3, b.Buffered())

	b.Compact()
	assert.Equal(t, 3, b.Buffered())
	assert.Equal(t, 64, b.Room())
	fill(b, " / HTTP/1.0\r\n")
	line, st := b.Line()
	require.Equal(t, LineOK, st)
	assert.Equal(t, "GET / HTTP/1.0", string(line))
}

func TestFullBufferCompactsConsumedLines(t *testing.T) {
	b := NewReadBuffer(16)
	fill(b, "X-A: 1\r\nX-B: 12")
	_, st := b.Line()
	require.Equal(t, LineOK, st)
	fill(b, "3")
	require.True(t, b.Full())

	_, st = b.Line()
	assert.Equal(t, LineOpen, st)
	assert.False(t, b.Full())
	assert.Equal(t, 8, b.Buffered())

	fill(b, "4\r\n")
	line, st := b.Line()
	require.Equal(t, LineOK, st)
	assert.Equal(t, "X-B: 1234", string(line))
}

func TestCompactKeepsScanPosition(t *testing.T) {
	b := NewReadBuffer(32)
	fill(b, "A\r\nGET / HTTP/1.1\r")
	_, st := b.Line()
	require.Equal(t, LineOK, st)
	_, st = b.Line()
	require.Equal(t, LineOpen, st)

	b.Compact()
	fill(b, "\n")
	line, st := b.Line()
	require.Equal(t, LineOK, st)
	assert.Equal(t, "GET / HTTP/1.1", string(line))
}
