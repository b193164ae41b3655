package wire

import "strconv"

const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusInternalServerError = 500
)

var statusText = map[int]string{
	StatusOK:                  "OK",
	StatusBadRequest:          "Bad Request",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusInternalServerError: "Internal Error",
}

// canned bodies sent with error responses
var errorBody = map[int]string{
	StatusBadRequest:          "Your request has bad syntax or is inherently impossible to satisfy.\n",
	StatusForbidden:           "You do not have permission to get file from this server.\n",
	StatusNotFound:            "The requested file was not found on this server.\n",
	StatusInternalServerError: "There was an unusual problem serving the requested file.\n",
}

// StatusText returns the reason phrase for code, or "" if unknown.
func StatusText(code int) string {
	return statusText[code]
}

// ErrorBody returns the canned body for an error status.
func ErrorBody(code int) string {
	if body, ok := errorBody[code]; ok {
		return body
	}
	return errorBody[StatusInternalServerError]
}

const (
	proto       = "HTTP/1.1 "
	crlf        = "\r\n"
	ContentType = "text/html"
)

// HeaderWriter accumulates a response head in a fixed-capacity buffer.
type HeaderWriter struct {
	buf []byte
}

func NewHeaderWriter(size int) *HeaderWriter {
	return &HeaderWriter{buf: make([]byte, 0, size)}
}

func (w *HeaderWriter) Reset() {
	w.buf = w.buf[:0]
}

func (w *HeaderWriter) Bytes() []byte {
	return w.buf
}

func (w *HeaderWriter) Len() int {
	return len(w.buf)
}

// add appends s only if all of it fits.
func (w *HeaderWriter) add(parts ...string) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if len(w.buf)+n > cap(w.buf) {
		return ErrHeaderOverflow
	}
	for _, p := range parts {
		w.buf = append(w.buf, p...)
	}
	return nil
}

// StatusLine writes "HTTP/1.1 <code> <reason>".
func (w *HeaderWriter) StatusLine(code int) error {
	return w.add(proto, strconv.Itoa(code), " ", StatusText(code), crlf)
}

// Header writes one "Key: value" line.
func (w *HeaderWriter) Header(key, value string) error {
	return w.add(key, ": ", value, crlf)
}

// End writes the blank line closing the head.
func (w *HeaderWriter) End() error {
	return w.add(crlf)
}

// Body appends a body after the head. Used for the small canned error pages.
func (w *HeaderWriter) Body(body string) error {
	return w.add(body)
}

// WriteHead writes the status line, Content-Length, Content-Type, Connection
// and the terminating blank line.
func (w *HeaderWriter) WriteHead(code int, contentLength int64, keepAlive bool) error {
	conn := "close"
	if keepAlive {
		conn = "keep-alive"
	}
	if err := w.StatusLine(code); err != nil {
		return err
	}
	if err := w.Header("Content-Length", strconv.FormatInt(contentLength, 10)); err != nil {
		return err
	}
	if err := w.Header("Content-Type", ContentType); err != nil {
		return err
	}
	if err := w.Header("Connection", conn); err != nil {
		return err
	}
	return w.End()
}
