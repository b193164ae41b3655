package wire

import (
	"bytes"
	"fmt"
)

const (
	MethodGet = "GET"
	HTTP10    = "HTTP/1.0"
	HTTP11    = "HTTP/1.1"
)

// RequestLine is a parsed "<method> <target> <version>" line.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// ParseRequestLine accepts exactly three tokens separated by single spaces.
// Only GET is implemented and only HTTP/1.0 and HTTP/1.1 are understood.
func ParseRequestLine(line []byte) (RequestLine, error) {
	var rl RequestLine

	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return rl, fmt.Errorf("%w: missing method", ErrBadRequest)
	}
	method, rest := line[:sp], line[sp+1:]

	sp = bytes.IndexByte(rest, ' ')
	if sp <= 0 {
		return rl, fmt.Errorf("%w: missing target", ErrBadRequest)
	}
	target, version := rest[:sp], rest[sp+1:]

	if !bytes.EqualFold(method, []byte(MethodGet)) {
		return rl, fmt.Errorf("%w: method %q not implemented", ErrBadRequest, method)
	}
	if target[0] != '/' {
		return rl, fmt.Errorf("%w: target %q", ErrBadRequest, target)
	}
	switch string(version) {
	case HTTP10, HTTP11:
	default:
		return rl, fmt.Errorf("%w: version %q", ErrBadRequest, version)
	}

	rl.Method = MethodGet
	rl.Target = string(target)
	rl.Version = string(version)
	return rl, nil
}

// ParseHeaderLine splits "Key: value" at the first colon and trims blanks
// around the value.
func ParseHeaderLine(line []byte) (key, value []byte, err error) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return nil, nil, fmt.Errorf("%w: header line %q", ErrBadRequest, line)
	}
	return line[:colon], bytes.Trim(line[colon+1:], " \t"), nil
}
