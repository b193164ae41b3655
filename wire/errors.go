package wire

import "errors"

var (
	ErrBadRequest     = errors.New("bad request")
	ErrHeaderOverflow = errors.New("response header exceeds write buffer")
)
