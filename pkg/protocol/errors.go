package protocol

import "errors"

var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrMalformedFrame = errors.New("malformed JSON frame")
	ErrMissingType    = errors.New("frame missing type")
	ErrUnknownType    = errors.New("unknown frame type")
	ErrEmptyMessage   = errors.New("message requires text or imageUrl")
)
