package proto

import "errors"

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrUnknownOp        = errors.New("unknown operation")
	ErrUnsupportedOp    = errors.New("unsupported operation")
	ErrTooManySegments  = errors.New("segment count exceeds negotiated maximum")
	ErrCommandTooLong   = errors.New("command length exceeds maximum")
	ErrBadDirection     = errors.New("unrecognized data direction")
	ErrSegmentBounds    = errors.New("segment crosses page boundary")
)
