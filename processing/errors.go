package processing

import "github.com/pkg/errors"

var (
	ErrInvalidBox     = errors.New("invalid box")
	ErrLengthMismatch = errors.New("length mismatch")
	ErrInvalidGrid    = errors.New("invalid feature grid")
	ErrInvalidParam   = errors.New("invalid parameter")
	ErrInvalidShape   = errors.New("invalid tensor shape")
)
