package envelope

import "errors"

var (
	ErrMissingType     = errors.New("envelope type is missing")
	ErrUnknownKind     = errors.New("unknown envelope type")
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownCodec    = errors.New("unknown codec")
)
