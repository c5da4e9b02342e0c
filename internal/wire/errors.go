package wire

import "errors"

var (
	ErrUnknownFrame        = errors.New("unknown frame kind")
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrUnknownSubprotocol  = errors.New("unknown subprotocol")
	ErrMissingFramePayload = errors.New("frame payload missing")
)
