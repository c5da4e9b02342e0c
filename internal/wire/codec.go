package wire

import (
	"fmt"
)

// Websocket subprotocol names.
const (
	SubprotocolJSON   = "pimnotify.json.v1"
	SubprotocolBinary = "pimnotify.binary.v1"
)

// Codec converts frames to and from websocket message payloads.
type Codec interface {
	Subprotocol() string
	// Binary reports whether payloads go in binary websocket messages.
	Binary() bool
	Encode(f Frame) ([]byte, error)
	Decode(data []byte) (Frame, error)
	Close()
}

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolBinary, SubprotocolJSON}
}

// ForSubprotocol returns the codec for a negotiated subprotocol. An empty
// name selects JSON so plain websocket clients still work.
func ForSubprotocol(name string) (Codec, error) {
	switch name {
	case "", SubprotocolJSON:
		return JSONCodec{}, nil
	case SubprotocolBinary:
		return NewBinaryCodec()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSubprotocol, name)
	}
}

// SubprotocolFor maps a configured encoding name to its subprotocol.
func SubprotocolFor(encoding string) (string, error) {
	switch encoding {
	case "json":
		return SubprotocolJSON, nil
	case "binary":
		return SubprotocolBinary, nil
	default:
		return "", fmt.Errorf("%w: encoding %q", ErrUnknownSubprotocol, encoding)
	}
}
