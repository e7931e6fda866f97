package protocol

import "errors"

// ErrMalformedFrame is returned by Decode when a frame cannot be decoded
// under either wire format. Decode never panics on adversarial input.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// ErrUnknownKind is returned when a frame decodes structurally but names
// a kind code or kind string the codec does not recognize. Per the parsing
// contract this fails the frame only, not the connection.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

// ErrFrameTooLarge is returned when a frame's payload exceeds the
// configured maximum.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
