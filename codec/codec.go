// Package codec encodes and decodes the closed set of tilesync wire messages.
//
// The layout is a manual little-endian binary format: one tag byte followed by the
// message body. Integers are varints (protowire), floats are fixed 4 bytes, strings and
// lists are length prefixed. Nothing outside this package inspects raw bytes.
package codec

import (
	"errors"
)

var (
	// ErrMalformedMessage is returned for unknown tags, truncated buffers, trailing bytes
	// or values outside the wire limits. The offending message is dropped by callers.
	ErrMalformedMessage = errors.New("malformed message")

	errCodecNotInit = errors.New("codec not init")

	_codec Codec = &BinaryCodec{}
)

// Codec 解码器.
type Codec interface {
	// Encode appends the encoding of m to b.
	Encode(m Message, b []byte) ([]byte, error)
	// Decode parses exactly one message from b.
	Decode(b []byte) (Message, error)
}

// Encode 打包.
func Encode(m Message) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Encode(m, nil)
}

// AppendEncode appends the encoding of m to b.
func AppendEncode(m Message, b []byte) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Encode(m, b)
}

// Decode 解包.
func Decode(b []byte) (Message, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Decode(b)
}

// SetCodec 设置解码器.
func SetCodec(c Codec) {
	_codec = c
}
