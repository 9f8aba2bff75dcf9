package net

import (
	"encoding/binary"
	"errors"
	"io"
)

// PRE_HEAD_SIZE PreHead长度.
const PRE_HEAD_SIZE = 4

// PreHead 头部: the length prefix of one socket frame.
type PreHead struct {
	BodySize uint32
}

// EncodePreHead 编码preHead.
func EncodePreHead(hdr *PreHead) []byte {
	buf := make([]byte, PRE_HEAD_SIZE)
	binary.LittleEndian.PutUint32(buf[0:4], hdr.BodySize)
	return buf
}

// DecodePreHead 解prehead.
func DecodePreHead(buf []byte) (*PreHead, error) {
	if len(buf) < PRE_HEAD_SIZE {
		return &PreHead{}, errors.New("buff too small")
	}
	hdr := &PreHead{
		BodySize: binary.LittleEndian.Uint32(buf),
	}
	if hdr.BodySize == 0 {
		return hdr, errors.New("invalid")
	}
	return hdr, nil
}

// appendFrame appends a length-prefixed frame carrying body to dst.
func appendFrame(dst, body []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// readFrame reads one length-prefixed frame into buf, growing it as needed.
// Frames larger than maxSize are rejected.
func readFrame(r io.Reader, buf []byte, maxSize int) ([]byte, error) {
	var head [PRE_HEAD_SIZE]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	hdr, err := DecodePreHead(head[:])
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && int(hdr.BodySize) > maxSize {
		return nil, errors.New("frame exceeds max buffer size")
	}
	if cap(buf) < int(hdr.BodySize) {
		buf = make([]byte, hdr.BodySize)
	}
	buf = buf[:hdr.BodySize]
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
