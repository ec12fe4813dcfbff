// Package jsonframe reads and writes length-prefixed JSON messages on byte streams.
//
// Frame layout: len(4, big endian) || json(len).
package jsonframe

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/floegence/e2erelay/internal/defaults"
)

var (
	ErrFrameTooLarge = errors.New("json frame too large")
	ErrBadFrame      = errors.New("bad json frame")
)

// DefaultMaxJSONFrameBytes is the recommended maximum size for a single framed JSON message.
//
// Relay frames carry a base64 envelope, so the default fits the largest
// response envelope a node produces with its default limits.
const DefaultMaxJSONFrameBytes = defaults.FrameBytes

// WriteJSONFrame writes v as one frame. Header and payload go out in a single Write.
func WriteJSONFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if uint64(len(b)) > 0xffffffff {
		return ErrFrameTooLarge
	}
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out[:4], uint32(len(b)))
	copy(out[4:], b)
	_, err = w.Write(out)
	return err
}

// ReadJSONFrame reads one frame payload.
//
// Callers MUST pass a positive maxLen when reading from untrusted peers. Passing
// maxLen<=0 disables the guard and can result in large allocations.
func ReadJSONFrame(r io.Reader, maxLen int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int64(binary.BigEndian.Uint32(hdr[:]))
	if maxLen > 0 && n > int64(maxLen) {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadJSON reads one frame and strictly decodes it into v.
func ReadJSON(r io.Reader, maxLen int, v any) error {
	b, err := ReadJSONFrame(r, maxLen)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return nil
}
