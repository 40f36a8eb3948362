// Package rpc is the wire protocol between the lifecycle manager and the
// sandbox host: length-prefixed JSON frames over any byte stream.
package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4"
	"github.com/valyala/bytebufferpool"
)

const (
	// MaxFrameSize bounds a frame body on the wire.
	MaxFrameSize = 16 << 20

	// CompressThreshold is the body size above which frames are compressed.
	CompressThreshold = 8 << 10

	headerSize     = 5
	flagCompressed = 1 << 0
)

// ErrFrameTooLarge is returned for frames over MaxFrameSize.
var ErrFrameTooLarge = errors.New("rpc frame too large")

// EncodeFrame returns the header and body of one frame for body.
func EncodeFrame(body []byte) ([]byte, error) {
	var flags byte
	if len(body) > CompressThreshold {
		compressed, err := compress(body)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(body) {
			body = compressed
			flags |= flagCompressed
		}
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(body))) //nolint:gosec // bounded by MaxFrameSize
	header[4] = flags
	_, _ = buf.Write(header[:])
	_, _ = buf.Write(body)
	return bytes.Clone(buf.Bytes()), nil
}

// WriteFrame writes body as one frame.
func WriteFrame(w io.Writer, body []byte) error {
	frame, err := EncodeFrame(body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame and returns its decompressed body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:4])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	if header[4]&flagCompressed != 0 {
		return decompress(body)
	}
	return body, nil
}

func compress(body []byte) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	zw := lz4.NewWriter(buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func decompress(body []byte) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	zr := lz4.NewReader(bytes.NewReader(body))
	if _, err := io.Copy(buf, io.LimitReader(zr, MaxFrameSize+1)); err != nil {
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	if buf.Len() > MaxFrameSize {
		return nil, fmt.Errorf("%w: decompressed body", ErrFrameTooLarge)
	}
	return bytes.Clone(buf.Bytes()), nil
}
