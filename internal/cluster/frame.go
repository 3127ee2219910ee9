package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Sentinel terminates every frame. There is no length prefix.
const Sentinel = "<EOF>"

// MaxFrame bounds the bytes buffered while waiting for the sentinel.
const MaxFrame = 1 << 20

// readChunk is the size of a single receive.
const readChunk = 1024

var sentinel = []byte(Sentinel)

// ReadFrame buffers reads from r until the sentinel appears and returns the
// bytes before it. Partial reads accumulate. A reader that ends before the
// sentinel yields ErrBrokenConnection; a frame above MaxFrame yields
// ErrProtocol.
func ReadFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			// the sentinel may straddle two reads
			from := len(buf) - len(sentinel) + 1
			if from < 0 {
				from = 0
			}
			buf = append(buf, chunk[:n]...)
			if i := bytes.Index(buf[from:], sentinel); i >= 0 {
				return buf[:from+i], nil
			}
			if len(buf) > MaxFrame {
				return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocol, MaxFrame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: closed after %d bytes without %s", ErrBrokenConnection, len(buf), Sentinel)
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
	}
}

// WriteFrame writes m followed by the sentinel.
func WriteFrame(w io.Writer, m Message) error {
	body, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(append(body, sentinel...))
	return err
}

// ReadMessage reads one frame from r and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}
