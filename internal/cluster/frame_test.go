package cluster

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunked returns reads of at most size bytes.
type chunked struct {
	r    io.Reader
	size int
}

func (c chunked) Read(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.r.Read(p)
}

func TestReadFrameAnyChunking(t *testing.T) {
	msg := StartRequest{KDown: 12, KUp: 24, Epsilon: 0.001, DatasetDir: strings.Repeat("d", 3000)}
	var wire bytes.Buffer
	require.NoError(t, WriteFrame(&wire, msg))

	want, err := Marshal(msg)
	require.NoError(t, err)

	readers := map[string]func() io.Reader{
		"whole":        func() io.Reader { return bytes.NewReader(wire.Bytes()) },
		"byte by byte": func() io.Reader { return iotest.OneByteReader(bytes.NewReader(wire.Bytes())) },
		"3 bytes":      func() io.Reader { return chunked{bytes.NewReader(wire.Bytes()), 3} },
		"1021 bytes":   func() io.Reader { return chunked{bytes.NewReader(wire.Bytes()), 1021} },
		"half":         func() io.Reader { return iotest.HalfReader(bytes.NewReader(wire.Bytes())) },
	}
	for name, mk := range readers {
		t.Run(name, func(t *testing.T) {
			body, err := ReadFrame(mk())
			require.NoError(t, err)
			assert.Equal(t, want, body)

			var fields map[string]string
			require.NoError(t, json.Unmarshal(body, &fields))
			decoded, err := Decode(body)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestReadFrameSentinelAcrossReads(t *testing.T) {
	// split exactly inside "<EOF>"
	r := io.MultiReader(strings.NewReader(`{"nd":"nd"}<E`), strings.NewReader(`OF>trailing`))
	body, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"nd":"nd"}`, string(body))
}

func TestReadFrameBrokenConnection(t *testing.T) {
	_, err := ReadFrame(strings.NewReader(`{"command":"join","ip":"1.2.3.4"}`))
	assert.ErrorIs(t, err, ErrBrokenConnection)

	_, err = ReadFrame(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrBrokenConnection)
}

func TestReadFrameTooLarge(t *testing.T) {
	_, err := ReadFrame(strings.NewReader(strings.Repeat("x", MaxFrame+2*readChunk)))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadMessage(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, WriteFrame(&wire, ResultReport{K: 5, SSD: 0.125}))
	m, err := ReadMessage(iotest.OneByteReader(&wire))
	require.NoError(t, err)
	assert.Equal(t, ResultReport{K: 5, SSD: 0.125}, m)
}
