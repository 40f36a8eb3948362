package rpc

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       []byte
		compressed bool
	}{
		{name: "empty", body: []byte{}},
		{name: "small", body: []byte(`{"id":1,"method":"sandbox.ping"}`)},
		{name: "large repetitive", body: []byte(strings.Repeat("plugin ", 4096)), compressed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, tt.body))
			assert.Equal(t, tt.compressed, buf.Bytes()[4]&flagCompressed != 0)
			if tt.compressed {
				assert.Less(t, buf.Len(), len(tt.body))
			}

			got, err := ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.body, got)
		})
	}
}

func TestFrame_RejectsOversize(t *testing.T) {
	t.Parallel()

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:4], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrame_ShortBody(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err := ReadFrame(bytes.NewReader(truncated))
	assert.Error(t, err)
}
