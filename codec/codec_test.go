package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestS2RoundTrip(t *testing.T) {
	c := NewS2Codec()

	var buf bytes.Buffer
	w := c.NewCompressor(&buf)
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	n, err := w.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, w.Close())

	r := c.NewDecompressor(&buf)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestS2RoundTripMultipleWrites(t *testing.T) {
	c := NewS2Codec()

	var buf bytes.Buffer
	w := c.NewCompressor(&buf)
	for i := 0; i < 100; i++ {
		_, err := w.Write([]byte("record-payload-chunk\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r := c.NewDecompressor(&buf)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, 100*len("record-payload-chunk\n"), len(got))
}
