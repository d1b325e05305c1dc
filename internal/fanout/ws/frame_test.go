package ws

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKey_MatchesRFC6455Example(t *testing.T) {
	// The canonical example from RFC 6455 §1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func maskedClientFrame(t *testing.T, op opcode, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer

	first := byte(0x80) | byte(op)
	n := len(payload)
	switch {
	case n <= 125:
		buf.Write([]byte{first, byte(n) | 0x80})
	case n <= 65535:
		buf.Write([]byte{first, 126 | 0x80, byte(n >> 8), byte(n)})
	default:
		buf.Write([]byte{first, 127 | 0x80})
		for i := 7; i >= 0; i-- {
			buf.WriteByte(byte(n >> (8 * i)))
		}
	}

	var maskKey [4]byte
	_, err := rand.Read(maskKey[:])
	require.NoError(t, err)
	buf.Write(maskKey[:])

	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ maskKey[i%4]
	}
	buf.Write(masked)
	return buf.Bytes()
}

// testable property #9: client frame round-trip at boundary lengths.
func TestReadFrame_RoundTripsAtBoundaryLengths(t *testing.T) {
	for _, n := range []int{0, 1, 125, 126, 65535, 65536} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		wire := maskedClientFrame(t, opBinary, payload)

		fr, err := readFrame(bytes.NewReader(wire))
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, payload, fr.payload, "length %d", n)
		assert.True(t, fr.fin)
	}
}

func TestReadFrame_RejectsUnmaskedClientFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x80 | byte(opText), 5}) // unmasked bit not set
	buf.WriteString("hello")

	_, err := readFrame(&buf)
	assert.Error(t, err)
}

func TestWriteFrame_UnmaskedServerFrameDecodesByBoundaryLength(t *testing.T) {
	for _, n := range []int{0, 125, 126, 65535, 65536} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i % 257 % 256)
		}

		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, opText, payload))

		decoded, err := decodeServerFrame(&buf)
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, payload, decoded, "length %d", n)
	}
}

// decodeServerFrame is a standards-conformant client-side decoder for
// the unmasked frames the server produces, used only by this test.
func decodeServerFrame(r *bytes.Buffer) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := r.Read(head); err != nil {
		return nil, err
	}
	length := int(head[1] & 0x7F)
	switch length {
	case 126:
		ext := make([]byte, 2)
		r.Read(ext)
		length = int(ext[0])<<8 | int(ext[1])
	case 127:
		ext := make([]byte, 8)
		r.Read(ext)
		length = 0
		for _, b := range ext {
			length = length<<8 | int(b)
		}
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := r.Read(payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}
