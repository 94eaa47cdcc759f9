package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outlayer-network/outlayer/protocol"
)

// TestCanonicalizeJSON_RoundTrips verifies well-formed JSON survives
// parse/re-serialize.
func TestCanonicalizeJSON_RoundTrips(t *testing.T) {
	out, err := canonicalizeJSON([]byte(`{"count":1,"ok":true}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"count":1,"ok":true}`, string(out))
}

// TestCanonicalizeJSON_RejectsMalformed verifies invalid JSON is
// rejected rather than passed through.
func TestCanonicalizeJSON_RejectsMalformed(t *testing.T) {
	_, err := canonicalizeJSON([]byte(`{not json`))
	require.Error(t, err)
}

// TestInterpretOutput_Text rejects invalid UTF-8.
func TestInterpretOutput_Text(t *testing.T) {
	_, err := interpretOutput([]byte{0xff, 0xfe}, protocol.ResponseText)
	require.Error(t, err)

	out, err := interpretOutput([]byte("hello"), protocol.ResponseText)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))
}

// TestInterpretOutput_Bytes passes raw bytes through untouched.
func TestInterpretOutput_Bytes(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xff}
	out, err := interpretOutput(raw, protocol.ResponseBytes)
	require.NoError(t, err)
	require.Equal(t, raw, out)
}

// TestInterpretOutput_UnsupportedFormat rejects an unrecognized
// response_format tag.
func TestInterpretOutput_UnsupportedFormat(t *testing.T) {
	_, err := interpretOutput([]byte("x"), protocol.ResponseFormat("xml"))
	require.Error(t, err)
}
