package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrips(t *testing.T) {
	req := Request{Op: OpSet, Key: []byte("k"), Value: []byte("v")}
	decoded, err := DecodeRequest(EncodeRequest(req))
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestResponseRoundTrips(t *testing.T) {
	resp := Response{OK: true, Found: true, Key: []byte("k"), Value: []byte("v"), Err: "boom"}
	decoded, err := DecodeResponse(EncodeResponse(resp))
	require.NoError(t, err)
	require.Equal(t, resp, decoded)
}

func TestDecodeRequestRejectsEmptyFrame(t *testing.T) {
	_, err := DecodeRequest(nil)
	require.Error(t, err)
}
