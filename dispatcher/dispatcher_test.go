package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvstore/kvstore/kv"
	"github.com/kvstore/kvstore/pagestore"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	store := pagestore.NewMemStore()
	db, err := kv.Open(store, kv.DefaultNamespaces(), kv.DefaultOptions())
	require.NoError(t, err)
	return New(db, DefaultListenerConfig())
}

func TestExecuteSetThenGet(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.execute(ctx, Request{Op: OpSet, Key: []byte("a"), Value: []byte("1")})
	require.True(t, resp.OK)
	require.Empty(t, resp.Err)

	resp = d.execute(ctx, Request{Op: OpGet, Key: []byte("a")})
	require.True(t, resp.OK)
	require.True(t, resp.Found)
	require.Equal(t, []byte("1"), resp.Value)
}

func TestExecuteGetMissingKeyNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.execute(context.Background(), Request{Op: OpGet, Key: []byte("missing")})
	require.True(t, resp.OK)
	require.False(t, resp.Found)
}

func TestExecuteDeleteMissingKeyFails(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.execute(context.Background(), Request{Op: OpDelete, Key: []byte("missing")})
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Err)
}

func TestExecuteUnknownOpFails(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.execute(context.Background(), Request{Op: Op(99), Key: []byte("a")})
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Err)
}

func TestPkgCodecRoundTripsThroughReadWrite(t *testing.T) {
	codec := newPkgCodec(1 << 20)

	payload := EncodeRequest(Request{Op: OpSet, Key: []byte("k"), Value: []byte("v")})
	framed, err := codec.Write(nil, payload)
	require.NoError(t, err)

	decoded, consumed, err := codec.Read(nil, framed)
	require.NoError(t, err)
	require.Equal(t, len(framed), consumed)
	require.Equal(t, payload, decoded.([]byte))
}

func TestPkgCodecReadWaitsForFullFrame(t *testing.T) {
	codec := newPkgCodec(1 << 20)

	framed, err := codec.Write(nil, []byte("hello"))
	require.NoError(t, err)

	decoded, consumed, err := codec.Read(nil, framed[:len(framed)-1])
	require.NoError(t, err)
	require.Nil(t, decoded)
	require.Zero(t, consumed)
}
