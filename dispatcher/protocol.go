package dispatcher

import (
	"github.com/juju/errors"

	"github.com/kvstore/kvstore/wire"
)

// Op identifies the operation a Request carries.
type Op uint8

const (
	OpGet Op = iota + 1
	OpSet
	OpDelete
	OpNext
)

// Request is one decoded frame: a single operation against one key (and,
// for OpSet, one value). One request maps to one transaction (§6.2).
type Request struct {
	Op    Op
	Key   []byte
	Value []byte
}

// Response is the result of executing a Request.
type Response struct {
	OK    bool
	Found bool
	Key   []byte // echoed back for OpNext, since the caller doesn't know it up front
	Value []byte
	Err   string
}

// EncodeRequest serializes req as op byte + 16-bit-length-prefixed key +
// 16-bit-length-prefixed value, matching the little framing helpers the
// rest of this module uses (wire.PutBytesWithLen16).
func EncodeRequest(req Request) []byte {
	buf := make([]byte, 0, 1+2+len(req.Key)+2+len(req.Value))
	buf = wire.PutUint8(buf, uint8(req.Op))
	buf = wire.PutBytesWithLen16(buf, req.Key)
	buf = wire.PutBytesWithLen16(buf, req.Value)
	return buf
}

// DecodeRequest is EncodeRequest's inverse.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) < 1 {
		return Request{}, errors.New("dispatcher: request frame too short")
	}
	op, off := wire.ReadUint8(buf, 0)
	key, off := wire.ReadBytesWithLen16(buf, off)
	value, _ := wire.ReadBytesWithLen16(buf, off)
	return Request{Op: Op(op), Key: key, Value: value}, nil
}

// EncodeResponse serializes resp as: ok byte, found byte, key, value, err
// string (each length-prefixed where variable-length).
func EncodeResponse(resp Response) []byte {
	ok, found := uint8(0), uint8(0)
	if resp.OK {
		ok = 1
	}
	if resp.Found {
		found = 1
	}
	buf := make([]byte, 0, 2+2+len(resp.Key)+2+len(resp.Value)+2+len(resp.Err))
	buf = wire.PutUint8(buf, ok)
	buf = wire.PutUint8(buf, found)
	buf = wire.PutBytesWithLen16(buf, resp.Key)
	buf = wire.PutBytesWithLen16(buf, resp.Value)
	buf = wire.PutBytesWithLen16(buf, []byte(resp.Err))
	return buf
}

// DecodeResponse is EncodeResponse's inverse.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < 2 {
		return Response{}, errors.New("dispatcher: response frame too short")
	}
	ok, off := wire.ReadUint8(buf, 0)
	found, off := wire.ReadUint8(buf, off)
	key, off := wire.ReadBytesWithLen16(buf, off)
	value, off := wire.ReadBytesWithLen16(buf, off)
	errBytes, _ := wire.ReadBytesWithLen16(buf, off)
	return Response{
		OK:    ok != 0,
		Found: found != 0,
		Key:   key,
		Value: value,
		Err:   string(errBytes),
	}, nil
}
