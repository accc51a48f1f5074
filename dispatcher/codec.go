package dispatcher

import (
	"github.com/AlexStocks/getty"
	"github.com/juju/errors"

	"github.com/kvstore/kvstore/wire"
)

// frameHeaderLen is the 4-byte little-endian payload length every frame is
// prefixed with; Read parses it itself before decoding the payload.
const frameHeaderLen = 4

// pkgCodec implements getty.ReadWriter over length-prefixed frames
// carrying either a Request (client -> server) or a Response (server ->
// client), distinguished by which side is doing the reading.
type pkgCodec struct {
	maxMsgLen int
}

func newPkgCodec(maxMsgLen int) *pkgCodec {
	return &pkgCodec{maxMsgLen: maxMsgLen}
}

// Read implements getty.Reader: it only looks at how many bytes a
// complete frame needs, leaving decoding of the payload itself to the
// session's EventListener (mirrors the teacher's MySQLEchoPkgHandler
// splitting "is there a whole package yet" from "what does it mean").
func (c *pkgCodec) Read(session getty.Session, data []byte) (interface{}, int, error) {
	if len(data) < frameHeaderLen {
		return nil, 0, nil
	}
	length, _ := wire.ReadUint32(data, 0)
	total := frameHeaderLen + int(length)
	if c.maxMsgLen > 0 && total > c.maxMsgLen {
		return nil, 0, errors.Errorf("dispatcher: frame of %d bytes exceeds max message length %d", total, c.maxMsgLen)
	}
	if len(data) < total {
		return nil, 0, nil
	}
	payload := make([]byte, length)
	copy(payload, data[frameHeaderLen:total])
	return payload, total, nil
}

// Write implements getty.Writer, framing a pre-encoded payload ([]byte)
// with its 4-byte length prefix.
func (c *pkgCodec) Write(session getty.Session, pkg interface{}) ([]byte, error) {
	payload, ok := pkg.([]byte)
	if !ok {
		return nil, errors.Errorf("dispatcher: unexpected package type %T", pkg)
	}
	buf := make([]byte, 0, frameHeaderLen+len(payload))
	buf = wire.PutUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}
