package pagestore

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// checksumed pages carry a trailing 8-byte little-endian xxhash64 of their
// payload (SPEC_FULL.md §12). Only Create/Write/Read go through this;
// append-mode pages (the record log's namespace) are written raw since an
// in-progress append has no final checksum to verify until it stops
// growing, and the log has its own torn-record recovery (§4.2).
func withChecksum(data []byte) []byte {
	h := xxhash.Checksum64(data)
	out := make([]byte, len(data)+8)
	copy(out, data)
	binary.LittleEndian.PutUint64(out[len(data):], h)
	return out
}

func stripChecksum(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, errChecksumMismatch
	}
	payload := data[:len(data)-8]
	want := binary.LittleEndian.Uint64(data[len(data)-8:])
	got := xxhash.Checksum64(payload)
	if want != got {
		return nil, errChecksumMismatch
	}
	return payload, nil
}
