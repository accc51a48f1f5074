package recordalloc

import (
	"bytes"

	"github.com/pingcap/errors"

	"github.com/kvstore/kvstore/txpage"
	"github.com/kvstore/kvstore/wire"
)

// lenFlag packs a VID's inline byte count and chained bit into one
// 2-byte little-endian field (§6.1's VID wire format): the low bit marks
// whether a trailing RID follows, and lenFlag>>1 is the inline byte
// count. Two bytes rather than one so an inline length up to maxVidLen
// never wraps the way a single length byte would past 255.
func putLenFlag(inlineLen int, chained bool) uint16 {
	v := uint16(inlineLen) << 1
	if chained {
		v |= 1
	}
	return v
}

func readLenFlag(lenFlag uint16) (inlineLen int, chained bool) {
	return int(lenFlag >> 1), lenFlag&1 != 0
}

// inlineCapacity is the largest record that fits entirely inside a VID
// without chaining (GLOSSARY: "records larger than maxVidLen − 2" need
// chaining — the 2-byte lenFlag is the fixed overhead).
func (s *Store) inlineCapacity() int { return s.maxVidLen - 2 }

// chainedInlineLen is how many leading bytes a chained VID stores inline
// before its continuation RID.
func (s *Store) chainedInlineLen() int { return s.maxVidLen - 2 - wire.RIDSize }

// PutVID stores data as a VID: inline if it fits within inlineCapacity,
// otherwise splitting it into chunkSize-byte slices chained through
// record-allocator entries (§4.4 "Variable records (VID)").
func (s *Store) PutVID(act *txpage.Act, data []byte) ([]byte, error) {
	if len(data) <= s.inlineCapacity() {
		vid := wire.PutUint16(nil, putLenFlag(len(data), false))
		return append(vid, data...), nil
	}

	inlineLen := s.chainedInlineLen()
	if inlineLen < 0 {
		return nil, errors.Errorf("recordalloc: maxVidLen %d too small to chain", s.maxVidLen)
	}
	inlinePart := data[:inlineLen]
	rest := data[inlineLen:]

	firstRID, err := s.putChain(act, rest)
	if err != nil {
		return nil, err
	}

	vid := wire.PutUint16(nil, putLenFlag(inlineLen, true))
	vid = append(vid, inlinePart...)
	vid = firstRID.Put(vid)
	return vid, nil
}

// putChain writes rest as a chain of chunkSize-byte slices (the final
// slice shorter than chunkSize), each slice's stored bytes ending with an
// 8-byte RID of its continuation (a zero RID terminates the chain), and
// returns the RID of the first slice.
func (s *Store) putChain(act *txpage.Act, rest []byte) (wire.RID, error) {
	if len(rest) == 0 {
		return wire.RID{}, nil
	}
	chunk := rest
	var tail []byte
	if len(chunk) > s.chunkSize {
		chunk, tail = rest[:s.chunkSize], rest[s.chunkSize:]
	}
	nextRID, err := s.putChain(act, tail)
	if err != nil {
		return wire.RID{}, err
	}
	slice := append([]byte{}, chunk...)
	slice = nextRID.Put(slice)
	rid, err := s.Alloc(act, slice)
	if err != nil {
		return wire.RID{}, err
	}
	return rid, nil
}

// ReadVID reconstructs the full byte string a VID represents.
func (s *Store) ReadVID(act *txpage.Act, vid []byte) ([]byte, error) {
	if len(vid) < 2 {
		return nil, errors.New("recordalloc: empty VID")
	}
	lenFlag, off := wire.ReadUint16(vid, 0)
	n, chained := readLenFlag(lenFlag)
	if !chained {
		return append([]byte{}, vid[off:off+n]...), nil
	}
	out := append([]byte{}, vid[off:off+n]...)
	rid, _ := wire.ReadRID(vid, off+n)
	rest, err := s.readChain(act, rid)
	if err != nil {
		return nil, err
	}
	return append(out, rest...), nil
}

func (s *Store) readChain(act *txpage.Act, rid wire.RID) ([]byte, error) {
	if rid.IsZero() {
		return nil, nil
	}
	slice, ok, err := s.Read(act, rid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("recordalloc: dangling VID chain RID %+v", rid)
	}
	chunk := slice[:len(slice)-wire.RIDSize]
	nextRID, _ := wire.ReadRID(slice, len(slice)-wire.RIDSize)
	rest, err := s.readChain(act, nextRID)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, chunk...), rest...), nil
}

// FreeVID unlinks and frees every chain slice a VID points to (its
// inline-only prefix needs no freeing).
func (s *Store) FreeVID(act *txpage.Act, vid []byte) error {
	if len(vid) < 2 {
		return nil
	}
	lenFlag, off := wire.ReadUint16(vid, 0)
	n, chained := readLenFlag(lenFlag)
	if !chained {
		return nil
	}
	rid, _ := wire.ReadRID(vid, off+n)
	return s.freeChain(act, rid)
}

func (s *Store) freeChain(act *txpage.Act, rid wire.RID) error {
	if rid.IsZero() {
		return nil
	}
	slice, ok, err := s.Read(act, rid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	nextRID, _ := wire.ReadRID(slice, len(slice)-wire.RIDSize)
	if err := s.Free(act, rid); err != nil {
		return err
	}
	return s.freeChain(act, nextRID)
}

// CompareVID does a byte-wise lexicographic comparison of str against the
// string a VID represents, streaming the VID one chunk at a time so large
// records never need full materialization.
func (s *Store) CompareVID(act *txpage.Act, str []byte, vid []byte) (int, error) {
	if len(vid) < 2 {
		return 0, errors.New("recordalloc: empty VID")
	}
	lenFlag, off := wire.ReadUint16(vid, 0)
	n, chained := readLenFlag(lenFlag)
	if !chained {
		return bytes.Compare(str, vid[off:off+n]), nil
	}
	inlinePart := vid[off : off+n]
	prefixLen := n
	if len(str) < prefixLen {
		prefixLen = len(str)
	}
	if c := bytes.Compare(str[:prefixLen], inlinePart[:prefixLen]); c != 0 {
		return c, nil
	}
	if len(str) < n {
		return -1, nil // str is a strict prefix of the VID's inline part
	}
	rid, _ := wire.ReadRID(vid, off+n)
	return s.compareChain(act, str[n:], rid)
}

func (s *Store) compareChain(act *txpage.Act, remaining []byte, rid wire.RID) (int, error) {
	if rid.IsZero() {
		if len(remaining) == 0 {
			return 0, nil
		}
		return 1, nil // remaining bytes left in str but the VID chain ended
	}
	slice, ok, err := s.Read(act, rid)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Errorf("recordalloc: dangling VID chain RID %+v", rid)
	}
	chunk := slice[:len(slice)-wire.RIDSize]
	nextRID, _ := wire.ReadRID(slice, len(slice)-wire.RIDSize)

	prefixLen := len(chunk)
	if len(remaining) < prefixLen {
		prefixLen = len(remaining)
	}
	if c := bytes.Compare(remaining[:prefixLen], chunk[:prefixLen]); c != 0 {
		return c, nil
	}
	if len(remaining) != prefixLen {
		return s.compareChain(act, remaining[prefixLen:], nextRID)
	}
	if len(chunk) > prefixLen {
		return -1, nil // str ran out before this chunk did
	}
	return s.compareChain(act, nil, nextRID)
}
