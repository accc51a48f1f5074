package recordalloc

import (
	"github.com/pingcap/errors"

	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/txpage"
	"github.com/kvstore/kvstore/wire"
)

// headerPage is the single reserved page (within a record namespace's
// dedicated header namespace) holding one first-page pointer per size
// class (§4.4: "A separate header page per record namespace holds an
// array of 25 first-page pointers, one per size class").
const headerPage = pagestore.PageNum(0)

// HeaderObject is never surrendered to the page allocator: it's the one
// fixed page of a namespace that pagealloc never manages.
type HeaderObject struct {
	Heads [numSizeClasses]pagestore.PageNum
}

func newEmptyHeader() *HeaderObject {
	h := &HeaderObject{}
	for i := range h.Heads {
		h.Heads[i] = noLink
	}
	return h
}

func (h *HeaderObject) clone() *HeaderObject {
	cp := *h
	return &cp
}

// IsEmpty always reports false: the header page is permanent bookkeeping,
// never a candidate for reuse by pagealloc.
func (h *HeaderObject) IsEmpty() bool { return false }

func (h *HeaderObject) Bytes() []byte {
	var buf []byte
	for _, p := range h.Heads {
		buf = wire.PutUint48(buf, p)
	}
	return buf
}

func decodeHeader(data []byte) (*HeaderObject, error) {
	h := newEmptyHeader()
	off := 0
	for i := 0; i < numSizeClasses && off+6 <= len(data); i++ {
		h.Heads[i], off = wire.ReadUint48(data, off)
	}
	return h, nil
}

const kindSetHead byte = 1

type setHeadEvent struct {
	Class int
	Page  pagestore.PageNum
}

func (e setHeadEvent) Bytes() []byte {
	buf := []byte{byte(e.Class)}
	return wire.PutUint48(buf, e.Page)
}

func (e setHeadEvent) Apply(obj txpage.Object) (txpage.Object, error) {
	h, ok := obj.(*HeaderObject)
	if !ok {
		h = newEmptyHeader()
	}
	h = h.clone()
	h.Heads[e.Class] = e.Page
	return h, nil
}

type headerCodec struct{}

func (headerCodec) Decode(data []byte) (txpage.Object, error) { return decodeHeader(data) }
func (headerCodec) Empty() txpage.Object                       { return newEmptyHeader() }

func (headerCodec) DecodeEvent(kind byte, data []byte) (txpage.Event, error) {
	if kind != kindSetHead {
		return nil, errors.Errorf("recordalloc: unknown header event kind %d", kind)
	}
	class := int(data[0])
	page, _ := wire.ReadUint48(data, 1)
	return setHeadEvent{Class: class, Page: page}, nil
}
