package btree

import (
	"github.com/pingcap/errors"

	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/txpage"
	"github.com/kvstore/kvstore/wire"
)

// rootPage is the fixed page (within a tree's own rootNS) holding the
// current root's location, mirroring recordalloc's header-page
// convention: one reserved page of bookkeeping that can't share a
// namespace with the data it points into.
const rootPage = pagestore.PageNum(0)

// isLeafFlag/isBranchFlag distinguish which namespace the root currently
// lives in — it starts as a leaf (§4.7: "On the first insert the root is
// an empty leaf at (leafNamespace, page 0)") and becomes a branch once it
// first splits.
const (
	isLeafFlag   byte = 0
	isBranchFlag byte = 1
)

type rootObject struct {
	IsBranch bool
	Page     pagestore.PageNum
	Height   int
}

func (r *rootObject) IsEmpty() bool { return false }

func (r *rootObject) Bytes() []byte {
	flag := isLeafFlag
	if r.IsBranch {
		flag = isBranchFlag
	}
	buf := []byte{flag, byte(r.Height)}
	return wire.PutUint48(buf, r.Page)
}

func decodeRoot(data []byte) (*rootObject, error) {
	if len(data) == 0 {
		return &rootObject{Page: 0}, nil
	}
	if len(data) < 8 {
		return nil, errors.Errorf("btree: short root pointer (%d bytes)", len(data))
	}
	page, _ := wire.ReadUint48(data, 2)
	return &rootObject{IsBranch: data[0] == isBranchFlag, Height: int(data[1]), Page: page}, nil
}

const kindSetRoot byte = 1

type setRootEvent struct{ root *rootObject }

func (e setRootEvent) Bytes() []byte { return e.root.Bytes() }
func (e setRootEvent) Apply(txpage.Object) (txpage.Object, error) { return e.root, nil }

type rootCodec struct{}

func (rootCodec) Decode(data []byte) (txpage.Object, error) { return decodeRoot(data) }
func (rootCodec) Empty() txpage.Object                        { return &rootObject{Page: 0} }
func (rootCodec) DecodeEvent(kind byte, data []byte) (txpage.Event, error) {
	if kind != kindSetRoot {
		return nil, errors.Errorf("btree: unknown root event kind %d", kind)
	}
	r, err := decodeRoot(data)
	if err != nil {
		return nil, err
	}
	return setRootEvent{root: r}, nil
}
