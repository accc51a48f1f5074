package btree

import (
	"github.com/pingcap/errors"

	"github.com/kvstore/kvstore/pagealloc"
	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/recordalloc"
	"github.com/kvstore/kvstore/txpage"
)

// ErrNotFound is returned by Delete when key has no entry.
var ErrNotFound = errors.New("btree: key not found")

// Tree is the ordered key/value index (§4.7): leaf pages hold ordered
// (key VID, value VID) pairs and are threaded for range scans; branch
// pages route descents by comparing against separator VIDs. Keys and
// values are both stored through a recordalloc.Store (C6) so entries of
// any size share the same VID machinery the rest of the system uses;
// node pages themselves come from a pagealloc.Allocator (C5), one
// namespace for leaves and one for branches.
type Tree struct {
	cache    *txpage.Cache
	kv       *recordalloc.Store
	alloc    *pagealloc.Allocator
	leafNS   pagestore.Namespace
	branchNS pagestore.Namespace
	rootNS   pagestore.Namespace

	pageSize          int
	maxLeafEntries    int
	maxBranchChildren int
}

// New registers the tree's three page namespaces on cache and returns a
// Tree. kv stores the actual key/value bytes as VIDs; alloc manages
// leafNS and branchNS page reuse; rootNS holds a single page (the root
// descriptor). pageSize bounds a node's serialized byte footprint
// (§4.7's usedSpace-based split/merge); maxLeafEntries/maxBranchChildren
// are an additional entry-count ceiling, kept as a second, independent
// trigger so a node packed with many tiny VIDs still splits at a sane
// fan-out even though it is nowhere near pageSize in bytes.
func New(cache *txpage.Cache, kv *recordalloc.Store, alloc *pagealloc.Allocator, leafNS, branchNS, rootNS pagestore.Namespace, pageSize, maxLeafEntries, maxBranchChildren int) *Tree {
	cache.RegisterCodec(leafNS, leafCodec{})
	cache.RegisterCodec(branchNS, branchCodec{})
	cache.RegisterCodec(rootNS, rootCodec{})
	return &Tree{
		cache: cache, kv: kv, alloc: alloc,
		leafNS: leafNS, branchNS: branchNS, rootNS: rootNS,
		pageSize: pageSize, maxLeafEntries: maxLeafEntries, maxBranchChildren: maxBranchChildren,
	}
}

func (t *Tree) minLeafEntries() int    { return (t.maxLeafEntries + 1) / 2 }
func (t *Tree) minBranchChildren() int { return (t.maxBranchChildren + 1) / 2 }

// leafMaxUsedSpace/leafMinUsedSpace bound a leaf's usedSpace (§4.7): a
// node above the max must split, a node below the min (after a delete)
// must merge into a sibling.
func (t *Tree) leafMaxUsedSpace() int {
	budget := t.pageSize - leafHeaderSize
	if budget < leafEntryOverhead {
		budget = leafEntryOverhead
	}
	return budget
}
func (t *Tree) leafMinUsedSpace() int { return t.leafMaxUsedSpace() / 2 }

// branchMaxUsedSpace/branchMinUsedSpace are leafMaxUsedSpace's counterpart
// for branch nodes.
func (t *Tree) branchMaxUsedSpace() int {
	budget := t.pageSize - branchHeaderSize
	if budget < branchChildSize+branchSepOverhead {
		budget = branchChildSize + branchSepOverhead
	}
	return budget
}
func (t *Tree) branchMinUsedSpace() int { return t.branchMaxUsedSpace() / 2 }

func (t *Tree) leafKey(page pagestore.PageNum) txpage.PageKey {
	return txpage.PageKey{NS: t.leafNS, Page: page}
}

func (t *Tree) branchKey(page pagestore.PageNum) txpage.PageKey {
	return txpage.PageKey{NS: t.branchNS, Page: page}
}

func (t *Tree) rootKey() txpage.PageKey { return txpage.PageKey{NS: t.rootNS, Page: rootPage} }

func (t *Tree) getRoot(act *txpage.Act) (*rootObject, error) {
	tp, err := act.Get(t.rootKey())
	if err != nil {
		return nil, err
	}
	r, ok := tp.Obj.(*rootObject)
	if !ok {
		return &rootObject{Page: 0}, nil
	}
	return r, nil
}

func (t *Tree) setRoot(act *txpage.Act, r *rootObject) error {
	return act.DoEvent(t.rootKey(), kindSetRoot, setRootEvent{root: r})
}

func (t *Tree) getLeaf(act *txpage.Act, page pagestore.PageNum) (*LeafNode, error) {
	tp, err := act.Get(t.leafKey(page))
	if err != nil {
		return nil, err
	}
	n, ok := tp.Obj.(*LeafNode)
	if !ok {
		return newEmptyLeaf(), nil
	}
	return n, nil
}

func (t *Tree) getBranch(act *txpage.Act, page pagestore.PageNum) (*BranchNode, error) {
	tp, err := act.Get(t.branchKey(page))
	if err != nil {
		return nil, err
	}
	n, ok := tp.Obj.(*BranchNode)
	if !ok {
		return newEmptyBranch(0), nil
	}
	return n, nil
}

func (t *Tree) putLeaf(act *txpage.Act, page pagestore.PageNum, n *LeafNode) error {
	return act.DoEvent(t.leafKey(page), replaceEventKind, leafReplaceEvent{node: n})
}

func (t *Tree) putBranch(act *txpage.Act, page pagestore.PageNum, n *BranchNode) error {
	return act.DoEvent(t.branchKey(page), replaceEventKind, branchReplaceEvent{node: n})
}

// frame records one branch level descended through on the way to a leaf:
// the branch's page and the index of the child pointer followed.
type frame struct {
	page pagestore.PageNum
	idx  int
}

// descend walks from the root to the leaf that would hold key, recording
// the branch path taken so inserts/deletes can propagate fixups back up
// without a second pass.
func (t *Tree) descend(act *txpage.Act, key []byte) (pagestore.PageNum, []frame, error) {
	root, err := t.getRoot(act)
	if err != nil {
		return 0, nil, err
	}
	if !root.IsBranch {
		return root.Page, nil, nil
	}
	var path []frame
	page := root.Page
	for {
		b, err := t.getBranch(act, page)
		if err != nil {
			return 0, nil, err
		}
		idx, err := t.findChildIndex(act, b, key)
		if err != nil {
			return 0, nil, err
		}
		path = append(path, frame{page: page, idx: idx})
		child := b.Children[idx]
		if b.Height <= 1 {
			return child, path, nil
		}
		page = child
	}
}

// findChildIndex returns i such that key belongs under Children[i]:
// Separators[i] is the smallest key reachable under Children[i+1], so the
// first separator key exceeds key marks the child to descend into.
func (t *Tree) findChildIndex(act *txpage.Act, b *BranchNode, key []byte) (int, error) {
	for i, sep := range b.Separators {
		c, err := t.kv.CompareVID(act, key, sep)
		if err != nil {
			return 0, err
		}
		if c < 0 {
			return i, nil
		}
	}
	return len(b.Children) - 1, nil
}

// findLeafIndex returns the position key occupies (or would be inserted
// at) among n.Keys, and whether it is already present.
func (t *Tree) findLeafIndex(act *txpage.Act, n *LeafNode, key []byte) (int, bool, error) {
	for i, k := range n.Keys {
		c, err := t.kv.CompareVID(act, key, k)
		if err != nil {
			return 0, false, err
		}
		if c == 0 {
			return i, true, nil
		}
		if c < 0 {
			return i, false, nil
		}
	}
	return len(n.Keys), false, nil
}

// Get looks up key, returning its value and true if present.
func (t *Tree) Get(act *txpage.Act, key []byte) ([]byte, bool, error) {
	leafPage, _, err := t.descend(act, key)
	if err != nil {
		return nil, false, err
	}
	n, err := t.getLeaf(act, leafPage)
	if err != nil {
		return nil, false, err
	}
	i, found, err := t.findLeafIndex(act, n, key)
	if err != nil || !found {
		return nil, false, err
	}
	val, err := t.kv.ReadVID(act, n.Vals[i])
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Next returns the smallest existing key >= from (or the first key of
// the tree if from is empty), used by the KV façade's next()/acquireNext
// (§4.9) to find what a range scan should move to next.
func (t *Tree) Next(act *txpage.Act, from []byte) ([]byte, []byte, bool, error) {
	leafPage, _, err := t.descend(act, from)
	if err != nil {
		return nil, nil, false, err
	}
	for {
		n, err := t.getLeaf(act, leafPage)
		if err != nil {
			return nil, nil, false, err
		}
		for i, k := range n.Keys {
			c, err := t.kv.CompareVID(act, from, k)
			if err != nil {
				return nil, nil, false, err
			}
			if c <= 0 {
				rawK, err := t.kv.ReadVID(act, n.Keys[i])
				if err != nil {
					return nil, nil, false, err
				}
				rawV, err := t.kv.ReadVID(act, n.Vals[i])
				if err != nil {
					return nil, nil, false, err
				}
				return rawK, rawV, true, nil
			}
		}
		if n.Next == noLink {
			return nil, nil, false, nil
		}
		leafPage = n.Next
	}
}

// Predecessor returns the largest existing key strictly less than key,
// independent of whether key itself exists — used to find the fence a
// set/delete/next must lock when the neighbour it names is absent
// (§4.8).
func (t *Tree) Predecessor(act *txpage.Act, key []byte) ([]byte, bool, error) {
	leafPage, _, err := t.descend(act, key)
	if err != nil {
		return nil, false, err
	}
	for {
		n, err := t.getLeaf(act, leafPage)
		if err != nil {
			return nil, false, err
		}
		idx := -1
		for i, k := range n.Keys {
			c, err := t.kv.CompareVID(act, key, k)
			if err != nil {
				return nil, false, err
			}
			if c <= 0 {
				break
			}
			idx = i
		}
		if idx >= 0 {
			raw, err := t.kv.ReadVID(act, n.Keys[idx])
			return raw, true, err
		}
		if n.Prev == noLink {
			return nil, false, nil
		}
		leafPage = n.Prev
	}
}

// Last returns the tree's largest key and its value, used when a Next
// scan runs off the end and still needs a fence to lock (the predecessor
// of "nothing" is the tree's own maximum key).
func (t *Tree) Last(act *txpage.Act) ([]byte, []byte, bool, error) {
	root, err := t.getRoot(act)
	if err != nil {
		return nil, nil, false, err
	}
	page := root.Page
	if root.IsBranch {
		for {
			b, err := t.getBranch(act, page)
			if err != nil {
				return nil, nil, false, err
			}
			page = b.Children[len(b.Children)-1]
			if b.Height <= 1 {
				break
			}
		}
	}
	n, err := t.getLeaf(act, page)
	if err != nil {
		return nil, nil, false, err
	}
	if len(n.Keys) == 0 {
		return nil, nil, false, nil
	}
	last := len(n.Keys) - 1
	rawK, err := t.kv.ReadVID(act, n.Keys[last])
	if err != nil {
		return nil, nil, false, err
	}
	rawV, err := t.kv.ReadVID(act, n.Vals[last])
	if err != nil {
		return nil, nil, false, err
	}
	return rawK, rawV, true, nil
}

// Set upserts key -> value (§4.7's insert, generalized to overwrite).
func (t *Tree) Set(act *txpage.Act, key, value []byte) error {
	leafPage, path, err := t.descend(act, key)
	if err != nil {
		return err
	}
	n, err := t.getLeaf(act, leafPage)
	if err != nil {
		return err
	}
	i, found, err := t.findLeafIndex(act, n, key)
	if err != nil {
		return err
	}

	if found {
		newVal, err := t.kv.PutVID(act, value)
		if err != nil {
			return err
		}
		oldVal := n.Vals[i]
		cp := n.clone()
		cp.Vals[i] = newVal
		if err := t.putLeaf(act, leafPage, cp); err != nil {
			return err
		}
		return t.kv.FreeVID(act, oldVal)
	}

	keyVid, err := t.kv.PutVID(act, key)
	if err != nil {
		return err
	}
	valVid, err := t.kv.PutVID(act, value)
	if err != nil {
		return err
	}
	cp := n.clone()
	cp.Keys = append(cp.Keys, nil)
	copy(cp.Keys[i+1:], cp.Keys[i:])
	cp.Keys[i] = keyVid
	cp.Vals = append(cp.Vals, nil)
	copy(cp.Vals[i+1:], cp.Vals[i:])
	cp.Vals[i] = valVid

	if cp.usedSpace() > t.leafMaxUsedSpace() || len(cp.Keys) > t.maxLeafEntries {
		return t.splitLeaf(act, leafPage, cp, path)
	}
	return t.putLeaf(act, leafPage, cp)
}

// splitLeaf splits an overflowing leaf in two, threading the new leaf
// into the Prev/Next chain and propagating a separator into the parent
// (or creating a new root, if the leaf had none).
func (t *Tree) splitLeaf(act *txpage.Act, page pagestore.PageNum, n *LeafNode, path []frame) error {
	mid := n.splitIndex()

	left := &LeafNode{Prev: n.Prev, Next: noLink}
	left.Keys = append(left.Keys, n.Keys[:mid]...)
	left.Vals = append(left.Vals, n.Vals[:mid]...)

	right := &LeafNode{Prev: page, Next: n.Next}
	right.Keys = append(right.Keys, n.Keys[mid:]...)
	right.Vals = append(right.Vals, n.Vals[mid:]...)

	newPage, err := t.alloc.Alloc(act, t.leafNS)
	if err != nil {
		return err
	}
	left.Next = newPage

	if n.Next != noLink {
		nextNode, err := t.getLeaf(act, n.Next)
		if err != nil {
			return err
		}
		cp := nextNode.clone()
		cp.Prev = newPage
		if err := t.putLeaf(act, n.Next, cp); err != nil {
			return err
		}
	}

	if err := t.putLeaf(act, page, left); err != nil {
		return err
	}
	if err := t.putLeaf(act, newPage, right); err != nil {
		return err
	}

	// The separator is an independent copy of the right leaf's first key:
	// the leaf keeps its own VID, so freeing either later can't dangle
	// the other's chain.
	rawSep, err := t.kv.ReadVID(act, right.Keys[0])
	if err != nil {
		return err
	}
	sepVid, err := t.kv.PutVID(act, rawSep)
	if err != nil {
		return err
	}
	return t.propagateSplit(act, path, page, sepVid, newPage, 0)
}

// propagateSplit inserts (sep, rightPage) into the parent named by the
// last frame of path, recursing into a branch split (or, if path is
// empty, creating a new root) when that parent overflows.
func (t *Tree) propagateSplit(act *txpage.Act, path []frame, leftPage pagestore.PageNum, sep []byte, rightPage pagestore.PageNum, childHeight int) error {
	if len(path) == 0 {
		newRootPage, err := t.alloc.Alloc(act, t.branchNS)
		if err != nil {
			return err
		}
		b := &BranchNode{
			Height:     childHeight + 1,
			Children:   []pagestore.PageNum{leftPage, rightPage},
			Separators: [][]byte{sep},
		}
		if err := t.putBranch(act, newRootPage, b); err != nil {
			return err
		}
		return t.setRoot(act, &rootObject{IsBranch: true, Page: newRootPage, Height: b.Height})
	}

	last := path[len(path)-1]
	parent, err := t.getBranch(act, last.page)
	if err != nil {
		return err
	}
	cp := parent.clone()

	insertAt := last.idx + 1
	cp.Children = append(cp.Children, 0)
	copy(cp.Children[insertAt+1:], cp.Children[insertAt:])
	cp.Children[insertAt] = rightPage

	cp.Separators = append(cp.Separators, nil)
	copy(cp.Separators[last.idx+1:], cp.Separators[last.idx:])
	cp.Separators[last.idx] = sep

	if cp.usedSpace() > t.branchMaxUsedSpace() || len(cp.Children) > t.maxBranchChildren {
		return t.splitBranch(act, last.page, cp, path[:len(path)-1])
	}
	return t.putBranch(act, last.page, cp)
}

// splitBranch splits an overflowing branch, promoting its middle
// separator up (moved, not copied — it transfers ownership rather than
// duplicating the VID).
func (t *Tree) splitBranch(act *txpage.Act, page pagestore.PageNum, n *BranchNode, parentPath []frame) error {
	mid := n.splitIndex()
	upSep := n.Separators[mid]

	left := &BranchNode{Height: n.Height}
	left.Children = append(left.Children, n.Children[:mid+1]...)
	left.Separators = append(left.Separators, n.Separators[:mid]...)

	right := &BranchNode{Height: n.Height}
	right.Children = append(right.Children, n.Children[mid+1:]...)
	right.Separators = append(right.Separators, n.Separators[mid+1:]...)

	newPage, err := t.alloc.Alloc(act, t.branchNS)
	if err != nil {
		return err
	}
	if err := t.putBranch(act, page, left); err != nil {
		return err
	}
	if err := t.putBranch(act, newPage, right); err != nil {
		return err
	}
	return t.propagateSplit(act, parentPath, page, upSep, newPage, n.Height)
}

// Delete removes key, merging underflowing nodes into a sibling rather
// than attempting to borrow from one first — a deliberate simplification
// of §4.7's rebalancing (steal-then-merge) that keeps every underflow
// path a single merge-and-recurse-up shape.
func (t *Tree) Delete(act *txpage.Act, key []byte) error {
	leafPage, path, err := t.descend(act, key)
	if err != nil {
		return err
	}
	n, err := t.getLeaf(act, leafPage)
	if err != nil {
		return err
	}
	i, found, err := t.findLeafIndex(act, n, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	keyVid, valVid := n.Keys[i], n.Vals[i]
	cp := n.clone()
	cp.Keys = append(cp.Keys[:i], cp.Keys[i+1:]...)
	cp.Vals = append(cp.Vals[:i], cp.Vals[i+1:]...)
	if err := t.putLeaf(act, leafPage, cp); err != nil {
		return err
	}
	if err := t.kv.FreeVID(act, keyVid); err != nil {
		return err
	}
	if err := t.kv.FreeVID(act, valVid); err != nil {
		return err
	}

	if len(path) == 0 || (cp.usedSpace() >= t.leafMinUsedSpace() && len(cp.Keys) >= t.minLeafEntries()) {
		return nil
	}
	return t.mergeLeafUp(act, leafPage, cp, path)
}

// mergeLeafUp merges an underflowing leaf into an adjacent sibling under
// the same parent, removing the separator/child pair that distinguished
// them, and recurses into the parent if that now underflows too.
func (t *Tree) mergeLeafUp(act *txpage.Act, page pagestore.PageNum, n *LeafNode, path []frame) error {
	last := path[len(path)-1]
	parent, err := t.getBranch(act, last.page)
	if err != nil {
		return err
	}

	siblingIdx := -1
	mergeIntoLeft := false
	if last.idx+1 < len(parent.Children) {
		siblingIdx = last.idx + 1
	} else if last.idx-1 >= 0 {
		siblingIdx = last.idx - 1
		mergeIntoLeft = true
	} else {
		return nil // sole child: nothing to merge with
	}
	siblingPage := parent.Children[siblingIdx]
	sibling, err := t.getLeaf(act, siblingPage)
	if err != nil {
		return err
	}

	var merged *LeafNode
	var survivorPage, removedPage pagestore.PageNum
	if mergeIntoLeft {
		merged = sibling.clone()
		merged.Keys = append(merged.Keys, n.Keys...)
		merged.Vals = append(merged.Vals, n.Vals...)
		merged.Next = n.Next
		survivorPage, removedPage = siblingPage, page
	} else {
		merged = n.clone()
		merged.Keys = append(merged.Keys, sibling.Keys...)
		merged.Vals = append(merged.Vals, sibling.Vals...)
		merged.Next = sibling.Next
		survivorPage, removedPage = page, siblingPage
	}

	if merged.usedSpace() > t.leafMaxUsedSpace() {
		// The underflowing node and its sibling don't fit together in one
		// page: redistribute their combined entries back across both
		// pages at a balanced byte split instead of merging, leaving the
		// parent's child count untouched (§4.7's over-capacity guard on
		// merge — a sibling near leafMaxUsedSpace can't always absorb an
		// underflowing neighbour).
		return t.redistributeLeaves(act, merged, survivorPage, removedPage, last, parent, siblingIdx)
	}

	if err := t.putLeaf(act, survivorPage, merged); err != nil {
		return err
	}
	if merged.Next != noLink {
		nextNode, err := t.getLeaf(act, merged.Next)
		if err != nil {
			return err
		}
		ncp := nextNode.clone()
		ncp.Prev = survivorPage
		if err := t.putLeaf(act, merged.Next, ncp); err != nil {
			return err
		}
	}
	if err := t.putLeaf(act, removedPage, newEmptyLeaf()); err != nil {
		return err
	}
	if err := t.alloc.FreeUnusedPages(act, t.leafNS, 4); err != nil {
		return err
	}

	return t.removeParentEntry(act, last, parent, siblingIdx, path[:len(path)-1])
}

// redistributeLeaves splits merged — the concatenation of an underflowing
// leaf and its sibling, too large to fit in one page — back across
// leftPage and rightPage at a balanced byte boundary, replacing the
// separator between them in parent. Unlike a true merge this changes
// neither the parent's child count nor its own fill, so no further
// recursion up is needed.
func (t *Tree) redistributeLeaves(act *txpage.Act, merged *LeafNode, leftPage, rightPage pagestore.PageNum, last frame, parent *BranchNode, siblingIdx int) error {
	mid := merged.splitIndex()

	left := &LeafNode{Prev: merged.Prev, Next: rightPage}
	left.Keys = append(left.Keys, merged.Keys[:mid]...)
	left.Vals = append(left.Vals, merged.Vals[:mid]...)

	right := &LeafNode{Prev: leftPage, Next: merged.Next}
	right.Keys = append(right.Keys, merged.Keys[mid:]...)
	right.Vals = append(right.Vals, merged.Vals[mid:]...)

	if err := t.putLeaf(act, leftPage, left); err != nil {
		return err
	}
	if err := t.putLeaf(act, rightPage, right); err != nil {
		return err
	}
	if right.Next != noLink {
		nextNode, err := t.getLeaf(act, right.Next)
		if err != nil {
			return err
		}
		ncp := nextNode.clone()
		ncp.Prev = rightPage
		if err := t.putLeaf(act, right.Next, ncp); err != nil {
			return err
		}
	}

	rawSep, err := t.kv.ReadVID(act, right.Keys[0])
	if err != nil {
		return err
	}
	newSep, err := t.kv.PutVID(act, rawSep)
	if err != nil {
		return err
	}

	sepIdx := last.idx
	if siblingIdx < last.idx {
		sepIdx = siblingIdx
	}
	oldSep := parent.Separators[sepIdx]
	cp := parent.clone()
	cp.Separators[sepIdx] = newSep
	if err := t.putBranch(act, last.page, cp); err != nil {
		return err
	}
	return t.kv.FreeVID(act, oldSep)
}

// removeParentEntry drops the child pointer at max(last.idx, siblingIdx)
// and the separator at min(last.idx, siblingIdx) from parent (identified
// by last.page), freeing the removed separator's VID and collapsing or
// recursively merging the parent if it underflows.
func (t *Tree) removeParentEntry(act *txpage.Act, last frame, parent *BranchNode, siblingIdx int, grandparentPath []frame) error {
	childRemoveIdx, sepRemoveIdx := last.idx, siblingIdx
	if siblingIdx > last.idx {
		childRemoveIdx, sepRemoveIdx = siblingIdx, last.idx
	}

	removedSep := parent.Separators[sepRemoveIdx]
	cp := parent.clone()
	cp.Children = append(cp.Children[:childRemoveIdx], cp.Children[childRemoveIdx+1:]...)
	cp.Separators = append(cp.Separators[:sepRemoveIdx], cp.Separators[sepRemoveIdx+1:]...)

	if err := t.kv.FreeVID(act, removedSep); err != nil {
		return err
	}

	if len(grandparentPath) == 0 {
		if len(cp.Children) == 1 {
			sole := cp.Children[0]
			childHeight := parent.Height - 1
			if err := t.putBranch(act, last.page, newEmptyBranch(0)); err != nil {
				return err
			}
			if err := t.alloc.FreeUnusedPages(act, t.branchNS, 4); err != nil {
				return err
			}
			return t.setRoot(act, &rootObject{IsBranch: childHeight > 0, Page: sole, Height: childHeight})
		}
		return t.putBranch(act, last.page, cp)
	}

	if err := t.putBranch(act, last.page, cp); err != nil {
		return err
	}
	if cp.usedSpace() >= t.branchMinUsedSpace() && len(cp.Children) >= t.minBranchChildren() {
		return nil
	}
	return t.mergeBranchUp(act, last.page, cp, grandparentPath)
}

// mergeBranchUp is mergeLeafUp's counterpart for branch nodes: no
// Prev/Next threading, but otherwise the same merge-into-a-sibling shape.
func (t *Tree) mergeBranchUp(act *txpage.Act, page pagestore.PageNum, n *BranchNode, path []frame) error {
	last := path[len(path)-1]
	parent, err := t.getBranch(act, last.page)
	if err != nil {
		return err
	}

	siblingIdx := -1
	mergeIntoLeft := false
	if last.idx+1 < len(parent.Children) {
		siblingIdx = last.idx + 1
	} else if last.idx-1 >= 0 {
		siblingIdx = last.idx - 1
		mergeIntoLeft = true
	} else {
		return nil
	}
	siblingPage := parent.Children[siblingIdx]
	sibling, err := t.getBranch(act, siblingPage)
	if err != nil {
		return err
	}

	sepKeepIdx := last.idx
	if siblingIdx < last.idx {
		sepKeepIdx = siblingIdx
	}
	downSep := parent.Separators[sepKeepIdx]

	var merged *BranchNode
	var survivorPage, removedPage pagestore.PageNum
	if mergeIntoLeft {
		merged = sibling.clone()
		merged.Separators = append(merged.Separators, downSep)
		merged.Separators = append(merged.Separators, n.Separators...)
		merged.Children = append(merged.Children, n.Children...)
		survivorPage, removedPage = siblingPage, page
	} else {
		merged = n.clone()
		merged.Separators = append(merged.Separators, downSep)
		merged.Separators = append(merged.Separators, sibling.Separators...)
		merged.Children = append(merged.Children, sibling.Children...)
		survivorPage, removedPage = page, siblingPage
	}

	if merged.usedSpace() > t.branchMaxUsedSpace() {
		// As with mergeLeafUp: the two branches' combined content doesn't
		// fit in one page, so redistribute rather than merge.
		return t.redistributeBranches(act, merged, survivorPage, removedPage, last, parent, siblingIdx)
	}

	if err := t.putBranch(act, survivorPage, merged); err != nil {
		return err
	}
	if err := t.putBranch(act, removedPage, newEmptyBranch(0)); err != nil {
		return err
	}
	if err := t.alloc.FreeUnusedPages(act, t.branchNS, 4); err != nil {
		return err
	}

	return t.removeParentEntry(act, last, parent, siblingIdx, path[:len(path)-1])
}

// redistributeBranches is redistributeLeaves's counterpart for branch
// nodes: merged (too large to fit in one page) is split back across
// leftPage/rightPage at a balanced byte boundary, promoting the middle
// separator into parent in place of the one that used to sit between
// them — the same shape splitBranch uses, but reusing the existing two
// pages instead of allocating a new one.
func (t *Tree) redistributeBranches(act *txpage.Act, merged *BranchNode, leftPage, rightPage pagestore.PageNum, last frame, parent *BranchNode, siblingIdx int) error {
	mid := merged.splitIndex()
	upSep := merged.Separators[mid]

	left := &BranchNode{Height: merged.Height}
	left.Children = append(left.Children, merged.Children[:mid+1]...)
	left.Separators = append(left.Separators, merged.Separators[:mid]...)

	right := &BranchNode{Height: merged.Height}
	right.Children = append(right.Children, merged.Children[mid+1:]...)
	right.Separators = append(right.Separators, merged.Separators[mid+1:]...)

	if err := t.putBranch(act, leftPage, left); err != nil {
		return err
	}
	if err := t.putBranch(act, rightPage, right); err != nil {
		return err
	}

	// Unlike redistributeLeaves' separator (an independent copy owned only
	// by the parent slot), a branch separator is moved rather than copied
	// (splitBranch's convention): the one dropped from parent here is not
	// discarded, it is exactly one of upSep, left.Separators or
	// right.Separators, so nothing is freed.
	sepIdx := last.idx
	if siblingIdx < last.idx {
		sepIdx = siblingIdx
	}
	cp := parent.clone()
	cp.Separators[sepIdx] = upSep
	return t.putBranch(act, last.page, cp)
}
