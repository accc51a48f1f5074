package recordalloc

import (
	"github.com/pingcap/errors"

	"github.com/kvstore/kvstore/pagealloc"
	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/txpage"
	"github.com/kvstore/kvstore/wire"
)

// pageContentOverhead is the fixed portion of PageObject.Bytes() that
// never varies with entry count: sizeClass(1) + prev(6) + next(6) +
// count(2).
const pageContentOverhead = 15

// Store is one record-data namespace: its managed pages (pagesNS, owned
// by a pagealloc.Allocator) plus its fixed one-page class-head array
// (headerNS). Grounded in procedure on §4.4's allocation/reclassify
// algorithm.
type Store struct {
	cache     *txpage.Cache
	alloc     *pagealloc.Allocator
	pagesNS   pagestore.Namespace
	headerNS  pagestore.Namespace
	pageSize  int
	maxVidLen int
	chunkSize int
}

// NewStore registers the page and header codecs on cache and returns a
// Store managing pagesNS (via alloc) with its class-head array kept in
// headerNS. headerNS must not be used for anything else. maxVidLen bounds
// a VID's serialized length (GLOSSARY: "configured; >= record-id size +
// 2"); chunkSize is the payload size of each continuation slice in a
// chained VID.
func NewStore(cache *txpage.Cache, alloc *pagealloc.Allocator, pagesNS, headerNS pagestore.Namespace, pageSize, maxVidLen, chunkSize int) *Store {
	cache.RegisterCodec(pagesNS, pageCodec{})
	cache.RegisterCodec(headerNS, headerCodec{})
	return &Store{
		cache: cache, alloc: alloc, pagesNS: pagesNS, headerNS: headerNS,
		pageSize: pageSize, maxVidLen: maxVidLen, chunkSize: chunkSize,
	}
}

func (s *Store) pageKey(page pagestore.PageNum) txpage.PageKey {
	return txpage.PageKey{NS: s.pagesNS, Page: page}
}

func (s *Store) headerKey() txpage.PageKey {
	return txpage.PageKey{NS: s.headerNS, Page: headerPage}
}

func (s *Store) getPage(act *txpage.Act, page pagestore.PageNum) (*PageObject, error) {
	tp, err := act.Get(s.pageKey(page))
	if err != nil {
		return nil, err
	}
	return asPage(tp.Obj), nil
}

func (s *Store) getHead(act *txpage.Act, class int) (pagestore.PageNum, error) {
	tp, err := act.Get(s.headerKey())
	if err != nil {
		return noLink, err
	}
	h, ok := tp.Obj.(*HeaderObject)
	if !ok {
		return noLink, nil
	}
	return h.Heads[class], nil
}

func (s *Store) setHead(act *txpage.Act, class int, page pagestore.PageNum) error {
	return act.DoEvent(s.headerKey(), kindSetHead, setHeadEvent{Class: class, Page: page})
}

// linkState captures a page's class-list membership before a mutation, so
// reclassify can unlink it correctly afterward.
type linkState struct {
	class      int
	prev, next pagestore.PageNum
	isHead     bool
}

func (s *Store) captureLinkState(act *txpage.Act, page pagestore.PageNum) (linkState, error) {
	p, err := s.getPage(act, page)
	if err != nil {
		return linkState{}, err
	}
	head, err := s.getHead(act, p.SizeClass)
	if err != nil {
		return linkState{}, err
	}
	return linkState{class: p.SizeClass, prev: p.Prev, next: p.Next, isHead: head == page}, nil
}

func (s *Store) isLinked(ls linkState) bool {
	return ls.isHead || ls.prev != noLink
}

// unlink removes page from its class list as described by ls.
func (s *Store) unlink(act *txpage.Act, page pagestore.PageNum, ls linkState) error {
	if ls.prev != noLink {
		prevObj, err := s.getPage(act, ls.prev)
		if err != nil {
			return err
		}
		if err := act.DoEvent(s.pageKey(ls.prev), kindSetLinks, setLinksEvent{SizeClass: prevObj.SizeClass, Prev: prevObj.Prev, Next: ls.next}); err != nil {
			return err
		}
	} else if ls.isHead {
		if err := s.setHead(act, ls.class, ls.next); err != nil {
			return err
		}
	}
	if ls.next != noLink {
		nextObj, err := s.getPage(act, ls.next)
		if err != nil {
			return err
		}
		if err := act.DoEvent(s.pageKey(ls.next), kindSetLinks, setLinksEvent{SizeClass: nextObj.SizeClass, Prev: ls.prev, Next: nextObj.Next}); err != nil {
			return err
		}
	}
	return nil
}

// linkToHead pushes page onto the head of class's list.
func (s *Store) linkToHead(act *txpage.Act, page pagestore.PageNum, class int) error {
	oldHead, err := s.getHead(act, class)
	if err != nil {
		return err
	}
	if err := act.DoEvent(s.pageKey(page), kindSetLinks, setLinksEvent{SizeClass: class, Prev: noLink, Next: oldHead}); err != nil {
		return err
	}
	if oldHead != noLink {
		oldHeadObj, err := s.getPage(act, oldHead)
		if err != nil {
			return err
		}
		if err := act.DoEvent(s.pageKey(oldHead), kindSetLinks, setLinksEvent{SizeClass: oldHeadObj.SizeClass, Prev: page, Next: oldHeadObj.Next}); err != nil {
			return err
		}
	}
	return s.setHead(act, class, page)
}

// reclassify implements §4.4's "Reclassify. After any mutation..." given
// the page's class-list membership from just before the mutation.
func (s *Store) reclassify(act *txpage.Act, page pagestore.PageNum, before linkState) error {
	p, err := s.getPage(act, page)
	if err != nil {
		return err
	}
	if p.IsEmpty() {
		if s.isLinked(before) {
			if err := s.unlink(act, page, before); err != nil {
				return err
			}
		}
		return s.alloc.FreeUnusedPages(act, s.pagesNS, 4)
	}

	freeSpace := s.pageSize - pageContentOverhead - p.usedSpace()
	newClass := reclassify(before.class, freeSpace, s.pageSize-pageContentOverhead)
	if newClass == before.class && s.isLinked(before) {
		return nil
	}
	if s.isLinked(before) {
		if err := s.unlink(act, page, before); err != nil {
			return err
		}
	}
	return s.linkToHead(act, page, newClass)
}

func freeEntryID(p *PageObject) uint16 {
	for id := uint16(1); ; id++ { // id 0 on page 0 would equal the zero RID that ends a VID chain
		if _, ok := p.Entries[id]; !ok {
			return id
		}
	}
}

// Alloc implements §4.4's allocation procedure, returning the new entry's
// RID.
func (s *Store) Alloc(act *txpage.Act, data []byte) (wire.RID, error) {
	need := len(data) + entryOverhead
	start := startClassFor(need, s.pageSize-pageContentOverhead)

	var page pagestore.PageNum
	found := false
	if start >= 0 {
		for class := start; class < numSizeClasses; class++ {
			head, err := s.getHead(act, class)
			if err != nil {
				return wire.RID{}, err
			}
			if head != noLink {
				page, found = head, true
				break
			}
		}
	}
	if !found {
		p, err := s.alloc.Alloc(act, s.pagesNS)
		if err != nil {
			return wire.RID{}, errors.Trace(err)
		}
		page = p
	}

	before, err := s.captureLinkState(act, page)
	if err != nil {
		return wire.RID{}, err
	}
	p, err := s.getPage(act, page)
	if err != nil {
		return wire.RID{}, err
	}
	id := freeEntryID(p)
	if err := act.DoEvent(s.pageKey(page), kindCreateEntry, createEntryEvent{ID: id, Data: data}); err != nil {
		return wire.RID{}, err
	}
	if err := s.reclassify(act, page, before); err != nil {
		return wire.RID{}, err
	}
	return wire.RID{Page: page, EntryID: id}, nil
}

// Read returns the bytes stored at rid.
func (s *Store) Read(act *txpage.Act, rid wire.RID) ([]byte, bool, error) {
	p, err := s.getPage(act, rid.Page)
	if err != nil {
		return nil, false, err
	}
	data, ok := p.Entries[rid.EntryID]
	return data, ok, nil
}

// Write overwrites the bytes stored at rid (§4.4's WRITE_ENTRY).
func (s *Store) Write(act *txpage.Act, rid wire.RID, data []byte) error {
	before, err := s.captureLinkState(act, rid.Page)
	if err != nil {
		return err
	}
	if err := act.DoEvent(s.pageKey(rid.Page), kindWriteEntry, writeEntryEvent{ID: rid.EntryID, Data: data}); err != nil {
		return err
	}
	return s.reclassify(act, rid.Page, before)
}

// Free deletes the entry at rid (§4.4's DELETE_ENTRY).
func (s *Store) Free(act *txpage.Act, rid wire.RID) error {
	before, err := s.captureLinkState(act, rid.Page)
	if err != nil {
		return err
	}
	if err := act.DoEvent(s.pageKey(rid.Page), kindDeleteEntry, deleteEntryEvent{ID: rid.EntryID}); err != nil {
		return err
	}
	return s.reclassify(act, rid.Page, before)
}
