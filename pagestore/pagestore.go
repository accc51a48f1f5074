// Package pagestore is the page store abstraction (C1): namespaced,
// fixed-size page containers backed by one file per page, or an in-memory
// map for tests. Grounded on the teacher's directory-backed tablespace
// handling (server/innodb/storage/store/blocks/block_file.go) but
// simplified to the spec's exists/read/write/append/delete/list surface
// (§4.1) and its crash-atomic write protocol (§6.1).
package pagestore

import (
	"github.com/kvstore/kvstore/wire"
)

type Namespace = uint8
type PageNum = uint64

// Store is the interface the rest of the engine programs against; both the
// directory-backed and in-memory implementations satisfy it, and so does
// the copy-on-write snapshot wrapper in package snapshot.
type Store interface {
	Exists(ns Namespace, page PageNum) (bool, error)
	Read(ns Namespace, page PageNum) ([]byte, bool, error)
	Create(ns Namespace, page PageNum, initial []byte) error
	CreateOpen(ns Namespace, page PageNum) error
	Delete(ns Namespace, page PageNum) error
	Write(ns Namespace, page PageNum, data []byte) error
	Append(ns Namespace, page PageNum, data []byte) error
	OpenAppend(ns Namespace, page PageNum) error
	CloseAppend(ns Namespace, page PageNum) error
	CanAppend(ns Namespace, page PageNum) bool
	ListPages(ns Namespace) (map[PageNum]bool, error)
	ListStores() (map[Namespace]bool, error)
	Close() error
}

func checkBounds(ns Namespace, page PageNum) error {
	if uint32(ns) > wire.MaxNamespace {
		return errInvalidNamespace
	}
	if page > wire.MaxPageNumber {
		return errInvalidPageNumber
	}
	return nil
}
