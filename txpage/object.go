// Package txpage implements the transactional page cache (C3): a bounded
// cache of deserialized page objects shared across every namespace in the
// database, routing every mutation through the write-ahead log before the
// page holding it is ever evicted. Grounded in shape on the teacher's
// server/innodb/manager/buffer_pool_manager.go (RWMutex-guarded manager,
// stats block, pinning), but replacing its byte-slab LRU with an
// object-cache keyed by (namespace, page) and wired to act/CLR logging
// instead of raw buffer eviction.
package txpage

import "github.com/kvstore/kvstore/pagestore"

// Object is the deserialized in-memory form of a page's contents: a record
// page, a B+ tree node, or any other structure a namespace's Codec produces.
type Object interface {
	// IsEmpty reports whether this object represents "nothing stored here"
	// — an empty object surrenders its page back to the page allocator.
	IsEmpty() bool
	// Bytes serializes the object's content (without the leading LSN
	// prefix the cache adds when persisting).
	Bytes() []byte
}

// Event is a single logged mutation applied to one page's Object. Events
// are the unit recorded inside ACT/CLR log records (§3) and replayed during
// redo.
type Event interface {
	// Bytes serializes the event for the log.
	Bytes() []byte
	// Apply mutates obj (or returns a replacement) to reflect the event.
	Apply(obj Object) (Object, error)
}

// Codec knows how to decode a namespace's raw page bytes into an Object and
// how to produce a fresh empty Object for a page that does not yet exist.
type Codec interface {
	Decode(data []byte) (Object, error)
	Empty() Object
	// DecodeEvent decodes one event's wire bytes (as produced by
	// Event.Bytes) back into an Event, for the recovery/redo path.
	DecodeEvent(kind byte, data []byte) (Event, error)
}

// UpdateType classifies a doEvent call by its before/after emptiness (§4.5).
type UpdateType int

const (
	UpdateEmpty UpdateType = iota
	UpdateCreated
	UpdateDeleted
	UpdateAltered
)

func (u UpdateType) String() string {
	switch u {
	case UpdateEmpty:
		return "EMPTY"
	case UpdateCreated:
		return "CREATED"
	case UpdateDeleted:
		return "DELETED"
	case UpdateAltered:
		return "ALTERED"
	default:
		return "UNKNOWN"
	}
}

func classify(wasEmpty, isEmpty bool) UpdateType {
	switch {
	case wasEmpty && isEmpty:
		return UpdateEmpty
	case wasEmpty && !isEmpty:
		return UpdateCreated
	case !wasEmpty && isEmpty:
		return UpdateDeleted
	default:
		return UpdateAltered
	}
}

// PageKey identifies a page across every namespace sharing the cache.
type PageKey struct {
	NS   pagestore.Namespace
	Page pagestore.PageNum
}

// LoggedEvent is what doEvent appends to the current act's in-progress
// event buffer: enough to both redo it (namespace, page, the event bytes)
// and classify the mutation for diagnostics.
type LoggedEvent struct {
	Update UpdateType
	NS     pagestore.Namespace
	Page   pagestore.PageNum
	Kind   byte
	Data   []byte
}
