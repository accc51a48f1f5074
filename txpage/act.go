package txpage

import "github.com/pkg/errors"

// Act is one in-progress logical operation: the set of pages it touches
// (kept pinned for its lifetime) and the ordered events it has produced,
// ready to be embedded in an ACT or CLR log record (§4.5, §4.6).
type Act struct {
	cache   *Cache
	pinned  map[PageKey]bool
	order   []PageKey
	Events  []LoggedEvent
}

// BeginAct starts a new act against this cache.
func (c *Cache) BeginAct() *Act {
	return &Act{cache: c, pinned: make(map[PageKey]bool)}
}

func (a *Act) touch(key PageKey) {
	if !a.pinned[key] {
		a.pinned[key] = true
		a.order = append(a.order, key)
		// Load first so pin finds the entry; callers load again and report errors.
		_, _ = a.cache.loadOrCreate(key)
		a.cache.pin(key)
	}
}

// DoEvent applies event to the page (ns, page), pinning it for the
// lifetime of the act and recording a LoggedEvent for the log (§4.5 step
// 1-4).
func (a *Act) DoEvent(key PageKey, kind byte, event Event) error {
	a.touch(key)
	tp, err := a.cache.loadOrCreate(key)
	if err != nil {
		return err
	}
	wasEmpty := tp.Obj.IsEmpty()
	newObj, err := event.Apply(tp.Obj)
	if err != nil {
		return errors.Wrap(err, "txpage: apply event")
	}
	tp.Obj = newObj
	isEmpty := newObj.IsEmpty()
	a.Events = append(a.Events, LoggedEvent{
		Update: classify(wasEmpty, isEmpty),
		NS:     key.NS,
		Page:   key.Page,
		Kind:   kind,
		Data:   event.Bytes(),
	})
	return nil
}

// RedoEvent reapplies a previously-logged event during recovery, guarded
// both by actLsn (skip if the page already reflects an act at or beyond
// this LSN, per §4.6's "guarded by page.pageLsn < actLsn") and by the
// rule that the page's current emptiness must match what the original
// update type implies (§4.5).
func (a *Act) RedoEvent(le LoggedEvent, actLsn uint64) error {
	key := PageKey{NS: le.NS, Page: le.Page}
	a.touch(key)
	tp, err := a.cache.loadOrCreate(key)
	if err != nil {
		return err
	}
	if tp.PageLsn >= actLsn {
		return nil
	}
	codec, err := a.cache.codecFor(le.NS)
	if err != nil {
		return err
	}
	ev, err := codec.DecodeEvent(le.Kind, le.Data)
	if err != nil {
		return errors.Wrap(err, "txpage: decode event for redo")
	}
	expectEmptyBefore := le.Update == UpdateCreated || le.Update == UpdateEmpty
	if tp.Obj.IsEmpty() != expectEmptyBefore {
		return nil
	}
	newObj, err := ev.Apply(tp.Obj)
	if err != nil {
		return errors.Wrap(err, "txpage: apply redo event")
	}
	tp.Obj = newObj
	return nil
}

// Get returns the current object at (ns, page), pinning it for the act's
// lifetime, without logging any mutation (used by read-modify-free paths
// like the record allocator's reclassify).
func (a *Act) Get(key PageKey) (*TxPage, error) {
	a.touch(key)
	return a.cache.loadOrCreate(key)
}

// TouchedKeys returns every page this act pinned, in first-touch order.
func (a *Act) TouchedKeys() []PageKey {
	out := make([]PageKey, len(a.order))
	copy(out, a.order)
	return out
}

// Close unpins every page the act touched. The transaction engine calls
// this once the act's record is appended to the log and pageLsn/DPT updated.
func (a *Act) Close() {
	for _, key := range a.order {
		a.cache.unpin(key)
	}
}
