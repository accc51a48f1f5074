package recordlog

import (
	"github.com/pkg/errors"

	"github.com/kvstore/kvstore/logging"
	"github.com/kvstore/kvstore/wire"
)

// pageEntry is one successfully parsed [length][data] frame.
type pageEntry struct {
	off  int
	data []byte
}

// parsePage walks raw (the on-disk bytes of a single page, possibly shorter
// than pageSize if the page was never filled) and returns every entry that
// can be read whole. torn is true when raw ends before the page is full,
// whether mid-entry or exactly at an entry boundary; it is false only when
// parsing stopped because the page ran out of room.
func parsePage(raw []byte, pageSize, lenBytes int) (entries []pageEntry, torn bool) {
	off := 0
	for {
		if pageSize-off < lenBytes {
			return entries, false // ran out of room: page is full, not torn
		}
		if len(raw)-off < lenBytes {
			return entries, true // raw ended: next header missing or only partly written
		}
		dataLen := readEntryLen(lenBytes, raw, off)
		dataStart := off + lenBytes
		dataEnd := dataStart + dataLen
		if dataEnd > len(raw) || dataEnd > pageSize {
			return entries, true // data truncated or malformed
		}
		entries = append(entries, pageEntry{off: off, data: raw[dataStart:dataEnd]})
		off = dataEnd
	}
}

func serializeEntries(lenBytes int, entries []pageEntry) []byte {
	var out []byte
	for _, e := range entries {
		out = append(out, entryFrame(lenBytes, e.data)...)
	}
	return out
}

// recoverOnOpen runs the torn-tail recovery procedure (§4.2) and restores
// firstLSN, the tail page pointer, and the tail's on-disk length.
func (l *Log) recoverOnOpen() error {
	pages, err := l.store.ListPages(l.ns)
	if err != nil {
		return errors.Wrap(err, "recordlog: list pages on open")
	}
	delete(pages, trimMetaPage)

	if len(pages) == 0 {
		stub := entryFrame(l.lenBytes, nil)
		if err := l.store.Create(l.ns, 0, stub); err != nil {
			return errors.Wrap(err, "recordlog: create genesis page")
		}
		l.tailPage = 0
		l.tailOnDisk = uint32(len(stub))
		l.firstLSN = LSN(l.lenBytes)
		return nil
	}

	var maxPage, minPage uint64
	first := true
	for p := range pages {
		if first || p > maxPage {
			maxPage = p
		}
		if first || p < minPage {
			minPage = p
		}
		first = false
	}

	tail := maxPage
	for {
		raw, ok, err := l.store.Read(l.ns, tail)
		if err != nil {
			return errors.Wrap(err, "recordlog: read tail during recovery")
		}
		if !ok {
			raw = nil
		}
		entries, torn := parsePage(raw, int(l.pageSize), l.lenBytes)

		if torn && len(entries) == 0 {
			if tail == minPage {
				// Nothing earlier to fall back to: keep whatever (nothing)
				// survives here.
				if err := l.store.Write(l.ns, tail, nil); err != nil {
					return errors.Wrap(err, "recordlog: rewrite degenerate tail")
				}
				l.tailPage = tail
				l.tailOnDisk = 0
				break
			}
			logging.Warnf("recordlog: discarding torn tail page %d", tail)
			if err := l.store.Delete(l.ns, tail); err != nil {
				return errors.Wrap(err, "recordlog: delete torn tail")
			}
			tail--
			continue
		}

		if torn {
			// parsePage already stopped short of the incomplete trailing
			// bytes, so entries holds exactly the safely-readable prefix;
			// rewrite the page to that prefix so the torn bytes are gone.
			rewritten := serializeEntries(l.lenBytes, entries)
			if err := l.store.Write(l.ns, tail, rewritten); err != nil {
				return errors.Wrap(err, "recordlog: rewrite torn tail")
			}
			l.tailPage = tail
			l.tailOnDisk = uint32(len(rewritten))
			break
		}

		used := 0
		if len(entries) > 0 {
			last := entries[len(entries)-1]
			used = last.off + l.lenBytes + len(last.data)
		}
		if used == int(l.pageSize) {
			// Page is cleanly full: a well-formed writer always seals a
			// full page by moving on to the next one (writing its
			// disambiguator there immediately). No next page exists here,
			// so the crash landed in that gap; the tail simply continues
			// as the next, still-empty page.
			l.tailPage = tail + 1
			l.tailOnDisk = 0
			break
		}

		l.tailPage = tail
		l.tailOnDisk = uint32(used)
		break
	}

	l.tailBuf = nil
	l.tailOpen = false

	if ok, _ := l.store.Exists(l.ns, trimMetaPage); ok {
		buf, _, err := l.store.Read(l.ns, trimMetaPage)
		if err != nil {
			return errors.Wrap(err, "recordlog: read trim pointer")
		}
		if len(buf) >= 6 {
			v, _ := wire.ReadUint48(buf, 0)
			l.firstLSN = v
			return nil
		}
	}
	l.firstLSN = LSN(l.lenBytes)
	return nil
}
