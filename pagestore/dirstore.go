package pagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/kvstore/kvstore/logging"
)

// DirStore is the directory-backed page store (§4.1, §6.1). Each page is a
// file named "<namespace>_<pageNum>"; an auxiliary subdirectory holds
// in-flight writes so a crash never leaves a page half-written.
type DirStore struct {
	root   string // <db-root>/data
	auxDir string // <db-root>/data/_

	mu    sync.Mutex
	opens map[string]*os.File // "<ns>_<page>" -> open append handle
}

// OpenDirStore opens (and, on first use, creates) a directory-backed page
// store rooted at dir, sweeping the aux directory per the crash-atomic
// write protocol in §6.1.
func OpenDirStore(dir string) (*DirStore, error) {
	aux := filepath.Join(dir, "_")
	if err := os.MkdirAll(aux, 0o755); err != nil {
		return nil, errors.Wrap(err, "pagestore: create aux dir")
	}
	s := &DirStore{root: dir, auxDir: aux, opens: make(map[string]*os.File)}
	if err := s.sweepAux(); err != nil {
		return nil, err
	}
	return s, nil
}

func fileName(ns Namespace, page PageNum) string {
	return fmt.Sprintf("%d_%d", ns, page)
}

func (s *DirStore) mainPath(ns Namespace, page PageNum) string {
	return filepath.Join(s.root, fileName(ns, page))
}

func (s *DirStore) newPath(ns Namespace, page PageNum) string {
	return filepath.Join(s.auxDir, fileName(ns, page)+"_NEW")
}

func (s *DirStore) delPath(ns Namespace, page PageNum) string {
	return filepath.Join(s.auxDir, fileName(ns, page)+"_DEL")
}

// sweepAux implements §4.1's crash recovery: any "_DEL" is deleted outright
// (an uncommitted first-time write never gets promoted); any "_NEW" is
// promoted to main only if main is absent, otherwise it's a stale
// leftover from a write whose rename already completed and is discarded.
func (s *DirStore) sweepAux() error {
	entries, err := os.ReadDir(s.auxDir)
	if err != nil {
		return errors.Wrap(err, "pagestore: read aux dir")
	}
	for _, ent := range entries {
		name := ent.Name()
		auxPath := filepath.Join(s.auxDir, name)
		switch {
		case strings.HasSuffix(name, "_DEL"):
			if err := os.Remove(auxPath); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(err, "pagestore: sweep _DEL")
			}
		case strings.HasSuffix(name, "_NEW"):
			base := strings.TrimSuffix(name, "_NEW")
			main := filepath.Join(s.root, base)
			if _, err := os.Stat(main); os.IsNotExist(err) {
				if err := os.Rename(auxPath, main); err != nil {
					return errors.Wrap(err, "pagestore: sweep _NEW promote")
				}
				logging.Debugf("pagestore: recovered pending write %s", base)
			} else {
				if err := os.Remove(auxPath); err != nil && !os.IsNotExist(err) {
					return errors.Wrap(err, "pagestore: sweep _NEW discard")
				}
			}
		}
	}
	return nil
}

func (s *DirStore) Exists(ns Namespace, page PageNum) (bool, error) {
	if err := checkBounds(ns, page); err != nil {
		return false, err
	}
	_, err := os.Stat(s.mainPath(ns, page))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "pagestore: stat")
}

func (s *DirStore) Read(ns Namespace, page PageNum) ([]byte, bool, error) {
	if err := checkBounds(ns, page); err != nil {
		return nil, false, err
	}
	raw, err := os.ReadFile(s.mainPath(ns, page))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "pagestore: read")
	}
	if len(raw) == 0 {
		return raw, true, nil
	}
	payload, err := stripChecksum(raw)
	if err != nil {
		return nil, true, err
	}
	return payload, true, nil
}

// Create writes a page that must not already exist as an open-append page.
// Non-empty initial data goes through the "_DEL" side-file move, matching
// §4.1: "empty create writes an empty main file directly."
func (s *DirStore) Create(ns Namespace, page PageNum, initial []byte) error {
	if err := checkBounds(ns, page); err != nil {
		return err
	}
	if len(initial) == 0 {
		return errors.Wrap(os.WriteFile(s.mainPath(ns, page), nil, 0o644), "pagestore: create empty")
	}
	return s.sideWriteAndRename(s.delPath(ns, page), s.mainPath(ns, page), withChecksum(initial))
}

// Write overwrites an existing page's contents atomically via the "_NEW"
// side file.
func (s *DirStore) Write(ns Namespace, page PageNum, data []byte) error {
	if err := checkBounds(ns, page); err != nil {
		return err
	}
	return s.sideWriteAndRename(s.newPath(ns, page), s.mainPath(ns, page), withChecksum(data))
}

func (s *DirStore) sideWriteAndRename(sidePath, mainPath string, data []byte) error {
	f, err := os.OpenFile(sidePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "pagestore: open side file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "pagestore: write side file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "pagestore: fsync side file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "pagestore: close side file")
	}
	if err := os.Rename(sidePath, mainPath); err != nil {
		return errors.Wrap(err, "pagestore: rename side file")
	}
	return nil
}

func (s *DirStore) CreateOpen(ns Namespace, page PageNum) error {
	if err := checkBounds(ns, page); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fileName(ns, page)
	if _, ok := s.opens[key]; ok {
		return errAlreadyOpen
	}
	f, err := os.OpenFile(s.mainPath(ns, page), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "pagestore: createOpen")
	}
	s.opens[key] = f
	return nil
}

func (s *DirStore) OpenAppend(ns Namespace, page PageNum) error {
	if err := checkBounds(ns, page); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fileName(ns, page)
	if _, ok := s.opens[key]; ok {
		return errAlreadyOpen
	}
	f, err := os.OpenFile(s.mainPath(ns, page), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "pagestore: openAppend")
	}
	s.opens[key] = f
	return nil
}

func (s *DirStore) CloseAppend(ns Namespace, page PageNum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fileName(ns, page)
	f, ok := s.opens[key]
	if !ok {
		return errNotOpenForAppend
	}
	delete(s.opens, key)
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "pagestore: fsync on closeAppend")
	}
	return errors.Wrap(f.Close(), "pagestore: closeAppend")
}

func (s *DirStore) CanAppend(ns Namespace, page PageNum) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.opens[fileName(ns, page)]
	return ok
}

func (s *DirStore) Append(ns Namespace, page PageNum, data []byte) error {
	s.mu.Lock()
	f, ok := s.opens[fileName(ns, page)]
	s.mu.Unlock()
	if !ok {
		return errNotOpenForAppend
	}
	_, err := f.Write(data)
	return errors.Wrap(err, "pagestore: append")
}

// Delete closes the append handle if open, then unlinks the main file.
func (s *DirStore) Delete(ns Namespace, page PageNum) error {
	if err := checkBounds(ns, page); err != nil {
		return err
	}
	s.mu.Lock()
	key := fileName(ns, page)
	if f, ok := s.opens[key]; ok {
		f.Close()
		delete(s.opens, key)
	}
	s.mu.Unlock()
	err := os.Remove(s.mainPath(ns, page))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "pagestore: delete")
}

func (s *DirStore) ListPages(ns Namespace) (map[PageNum]bool, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "pagestore: list pages")
	}
	prefix := strconv.Itoa(int(ns)) + "_"
	out := make(map[PageNum]bool)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		numStr := name[len(prefix):]
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		out[n] = true
	}
	return out, nil
}

func (s *DirStore) ListStores() (map[Namespace]bool, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "pagestore: list stores")
	}
	out := make(map[Namespace]bool)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		parts := strings.SplitN(ent.Name(), "_", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.Atoi(parts[0])
		if err != nil || n < 0 || n > 255 {
			continue
		}
		out[Namespace(n)] = true
	}
	return out, nil
}

func (s *DirStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, f := range s.opens {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.opens, key)
	}
	return firstErr
}
