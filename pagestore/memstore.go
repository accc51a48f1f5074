package pagestore

import "sync"

// MemStore is the in-memory page store used by tests: a nested map with
// identical semantics to DirStore (§4.1 calls for both).
type MemStore struct {
	mu     sync.Mutex
	pages  map[Namespace]map[PageNum][]byte
	opens  map[Namespace]map[PageNum]bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		pages: make(map[Namespace]map[PageNum][]byte),
		opens: make(map[Namespace]map[PageNum]bool),
	}
}

func (s *MemStore) nsMap(ns Namespace) map[PageNum][]byte {
	m, ok := s.pages[ns]
	if !ok {
		m = make(map[PageNum][]byte)
		s.pages[ns] = m
	}
	return m
}

func (s *MemStore) Exists(ns Namespace, page PageNum) (bool, error) {
	if err := checkBounds(ns, page); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nsMap(ns)[page]
	return ok, nil
}

func (s *MemStore) Read(ns Namespace, page PageNum) ([]byte, bool, error) {
	if err := checkBounds(ns, page); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.nsMap(ns)[page]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (s *MemStore) Create(ns Namespace, page PageNum, initial []byte) error {
	if err := checkBounds(ns, page); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([]byte, len(initial))
	copy(data, initial)
	s.nsMap(ns)[page] = data
	return nil
}

func (s *MemStore) Write(ns Namespace, page PageNum, data []byte) error {
	return s.Create(ns, page, data)
}

func (s *MemStore) CreateOpen(ns Namespace, page PageNum) error {
	if err := checkBounds(ns, page); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.opens[ns]
	if !ok {
		m = make(map[PageNum]bool)
		s.opens[ns] = m
	}
	if m[page] {
		return errAlreadyOpen
	}
	m[page] = true
	s.nsMap(ns)[page] = []byte{}
	return nil
}

func (s *MemStore) OpenAppend(ns Namespace, page PageNum) error {
	if err := checkBounds(ns, page); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.opens[ns]
	if !ok {
		m = make(map[PageNum]bool)
		s.opens[ns] = m
	}
	if m[page] {
		return errAlreadyOpen
	}
	m[page] = true
	if _, ok := s.nsMap(ns)[page]; !ok {
		s.nsMap(ns)[page] = []byte{}
	}
	return nil
}

func (s *MemStore) CloseAppend(ns Namespace, page PageNum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.opens[ns]
	if !ok || !m[page] {
		return errNotOpenForAppend
	}
	delete(m, page)
	return nil
}

func (s *MemStore) CanAppend(ns Namespace, page PageNum) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[ns] != nil && s.opens[ns][page]
}

func (s *MemStore) Append(ns Namespace, page PageNum, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opens[ns] == nil || !s.opens[ns][page] {
		return errNotOpenForAppend
	}
	s.nsMap(ns)[page] = append(s.nsMap(ns)[page], data...)
	return nil
}

func (s *MemStore) Delete(ns Namespace, page PageNum) error {
	if err := checkBounds(ns, page); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opens[ns] != nil {
		delete(s.opens[ns], page)
	}
	delete(s.nsMap(ns), page)
	return nil
}

func (s *MemStore) ListPages(ns Namespace) (map[PageNum]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[PageNum]bool)
	for p := range s.nsMap(ns) {
		out[p] = true
	}
	return out, nil
}

func (s *MemStore) ListStores() (map[Namespace]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Namespace]bool)
	for ns, pages := range s.pages {
		if len(pages) > 0 {
			out[ns] = true
		}
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }
