package lifecycle

// history keeps the most recent resolutions, evicting the oldest first.
type history struct {
	buf   []Record
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &history{buf: make([]Record, capacity)}
}

func (h *history) push(r Record) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = r
		h.size++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// list returns the records oldest first.
func (h *history) list() []Record {
	out := make([]Record, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

func (h *history) len() int { return h.size }

func (h *history) reset() {
	clear(h.buf)
	h.start, h.size = 0, 0
}

// resolvedSet remembers the ids of resolved invasions, forgetting the oldest
// once full.
type resolvedSet struct {
	records map[string]Record
	order   []string
	next    int
}

func newResolvedSet(capacity int) *resolvedSet {
	if capacity <= 0 {
		capacity = DefaultResolvedCap
	}
	return &resolvedSet{records: make(map[string]Record, capacity), order: make([]string, 0, capacity)}
}

func (s *resolvedSet) add(r Record) {
	if _, ok := s.records[r.ID]; ok {
		s.records[r.ID] = r
		return
	}
	if len(s.order) < cap(s.order) {
		s.order = append(s.order, r.ID)
	} else {
		delete(s.records, s.order[s.next])
		s.order[s.next] = r.ID
		s.next = (s.next + 1) % len(s.order)
	}
	s.records[r.ID] = r
}

func (s *resolvedSet) get(id string) (Record, bool) {
	r, ok := s.records[id]
	return r, ok
}

func (s *resolvedSet) len() int { return len(s.records) }

func (s *resolvedSet) reset() {
	clear(s.records)
	s.order = s.order[:0]
	s.next = 0
}
