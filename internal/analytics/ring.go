package analytics

// ring is a fixed-capacity log that evicts its oldest entry when full.
type ring struct {
	buf  []Entry
	head int // index of the next write
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Entry, capacity)}
}

func (r *ring) push(e Entry) {
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// newest returns up to limit entries, most recent first. A limit <= 0
// returns every entry.
func (r *ring) newest(limit int) []Entry {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, r.buf[(r.head-i+len(r.buf))%len(r.buf)])
	}
	return out
}

func (r *ring) reset() {
	clear(r.buf)
	r.head, r.n = 0, 0
}
