package engine

import "sync"

// Progress numbers jobs and tracks which of them are still outstanding.
// Jobs can finish out of order: with synchronous ingestion, or after Stop,
// every writer goroutine applies its own job. Completion is therefore a
// set, not a high-water mark.
//
// The zero value is ready to use. Progress is safe for concurrent use.
type Progress struct {
	mu      sync.Mutex
	last    int64
	pending map[int64]struct{}
}

// Start hands out the next job number and marks it outstanding.
func (p *Progress) Start() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.pending = make(map[int64]struct{})
	}
	p.last++
	p.pending[p.last] = struct{}{}
	return p.last
}

// Finish marks seq done. Finishing a job twice is a no-op.
func (p *Progress) Finish(seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, seq)
}

// Last returns the most recent job number handed out.
func (p *Progress) Last() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Outstanding returns how many started jobs have not finished.
func (p *Progress) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// SettledThrough reports whether every job numbered seq or lower has
// finished.
func (p *Progress) SettledThrough(seq int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.pending {
		if s <= seq {
			return false
		}
	}
	return true
}
