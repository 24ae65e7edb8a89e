package queue

import (
	"sync"

	"github.com/ehrlich-b/go-virtblk/internal/pending"
)

// entryPool recycles pending entries so the submission path does not
// allocate per request.
//
// An entry handed to the device is pinned and referenced from the pending
// table, so the pool only ever sees entries the device no longer uses.
// put unpins before recycling.
type entryPool struct {
	pool sync.Pool
}

func newEntryPool() *entryPool {
	return &entryPool{
		pool: sync.Pool{New: func() any { return new(pending.Entry) }},
	}
}

// get returns an unpinned entry. Callers Reset it before use.
func (p *entryPool) get() *pending.Entry {
	return p.pool.Get().(*pending.Entry)
}

// put returns an entry whose device operation has finished
func (p *entryPool) put(e *pending.Entry) {
	e.Unpin()
	p.pool.Put(e)
}
