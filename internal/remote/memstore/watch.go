package memstore

import (
	"context"
	"sync"

	"github.com/tetherchat/tether/internal/remote"
)

const watchBuffer = 32

type watch struct {
	q       *query // non-nil for query watches
	docPath string // non-empty for single-document watches
	qch     chan remote.QuerySnapshot
	dch     chan remote.DocUpdate
}

// Watch implements remote.Query.
func (q *query) Watch(_ context.Context) (<-chan remote.QuerySnapshot, func()) {
	w := &watch{q: q.clone(), qch: make(chan remote.QuerySnapshot, watchBuffer)}

	q.s.mu.Lock()
	id := q.s.nextWatch
	q.s.nextWatch++
	q.s.watches[id] = w
	// Initial delivery with the current result set.
	w.qch <- remote.QuerySnapshot{Docs: q.s.evaluateLocked(w.q)}
	q.s.mu.Unlock()

	var once sync.Once
	return w.qch, func() {
		once.Do(func() {
			q.s.mu.Lock()
			delete(q.s.watches, id)
			q.s.mu.Unlock()
		})
	}
}

// Watch implements remote.Doc.
func (d *doc) Watch(_ context.Context) (<-chan remote.DocUpdate, func()) {
	w := &watch{docPath: d.path(), dch: make(chan remote.DocUpdate, watchBuffer)}

	d.s.mu.Lock()
	id := d.s.nextWatch
	d.s.nextWatch++
	d.s.watches[id] = w
	w.dch <- remote.DocUpdate{Snap: d.s.snapshotLocked(d.path())}
	d.s.mu.Unlock()

	var once sync.Once
	return w.dch, func() {
		once.Do(func() {
			d.s.mu.Lock()
			delete(d.s.watches, id)
			d.s.mu.Unlock()
		})
	}
}

func (s *Store) snapshotLocked(path string) remote.Snapshot {
	id := path[lastSlash(path)+1:]
	stored, ok := s.docs[path]
	if !ok {
		return remote.Snapshot{ID: id}
	}
	return remote.Snapshot{ID: id, Exists: true, Data: cloneDoc(stored)}
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}

// notifyLocked pushes fresh deliveries to every watch whose scope covers a
// touched path. Delivery is non-blocking, matching the bus discipline.
func (s *Store) notifyLocked(touched []string) {
	for _, w := range s.watches {
		if !w.covers(touched) {
			continue
		}
		if w.q != nil {
			select {
			case w.qch <- remote.QuerySnapshot{Docs: s.evaluateLocked(w.q)}:
			default:
			}
			continue
		}
		select {
		case w.dch <- remote.DocUpdate{Snap: s.snapshotLocked(w.docPath)}:
		default:
		}
	}
}

func (w *watch) covers(touched []string) bool {
	for _, p := range touched {
		if w.q != nil {
			if inCollection(p, w.q.colPath) {
				return true
			}
			continue
		}
		if p == w.docPath {
			return true
		}
	}
	return false
}

// EmitWatchError injects an error delivery into every watch registered on
// the given collection path or document path. Used by tests exercising
// subscription failure handling.
func (s *Store) EmitWatchError(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watches {
		if w.q != nil && w.q.colPath == path {
			select {
			case w.qch <- remote.QuerySnapshot{Err: err}:
			default:
			}
		}
		if w.docPath == path {
			select {
			case w.dch <- remote.DocUpdate{Err: err}:
			default:
			}
		}
	}
}
