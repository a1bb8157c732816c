package memstore

import (
	"context"
	"fmt"

	"github.com/tetherchat/tether/internal/remote"
)

type stagedWrite struct {
	path    string
	set     remote.Document // nil unless a full set
	updates []remote.Update
	del     bool
}

// tx implements remote.Tx. It runs with the store mutex held; writes are
// staged until the transaction function returns nil.
type tx struct {
	s      *Store
	staged []stagedWrite
}

func (t *tx) Get(d remote.Doc) (remote.Snapshot, error) {
	md, ok := d.(*doc)
	if !ok {
		return remote.Snapshot{}, fmt.Errorf("memstore: foreign doc ref")
	}
	stored, ok := t.s.docs[md.path()]
	if !ok {
		return remote.Snapshot{ID: md.id}, nil
	}
	return remote.Snapshot{ID: md.id, Exists: true, Data: cloneDoc(stored)}, nil
}

func (t *tx) Set(d remote.Doc, data remote.Document) {
	t.staged = append(t.staged, stagedWrite{path: refPath(d), set: cloneDoc(data)})
}

func (t *tx) Update(d remote.Doc, updates []remote.Update) {
	t.staged = append(t.staged, stagedWrite{path: refPath(d), updates: updates})
}

func (t *tx) Delete(d remote.Doc) {
	t.staged = append(t.staged, stagedWrite{path: refPath(d), del: true})
}

// applyLocked commits staged writes and returns the touched paths. The
// commit is validated first so a failing write leaves nothing applied:
// an update must land on a document that exists or is created earlier in
// the same commit, matching the direct Doc.Update contract.
func (t *tx) applyLocked() ([]string, error) {
	exists := make(map[string]bool, len(t.staged))
	for _, w := range t.staged {
		switch {
		case w.del:
			exists[w.path] = false
		case w.set != nil:
			exists[w.path] = true
		default:
			known, seen := exists[w.path]
			if seen && !known {
				return nil, fmt.Errorf("update %s: %w", w.path, remote.ErrNotFound)
			}
			if _, ok := t.s.docs[w.path]; !ok && !known {
				return nil, fmt.Errorf("update %s: %w", w.path, remote.ErrNotFound)
			}
			exists[w.path] = true
		}
	}

	touched := make([]string, 0, len(t.staged))
	for _, w := range t.staged {
		touched = append(touched, w.path)
		switch {
		case w.del:
			delete(t.s.docs, w.path)
		case w.set != nil:
			t.s.docs[w.path] = t.s.resolveSentinelsLocked(w.set)
		default:
			t.s.applyUpdatesLocked(t.s.docs[w.path], w.updates)
		}
	}
	return touched, nil
}

// batch implements remote.Batch.
type batch struct {
	s      *Store
	staged []stagedWrite
}

func (b *batch) Set(d remote.Doc, data remote.Document) {
	b.staged = append(b.staged, stagedWrite{path: refPath(d), set: cloneDoc(data)})
}

func (b *batch) Update(d remote.Doc, updates []remote.Update) {
	b.staged = append(b.staged, stagedWrite{path: refPath(d), updates: updates})
}

func (b *batch) Delete(d remote.Doc) {
	b.staged = append(b.staged, stagedWrite{path: refPath(d), del: true})
}

func (b *batch) Commit(_ context.Context) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkFailLocked(OpBatch); err != nil {
		return err
	}
	t := &tx{s: b.s, staged: b.staged}
	touched, err := t.applyLocked()
	if err != nil {
		return err
	}
	b.s.notifyLocked(touched)
	return nil
}

func refPath(d remote.Doc) string {
	if md, ok := d.(*doc); ok {
		return md.path()
	}
	panic("memstore: foreign doc ref")
}
