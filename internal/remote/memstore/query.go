package memstore

import (
	"context"
	"fmt"

	"github.com/tetherchat/tether/internal/remote"
)

type filter struct {
	path  string
	op    string
	value any
}

type order struct {
	path string
	dir  remote.Direction
}

// query implements remote.Collection (and therefore remote.Query).
type query struct {
	s       *Store
	colPath string
	filters []filter
	order   *order
	limit   int
}

func (q *query) clone() *query {
	cp := *q
	cp.filters = append([]filter(nil), q.filters...)
	if q.order != nil {
		o := *q.order
		cp.order = &o
	}
	return &cp
}

func (q *query) Where(path, op string, value any) remote.Query {
	cp := q.clone()
	cp.filters = append(cp.filters, filter{path: path, op: op, value: value})
	return cp
}

func (q *query) OrderBy(path string, dir remote.Direction) remote.Query {
	cp := q.clone()
	cp.order = &order{path: path, dir: dir}
	return cp
}

func (q *query) Limit(n int) remote.Query {
	cp := q.clone()
	cp.limit = n
	return cp
}

func (q *query) Documents(_ context.Context) ([]remote.Snapshot, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if err := q.s.checkFailLocked(OpRead); err != nil {
		return nil, err
	}
	return q.s.evaluateLocked(q), nil
}

func (q *query) Doc(id string) remote.Doc {
	return &doc{s: q.s, colPath: q.colPath, id: id}
}

func (q *query) NewDoc() remote.Doc {
	return &doc{s: q.s, colPath: q.colPath, id: newID()}
}

// doc implements remote.Doc.
type doc struct {
	s       *Store
	colPath string
	id      string
}

func (d *doc) ID() string   { return d.id }
func (d *doc) path() string { return docPath(d.colPath, d.id) }

func (d *doc) Get(_ context.Context) (remote.Snapshot, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if err := d.s.checkFailLocked(OpRead); err != nil {
		return remote.Snapshot{}, err
	}
	stored, ok := d.s.docs[d.path()]
	if !ok {
		return remote.Snapshot{ID: d.id}, nil
	}
	return remote.Snapshot{ID: d.id, Exists: true, Data: cloneDoc(stored)}, nil
}

func (d *doc) Set(_ context.Context, data remote.Document) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if err := d.s.checkFailLocked(OpCommit); err != nil {
		return err
	}
	d.s.docs[d.path()] = d.s.resolveSentinelsLocked(data)
	d.s.notifyLocked([]string{d.path()})
	return nil
}

func (d *doc) Update(_ context.Context, updates []remote.Update) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if err := d.s.checkFailLocked(OpCommit); err != nil {
		return err
	}
	stored, ok := d.s.docs[d.path()]
	if !ok {
		return fmt.Errorf("update %s: %w", d.path(), remote.ErrNotFound)
	}
	d.s.applyUpdatesLocked(stored, updates)
	d.s.notifyLocked([]string{d.path()})
	return nil
}

func (d *doc) Delete(_ context.Context) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if err := d.s.checkFailLocked(OpCommit); err != nil {
		return err
	}
	// Deleting an absent document is a satisfied precondition.
	delete(d.s.docs, d.path())
	d.s.notifyLocked([]string{d.path()})
	return nil
}

func (d *doc) Collection(name string) remote.Collection {
	return &query{s: d.s, colPath: d.path() + "/" + name}
}
