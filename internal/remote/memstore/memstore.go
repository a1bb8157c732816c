// Package memstore is an in-process implementation of the remote store
// contract. It backs the development daemon and the engine's tests: one
// mutex gives serializable transactions, watches are re-evaluated after
// every commit, and failures can be injected per operation class.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetherchat/tether/internal/remote"
)

// Operation classes for fault injection.
const (
	OpRead   = "read"   // doc gets and query executions
	OpCommit = "commit" // doc writes and transaction commits
	OpBatch  = "batch"  // batch commits
)

type failure struct {
	remaining int
	err       error
}

// Store implements remote.Client.
type Store struct {
	mu        sync.Mutex
	docs      map[string]remote.Document // full doc path -> document
	watches   map[int]*watch
	nextWatch int
	failures  map[string]*failure
	clock     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		docs:     make(map[string]remote.Document),
		watches:  make(map[int]*watch),
		failures: make(map[string]*failure),
		clock:    time.Now,
	}
}

// SetClock overrides the store clock used for server timestamps.
func (s *Store) SetClock(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = fn
}

// Fail arranges for the next n operations of the given class to return
// err.
func (s *Store) Fail(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{remaining: n, err: err}
}

func (s *Store) checkFailLocked(op string) error {
	f := s.failures[op]
	if f == nil || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

// Put seeds a document at the given full path ("users/u1",
// "conversations/c1/messages/m1"). Watches are notified.
func (s *Store) Put(path string, doc remote.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = cloneDoc(doc)
	s.notifyLocked([]string{path})
}

// DocData returns a copy of the document at path, if present.
func (s *Store) DocData(path string) (remote.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[path]
	if !ok {
		return nil, false
	}
	return cloneDoc(d), true
}

// Len reports the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Collection implements remote.Client.
func (s *Store) Collection(name string) remote.Collection {
	return &query{s: s, colPath: name}
}

// RunTransaction implements remote.Client. The transaction function runs
// under the store mutex; writes are staged and applied only when fn
// returns nil, so no intermediate state is observable.
func (s *Store) RunTransaction(_ context.Context, fn func(tx remote.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	if err := fn(t); err != nil {
		return err
	}
	if err := s.checkFailLocked(OpCommit); err != nil {
		return err
	}
	touched, err := t.applyLocked()
	if err != nil {
		return err
	}
	s.notifyLocked(touched)
	return nil
}

// Batch implements remote.Client.
func (s *Store) Batch() remote.Batch {
	return &batch{s: s}
}

// parent returns the document path owning a subcollection path, or "".
func docPath(colPath, id string) string { return colPath + "/" + id }

// inCollection reports whether path names a direct member of colPath.
func inCollection(path, colPath string) bool {
	rest, ok := strings.CutPrefix(path, colPath+"/")
	return ok && !strings.Contains(rest, "/")
}

func cloneDoc(d remote.Document) remote.Document {
	if d == nil {
		return nil
	}
	out := make(remote.Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case remote.Document:
		return cloneDoc(t)
	case map[string]any:
		return map[string]any(cloneDoc(remote.Document(t)))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// applyUpdatesLocked mutates doc in place following dotted field paths.
func (s *Store) applyUpdatesLocked(doc remote.Document, updates []remote.Update) {
	now := s.clock()
	for _, u := range updates {
		parts := strings.Split(u.Path, ".")
		node := map[string]any(doc)
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		leaf := parts[len(parts)-1]
		switch {
		case remote.IsDeleteField(u.Value):
			delete(node, leaf)
		case remote.IsServerTimestamp(u.Value):
			node[leaf] = now
		default:
			if n, ok := remote.IncrementValue(u.Value); ok {
				node[leaf] = asInt64(node[leaf]) + n
				continue
			}
			if m, ok := u.Value.(map[string]any); ok {
				node[leaf] = map[string]any(s.resolveSentinelsLocked(remote.Document(m)))
				continue
			}
			node[leaf] = cloneValue(u.Value)
		}
	}
}

// resolveSentinels replaces write sentinels in a full document set.
func (s *Store) resolveSentinelsLocked(doc remote.Document) remote.Document {
	now := s.clock()
	out := make(remote.Document, len(doc))
	for k, v := range doc {
		switch {
		case remote.IsServerTimestamp(v):
			out[k] = now
		case remote.IsDeleteField(v):
			// Deleting a field in a full set is a no-op.
		default:
			if m, ok := v.(map[string]any); ok {
				out[k] = map[string]any(s.resolveSentinelsLocked(remote.Document(m)))
				continue
			}
			out[k] = cloneValue(v)
		}
	}
	return out
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func lookupPath(doc remote.Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(doc)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	case time.Time:
		bv, _ := b.(time.Time)
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		}
		return 0
	case bool:
		bv, _ := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	default:
		ai := asInt64(a)
		bi := asInt64(b)
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
}

func matchesFilter(doc remote.Document, f filter) bool {
	v, ok := lookupPath(doc, f.path)
	if !ok {
		return false
	}
	switch f.op {
	case remote.OpEqual:
		return compareValues(v, f.value) == 0 && sameKind(v, f.value)
	case remote.OpArrayContains:
		switch arr := v.(type) {
		case []any:
			for _, e := range arr {
				if compareValues(e, f.value) == 0 && sameKind(e, f.value) {
					return true
				}
			}
		case []string:
			want, _ := f.value.(string)
			for _, e := range arr {
				if e == want {
					return true
				}
			}
		}
	}
	return false
}

// sameKind guards compareValues' zero-value coercion: "" == 0 must not
// count as equal.
func sameKind(a, b any) bool {
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	case time.Time:
		_, ok := b.(time.Time)
		return ok
	default:
		switch b.(type) {
		case string, bool, time.Time:
			return false
		}
		return true
	}
}

// evaluateLocked runs a query against current state.
func (s *Store) evaluateLocked(q *query) []remote.Snapshot {
	var out []remote.Snapshot
	for path, doc := range s.docs {
		if !inCollection(path, q.colPath) {
			continue
		}
		ok := true
		for _, f := range q.filters {
			if !matchesFilter(doc, f) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		id := path[strings.LastIndex(path, "/")+1:]
		out = append(out, remote.Snapshot{ID: id, Exists: true, Data: cloneDoc(doc)})
	}
	if q.order != nil {
		sort.SliceStable(out, func(i, j int) bool {
			vi, _ := lookupPath(out[i].Data, q.order.path)
			vj, _ := lookupPath(out[j].Data, q.order.path)
			c := compareValues(vi, vj)
			if q.order.dir == remote.Desc {
				return c > 0
			}
			return c < 0
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out
}

func newID() string { return uuid.NewString() }
