// Package remote defines the contract of the authoritative backend
// document store. The engine consumes the store only through these
// interfaces; the production implementation lives in the backend SDK and
// is wired in by the host application. An in-process implementation for
// development and tests is provided by the memstore subpackage.
package remote

import "context"

// Document is a schemaless remote record.
type Document map[string]any

// Query operators.
const (
	OpEqual         = "=="
	OpArrayContains = "array-contains"
)

// Direction orders query results.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Update mutates a single field. Path is a dotted field path; map entries
// are addressed as "field.key" (for example "unreadCount.u42").
type Update struct {
	Path  string
	Value any
}

// Snapshot is the state of a single document at read time.
type Snapshot struct {
	ID     string
	Exists bool
	Data   Document
}

// QuerySnapshot is one delivery on a query watch: the full current result
// set, or a watch error. A delivery with Err set carries no documents.
type QuerySnapshot struct {
	Docs []Snapshot
	Err  error
}

// DocUpdate is one delivery on a single-document watch.
type DocUpdate struct {
	Snap Snapshot
	Err  error
}

// Query is an immutable query builder. Each method returns a derived
// query; the receiver is unchanged.
type Query interface {
	Where(path, op string, value any) Query
	OrderBy(path string, dir Direction) Query
	Limit(n int) Query

	// Documents runs the query once.
	Documents(ctx context.Context) ([]Snapshot, error)

	// Watch delivers the full current result set on every relevant
	// change, starting with an immediate initial delivery. The returned
	// cancel function stops delivery and is safe to call repeatedly.
	Watch(ctx context.Context) (<-chan QuerySnapshot, func())
}

// Collection is a reference to a named collection.
type Collection interface {
	Query

	// Doc references a document by id; the document need not exist.
	Doc(id string) Doc

	// NewDoc references a fresh document with a generated id.
	NewDoc() Doc
}

// Doc is a reference to a single document.
type Doc interface {
	ID() string
	Get(ctx context.Context) (Snapshot, error)
	Set(ctx context.Context, data Document) error
	Update(ctx context.Context, updates []Update) error
	Delete(ctx context.Context) error

	// Collection references a subcollection of this document.
	Collection(name string) Collection

	Watch(ctx context.Context) (<-chan DocUpdate, func())
}

// Tx is the handle passed to a transaction function. Reads observe
// committed state; writes are buffered and applied atomically when the
// function returns nil.
type Tx interface {
	Get(d Doc) (Snapshot, error)
	Set(d Doc, data Document)
	Update(d Doc, updates []Update)
	Delete(d Doc)
}

// Batch buffers writes to multiple documents and applies them in one
// commit.
type Batch interface {
	Set(d Doc, data Document)
	Update(d Doc, updates []Update)
	Delete(d Doc)
	Commit(ctx context.Context) error
}

// Client is the root handle on the remote store.
type Client interface {
	Collection(name string) Collection

	// RunTransaction executes fn with read-modify-write atomicity. A
	// non-nil error from fn aborts the transaction and is returned.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	Batch() Batch
}
