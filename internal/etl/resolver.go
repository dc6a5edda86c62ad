// Package etl moves books from the transactional store into the analytical
// star schema.
package etl

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/book-etl/internal/model"
	"github.com/sells-group/book-etl/internal/warehouse"
)

// Resolver maps dimension values to row ids, creating rows on first sight.
// Ids are cached for the life of the Resolver, which is one transfer run.
//
// The cache must never hand out an id whose row was rolled back, so every
// entry added since the last commit is journaled until the caller reports
// the outcome of its unit of work.
type Resolver struct {
	cache   map[string]int64
	pending []string
	mark    int
}

// NewResolver returns a Resolver with an empty cache.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]int64)}
}

// Resolve returns the id of the row in d's table whose attributes all equal
// d's, inserting it through tx when none exists.
func (r *Resolver) Resolve(ctx context.Context, tx warehouse.Tx, d model.Dimension) (int64, error) {
	key := d.Key()
	if id, ok := r.cache[key]; ok {
		return id, nil
	}

	id, found, err := tx.FindDimension(ctx, d)
	if err != nil {
		return 0, eris.Wrapf(err, "resolver: find %s", d.Kind())
	}
	if !found {
		id, err = tx.InsertDimension(ctx, d)
		if err != nil {
			return 0, eris.Wrapf(err, "resolver: insert %s", d.Kind())
		}
	}

	r.cache[key] = id
	r.pending = append(r.pending, key)
	return id, nil
}

// BeginRecord marks the start of one record's work.
func (r *Resolver) BeginRecord() {
	r.mark = len(r.pending)
}

// AbortRecord forgets entries added since BeginRecord.
func (r *Resolver) AbortRecord() {
	r.forget(r.mark)
}

// Commit makes every journaled entry permanent.
func (r *Resolver) Commit() {
	r.pending = r.pending[:0]
	r.mark = 0
}

// Abort forgets every entry added since the last Commit.
func (r *Resolver) Abort() {
	r.forget(0)
}

func (r *Resolver) forget(from int) {
	for _, key := range r.pending[from:] {
		delete(r.cache, key)
	}
	r.pending = r.pending[:from]
	r.mark = from
}

// Len returns the number of cached ids.
func (r *Resolver) Len() int {
	return len(r.cache)
}
