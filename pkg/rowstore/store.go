// Package rowstore is the read side of the relational store, consumed by the
// subscription layer for its initial snapshot. Only an ordered, filtered
// select is needed here; mutations happen elsewhere and are observed through
// change events.
package rowstore

import "context"

// Row is one record as returned by the store.
type Row = map[string]any

// Filter is a single-column restriction. Only equality is supported by the
// change feed, so the snapshot read supports the same.
type Filter struct {
	Column string
	Value  string
}

// Order names the column and direction of the snapshot read.
type Order struct {
	Column    string
	Ascending bool
}

// Store performs the snapshot read. filter and order may be nil.
type Store interface {
	Select(ctx context.Context, table string, filter *Filter, order *Order) ([]Row, error)
}
