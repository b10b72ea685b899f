package realtime

import (
	"fmt"
	"strings"
)

// RecordSet is the locally held, ordered view of one table subscription.
// Exactly one consumer owns a RecordSet; it is never shared across consumers
// even when they share a channel, so no locking happens here.
//
// Invariants: no two rows share a key, and row order always matches the
// requested OrderBy (event-arrival order, newest first, when none is given).
type RecordSet struct {
	keyColumn string
	order     *OrderBy
	rows      []Row
}

// NewRecordSet returns an empty set keyed by keyColumn, kept in the given
// order. A nil order keeps newest-first arrival order.
func NewRecordSet(keyColumn string, order *OrderBy) *RecordSet {
	return &RecordSet{keyColumn: keyColumn, order: order}
}

func (s *RecordSet) Len() int { return len(s.rows) }

// Rows returns a copy of the current ordered rows.
func (s *RecordSet) Rows() []Row {
	out := make([]Row, len(s.rows))
	copy(out, s.rows)
	return out
}

// Apply reconciles one change event into the set, in delivery order.
//
//   - INSERT places the new row per the ordering (head when unordered); an
//     already-present key degrades to an in-place replace.
//   - UPDATE replaces the row with the matching key in place. Position is
//     not re-derived even if the ordering column changed; an absent key
//     degrades to an insert so that a racing snapshot stays commutative.
//   - DELETE removes the row with the old row's key; absent keys are no-ops.
func (s *RecordSet) Apply(ev ChangeEvent) {
	switch ev.Action {
	case ActionInsert:
		s.upsert(ev.New)
	case ActionUpdate:
		s.upsert(ev.New)
	case ActionDelete:
		s.delete(ev.Old)
	}
}

// ApplySnapshot merges the initial snapshot under live events that may have
// raced it: rows already present keep their position and are replaced in
// place, missing rows are appended in snapshot order.
func (s *RecordSet) ApplySnapshot(rows []Row) {
	for _, row := range rows {
		key, ok := s.key(row)
		if !ok {
			continue
		}
		if i := s.indexOf(key); i >= 0 {
			s.rows[i] = row
			continue
		}
		s.rows = append(s.rows, row)
	}
}

// Reset replaces the whole set with an authoritative snapshot. Used after a
// reconnect, when events lost in the gap make the local state untrustworthy.
func (s *RecordSet) Reset(rows []Row) {
	s.rows = s.rows[:0]
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		key, ok := s.key(row)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		s.rows = append(s.rows, row)
	}
}

func (s *RecordSet) upsert(row Row) {
	key, ok := s.key(row)
	if !ok {
		return
	}
	if i := s.indexOf(key); i >= 0 {
		s.rows[i] = row
		return
	}
	s.rows = insertAt(s.rows, s.position(row), row)
}

func (s *RecordSet) delete(row Row) {
	key, ok := s.key(row)
	if !ok {
		return
	}
	i := s.indexOf(key)
	if i < 0 {
		return
	}
	s.rows = append(s.rows[:i], s.rows[i+1:]...)
}

func (s *RecordSet) key(row Row) (string, bool) {
	v, ok := row[s.keyColumn]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

func (s *RecordSet) indexOf(key string) int {
	for i, row := range s.rows {
		if k, ok := s.key(row); ok && k == key {
			return i
		}
	}
	return -1
}

// position returns the insertion index for a new row: the head when no
// ordering was requested, otherwise the first slot whose row should come
// after the new one.
func (s *RecordSet) position(row Row) int {
	if s.order == nil {
		return 0
	}
	v := row[s.order.Column]
	for i, existing := range s.rows {
		c := compareValues(v, existing[s.order.Column])
		if s.order.Ascending && c < 0 {
			return i
		}
		if !s.order.Ascending && c > 0 {
			return i
		}
	}
	return len(s.rows)
}

func insertAt(rows []Row, i int, row Row) []Row {
	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = row
	return rows
}

// compareValues orders two column values. JSON numbers arrive as float64;
// everything else falls back to string comparison, which also covers the
// ISO-8601 timestamps the store emits.
func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
