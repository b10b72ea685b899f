package realtime

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(id any, kv ...any) Row {
	r := Row{"id": id}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}

func ids(rows []Row) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["id"])
	}
	return out
}

func TestRecordSetInsertUnorderedPrepends(t *testing.T) {
	s := NewRecordSet("id", nil)
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(1)})
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(2)})
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(3)})

	// Newest first when no ordering is requested.
	assert.Equal(t, []any{3, 2, 1}, ids(s.Rows()))
}

func TestRecordSetInsertOrdered(t *testing.T) {
	tests := []struct {
		name      string
		ascending bool
		want      []any
	}{
		{name: "ascending", ascending: true, want: []any{1, 2, 3, 4}},
		{name: "descending", ascending: false, want: []any{4, 3, 2, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewRecordSet("id", &OrderBy{Column: "rank", Ascending: tc.ascending})
			for _, id := range []int{2, 4, 1, 3} {
				s.Apply(ChangeEvent{Action: ActionInsert, New: row(id, "rank", float64(id))})
			}
			assert.Equal(t, tc.want, ids(s.Rows()))
		})
	}
}

func TestRecordSetInsertDuplicateKeyReplaces(t *testing.T) {
	s := NewRecordSet("id", nil)
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(1, "v", "a")})
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(2, "v", "b")})
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(1, "v", "c")})

	rows := s.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []any{2, 1}, ids(rows))
	assert.Equal(t, "c", rows[1]["v"])
}

func TestRecordSetUpdateInPlace(t *testing.T) {
	s := NewRecordSet("id", &OrderBy{Column: "rank", Ascending: true})
	for i := 1; i <= 3; i++ {
		s.Apply(ChangeEvent{Action: ActionInsert, New: row(i, "rank", float64(i))})
	}

	// Changing the ordering column must not move the row.
	s.Apply(ChangeEvent{Action: ActionUpdate, New: row(2, "rank", float64(99))})

	rows := s.Rows()
	assert.Equal(t, []any{1, 2, 3}, ids(rows))
	assert.Equal(t, float64(99), rows[1]["rank"])
}

func TestRecordSetUpdateAbsentKeyInserts(t *testing.T) {
	s := NewRecordSet("id", nil)
	s.Apply(ChangeEvent{Action: ActionUpdate, New: row(7, "v", "x")})

	rows := s.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 7, rows[0]["id"])
}

func TestRecordSetDelete(t *testing.T) {
	s := NewRecordSet("id", nil)
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(1)})
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(2)})

	s.Apply(ChangeEvent{Action: ActionDelete, Old: row(1)})
	assert.Equal(t, []any{2}, ids(s.Rows()))

	// Deleting again, or deleting an unknown key, is a no-op.
	s.Apply(ChangeEvent{Action: ActionDelete, Old: row(1)})
	s.Apply(ChangeEvent{Action: ActionDelete, Old: row(42)})
	assert.Equal(t, []any{2}, ids(s.Rows()))
}

func TestRecordSetRowsMissingKeyColumnIgnored(t *testing.T) {
	s := NewRecordSet("id", nil)
	s.Apply(ChangeEvent{Action: ActionInsert, New: Row{"name": "keyless"}})
	assert.Zero(t, s.Len())
}

func TestRecordSetSnapshotMergesUnderRacedEvents(t *testing.T) {
	s := NewRecordSet("id", nil)

	// Live events that raced ahead of the snapshot read.
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(10, "v", "live")})
	s.Apply(ChangeEvent{Action: ActionDelete, Old: row(11)})

	s.ApplySnapshot([]Row{
		row(10, "v", "snap"),
		row(20, "v", "snap"),
	})

	rows := s.Rows()
	assert.Equal(t, []any{10, 20}, ids(rows))
	// The raced insert keeps its position but takes the snapshot's data.
	assert.Equal(t, "snap", rows[0]["v"])
}

func TestRecordSetResetIsAuthoritative(t *testing.T) {
	s := NewRecordSet("id", nil)
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(1)})
	s.Apply(ChangeEvent{Action: ActionInsert, New: row(2)})

	s.Reset([]Row{row(3), row(4), row(3)})

	assert.Equal(t, []any{3, 4}, ids(s.Rows()))
}

// TestRecordSetKeyUniqueness drives a deterministic random event stream and
// checks the set against plain map semantics: membership matches, and no two
// rows ever share a key.
func TestRecordSetKeyUniqueness(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := NewRecordSet("id", nil)
	model := make(map[string]Row)

	for i := 0; i < 2000; i++ {
		id := rng.Intn(50)
		r := row(id, "i", i)
		key := fmt.Sprint(id)
		switch rng.Intn(3) {
		case 0:
			s.Apply(ChangeEvent{Action: ActionInsert, New: r})
			model[key] = r
		case 1:
			s.Apply(ChangeEvent{Action: ActionUpdate, New: r})
			model[key] = r
		case 2:
			s.Apply(ChangeEvent{Action: ActionDelete, Old: r})
			delete(model, key)
		}
	}

	rows := s.Rows()
	require.Len(t, rows, len(model))
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		key := fmt.Sprint(r["id"])
		require.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
		assert.Equal(t, model[key]["i"], r["i"])
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		a, b any
		want int
	}{
		{float64(1), float64(2), -1},
		{float64(2), float64(1), 1},
		{3, float64(3), 0},
		{"a", "b", -1},
		{"2024-01-02", "2024-01-01", 1},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, compareValues(tc.a, tc.b), "%v vs %v", tc.a, tc.b)
	}
}
