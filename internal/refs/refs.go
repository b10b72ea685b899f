// Package refs generates message refs for the realtime protocol.
//
// The change-feed service correlates replies to pushes by ref. Refs only
// need to be unique within one connection, so a counter is cheaper than
// random ids and keeps refs readable in logs.
package refs

import (
	"strconv"
	"sync/atomic"
)

type Source struct {
	last atomic.Uint64
}

// Next returns the next ref. Safe for concurrent use.
func (s *Source) Next() string {
	return strconv.FormatUint(s.last.Add(1), 10)
}
