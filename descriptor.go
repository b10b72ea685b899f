package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// EventClass selects which row-level changes a subscription receives.
type EventClass string

const (
	EventInsert EventClass = "INSERT"
	EventUpdate EventClass = "UPDATE"
	EventDelete EventClass = "DELETE"
	EventAll    EventClass = "*"
)

// FilterOp is a filter operator. The change feed only supports equality;
// anything else is rejected at subscription time.
type FilterOp string

const OpEq FilterOp = "eq"

var (
	ErrUnsupportedOperator = errors.New("unsupported filter operator")
	ErrMalformedFilter     = errors.New("malformed filter expression")
)

// FilterExpr restricts a subscription to rows where Column equals Value.
// Build one with Eq; the wire string is produced only at the protocol
// boundary and never parsed back inside the core.
type FilterExpr struct {
	Column string
	Op     FilterOp
	Value  string
}

// Eq builds an equality filter.
func Eq(column, value string) *FilterExpr {
	return &FilterExpr{Column: column, Op: OpEq, Value: value}
}

// ParseFilter parses the wire grammar "column=op.value". It exists for
// callers holding a filter string from elsewhere (route params, stored
// subscriptions); core code builds FilterExpr directly.
func ParseFilter(s string) (*FilterExpr, error) {
	column, rest, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedFilter, s)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedFilter, s)
	}
	f := &FilterExpr{Column: column, Op: FilterOp(op), Value: value}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Wire renders the filter in the change feed's grammar.
func (f *FilterExpr) Wire() string {
	return fmt.Sprintf("%s=%s.%s", f.Column, f.Op, f.Value)
}

func (f *FilterExpr) validate() error {
	if f.Column == "" {
		return fmt.Errorf("%w: empty column", ErrMalformedFilter)
	}
	if f.Op != OpEq {
		return fmt.Errorf("%w: %q (only %q is supported)", ErrUnsupportedOperator, f.Op, OpEq)
	}
	return nil
}

// OrderBy names the column and direction the local record set is kept in.
type OrderBy struct {
	Column    string
	Ascending bool
}

// Descriptor identifies a subscription's intent. It is immutable once a
// channel has been created from it; two descriptors naming the same table,
// filter and event class share one channel.
type Descriptor struct {
	// Schema defaults to "public".
	Schema string `validate:"omitempty,alphanum"`
	// Table is the logical table to watch.
	Table string `validate:"required"`
	// Events defaults to EventAll.
	Events EventClass `validate:"omitempty,oneof=INSERT UPDATE DELETE *"`
	// Filter restricts the subscription to matching rows. Optional.
	Filter *FilterExpr
	// OrderBy is the consumer-side ordering of the record set. It does not
	// participate in channel identity. Optional; without it, newest first.
	OrderBy *OrderBy
}

var validate = validator.New()

// Validate rejects malformed descriptors before any network round-trip.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid descriptor: %w", err)
	}
	if d.Filter != nil {
		if err := d.Filter.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (d Descriptor) normalized() Descriptor {
	if d.Schema == "" {
		d.Schema = "public"
	}
	if d.Events == "" {
		d.Events = EventAll
	}
	return d
}

// Topic is the canonical channel name for this descriptor. Value-equal
// descriptors (ignoring OrderBy) always produce the same topic, which is what
// prevents duplicate channels for identical subscriptions.
func (d Descriptor) Topic() string {
	d = d.normalized()
	parts := []string{"realtime", d.Schema, d.Table, string(d.Events)}
	if d.Filter != nil {
		parts = append(parts, d.Filter.Wire())
	}
	return strings.Join(parts, ":")
}
