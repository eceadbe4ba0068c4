package trap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Recognized OID prefixes. Each is a table column; the instance suffix is the
// interface index.
const (
	// IfStatePrefix is Cisco locIfReason, the textual reason for the last
	// interface state change.
	IfStatePrefix = "1.3.6.1.4.1.9.2.2.1.1.20."
	IfNamePrefix  = "1.3.6.1.2.1.2.2.1.2."
	IfIndexPrefix = "1.3.6.1.2.1.2.2.1.1."
)

// ErrBadIfIndex is wrapped by InvalidTrapError when an ifIndex binding does
// not carry an integer.
var ErrBadIfIndex = errors.New("ifIndex value is not an integer")

// InvalidTrapError rejects a trap whose bindings cannot be interpreted.
type InvalidTrapError struct {
	Index   int
	VarBind VarBind
	Err     error
}

func (e *InvalidTrapError) Error() string {
	if e.Index < 0 {
		return "invalid trap: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid trap: var-bind %d (oid=%q value=%q): %v", e.Index, e.VarBind.OID, e.VarBind.Value, e.Err)
}

func (e *InvalidTrapError) Unwrap() error { return e.Err }

var (
	errNoBindings = errors.New("trap carries no var-binds")
	errEmptyOID   = errors.New("empty oid")
	errEmptyValue = errors.New("empty value")
)

// Bindings holds what Interpret extracted from a trap.
type Bindings struct {
	IfIndex *int
	IfState *string
	IfName  *string

	// Unrecognized lists bindings matching none of the known prefixes, in
	// their original order.
	Unrecognized []VarBind
}

// HasIfIndex reports whether the trap named an interface index.
func (b *Bindings) HasIfIndex() bool {
	return b.IfIndex != nil
}

// Validate reports the first binding with an empty OID or value.
func Validate(t Trap) error {
	binds := t.VarBinds()
	if len(binds) == 0 {
		return &InvalidTrapError{Index: -1, Err: errNoBindings}
	}
	for i, vb := range binds {
		if vb.OID == "" {
			return &InvalidTrapError{Index: i, VarBind: vb, Err: errEmptyOID}
		}
		if vb.Value == "" {
			return &InvalidTrapError{Index: i, VarBind: vb, Err: errEmptyValue}
		}
	}
	return nil
}

// Interpret validates t and classifies its bindings by OID prefix. A later
// binding with the same prefix overrides an earlier one.
func Interpret(t Trap) (*Bindings, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}

	b := &Bindings{}
	for i, vb := range t.VarBinds() {
		value := vb.Value
		switch {
		case strings.HasPrefix(vb.OID, IfStatePrefix):
			b.IfState = &value
		case strings.HasPrefix(vb.OID, IfNamePrefix):
			b.IfName = &value
		case strings.HasPrefix(vb.OID, IfIndexPrefix):
			idx, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, &InvalidTrapError{Index: i, VarBind: vb, Err: fmt.Errorf("%w: %w", ErrBadIfIndex, err)}
			}
			b.IfIndex = &idx
		default:
			b.Unrecognized = append(b.Unrecognized, vb)
		}
	}
	return b, nil
}
