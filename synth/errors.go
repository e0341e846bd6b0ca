package synth

import "fmt"

// ErrorKind classifies failures of the frequency planner and of programming
// a plan into the device.
type ErrorKind int

const (
	InputFrequencyOutOfRange ErrorKind = iota + 1
	OutputFrequencyOutOfRange
	NoValidDividerFound
	FeedbackSearchExhausted
	FieldOverflow
	RegisterWriteFailed
)

var kindNames = map[ErrorKind]string{
	InputFrequencyOutOfRange:  "input frequency out of range",
	OutputFrequencyOutOfRange: "output frequency out of range",
	NoValidDividerFound:       "no valid output divider found",
	FeedbackSearchExhausted:   "feedback divider search exhausted",
	FieldOverflow:             "register field overflow",
	RegisterWriteFailed:       "register write failed",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error lets a bare kind be used as an errors.Is target.
func (k ErrorKind) Error() string {
	return k.String()
}

// Error is the error type returned by the planner and the encoder.
type Error struct {
	Kind ErrorKind

	// Field names the register field for FieldOverflow.
	Field string

	// Address is the failing register for RegisterWriteFailed.
	Address uint16

	// Value is the offending frequency or field value, when there is one.
	Value uint64

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case InputFrequencyOutOfRange, OutputFrequencyOutOfRange:
		return fmt.Sprintf("synth: %s: %d Hz", e.Kind, e.Value)
	case FieldOverflow:
		return fmt.Sprintf("synth: %s: %s = %d", e.Kind, e.Field, e.Value)
	case RegisterWriteFailed:
		if e.Err != nil {
			return fmt.Sprintf("synth: %s at 0x%04X: %v", e.Kind, e.Address, e.Err)
		}
		return fmt.Sprintf("synth: %s at 0x%04X", e.Kind, e.Address)
	}
	if e.Err != nil {
		return fmt.Sprintf("synth: %s: %v", e.Kind, e.Err)
	}
	return "synth: " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same ErrorKind, so callers can write
// errors.Is(err, synth.NoValidDividerFound).
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// Recoverable reports whether the caller may retry with other parameters.
// FieldOverflow is a planner defect and transport failures belong to the
// transport layer, so neither is recoverable here.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case InputFrequencyOutOfRange, OutputFrequencyOutOfRange, NoValidDividerFound, FeedbackSearchExhausted:
		return true
	}
	return false
}

func overflow(field string, v uint64) *Error {
	return &Error{Kind: FieldOverflow, Field: field, Value: v}
}
