package exi

import (
	"errors"
	"fmt"
)

// ErrDecode matches every error returned by Decode for input that is not a
// well-formed label.
var ErrDecode = errors.New("exi: malformed label")

// DecodeError reports why and where decoding stopped.
type DecodeError struct {
	// Bit is the offset into the input, in bits, where the fault was found.
	Bit    int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("exi: %s at bit %d", e.Reason, e.Bit)
}

// Is makes errors.Is(err, ErrDecode) hold for any *DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}
