package forwarded

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidEncoding is matched by errors.Is for values that are not text
var ErrInvalidEncoding = errors.New("invalid header encoding")

// A ParseError is returned when a header value cannot be parsed
type ParseError struct {
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse forwarded header: %s", e.Err)
}

// Unwrap returns the underlying decoding error
func (e *ParseError) Unwrap() error {
	return e.Err
}

// An EncodingError describes the first byte that is not allowed in a header value
type EncodingError struct {
	Offset int
	Char   byte
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s: byte 0x%02x at offset %d", ErrInvalidEncoding, e.Char, e.Offset)
}

// Is makes EncodingError match ErrInvalidEncoding
func (e *EncodingError) Is(target error) bool {
	return target == ErrInvalidEncoding
}

// checkEncoding accepts visible ASCII, space and horizontal tab
func checkEncoding(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]

		if c == ' ' || c == '\t' || (c >= 0x21 && c <= 0x7e) {
			continue
		}

		return &EncodingError{Offset: i, Char: c}
	}

	return nil
}
