package extract

import (
	"errors"
	"fmt"
)

// Sentinel errors for extraction. Absence and malformation are always
// distinguishable with errors.Is.
var (
	// ErrNotFound indicates the tag a quantity is read from does not occur
	// in the report. The calculation may not have reached that stage.
	ErrNotFound = errors.New("quantity not found in report")

	// ErrMalformedReport indicates the tag was found but the surrounding
	// text does not have the expected geometry (too few lines or tokens,
	// unparsable numbers).
	ErrMalformedReport = errors.New("malformed report")

	// ErrInvalidAtomIndex indicates a 1-based atom index below 1.
	ErrInvalidAtomIndex = errors.New("atom index must be >= 1")

	// ErrUnknownQuantity indicates a quantity name with no decoder.
	ErrUnknownQuantity = errors.New("unknown quantity")
)

// DecodeError wraps ErrNotFound or ErrMalformedReport with the report,
// tag, and line where decoding stopped.
type DecodeError struct {
	// Report is the path of the report file.
	Report string

	// Tag is the text pattern the decoder searched for.
	Tag string

	// Line is the 0-based line index involved, or -1 when no line matched.
	Line int

	// Reason is a short human-readable explanation.
	Reason string

	// Err is ErrNotFound or ErrMalformedReport.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("%s: %q line %d: %s: %v", e.Report, e.Tag, e.Line+1, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %q: %s: %v", e.Report, e.Tag, e.Reason, e.Err)
}

// Unwrap returns the underlying sentinel for errors.Is support.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func notFound(report, tag string) error {
	return &DecodeError{Report: report, Tag: tag, Line: -1, Reason: "tag absent", Err: ErrNotFound}
}

func malformed(report, tag string, line int, reason string) error {
	return &DecodeError{Report: report, Tag: tag, Line: line, Reason: reason, Err: ErrMalformedReport}
}

// IsNotFound returns true if err indicates an absent tag.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsMalformed returns true if err indicates a report with unexpected layout.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedReport)
}
