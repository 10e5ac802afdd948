package nn

import "fmt"

// ConfigurationError reports an invalid layer configuration, detected before
// any tensor operation runs.
type ConfigurationError struct {
	Op  string
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// ShapeMismatchError reports tensor dimensions that disagree with what an
// operation requires.
type ShapeMismatchError struct {
	Op   string
	Want string
	Got  string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Op, e.Want, e.Got)
}

// UnsupportedRankError reports a mask tensor of rank other than 2 or 3.
type UnsupportedRankError struct {
	Op   string
	Rank int
}

func (e *UnsupportedRankError) Error() string {
	return fmt.Sprintf("%s: rank %d is not supported", e.Op, e.Rank)
}

// TypeMismatchError reports a value of the wrong concrete type handed to the
// approximation machinery.
type TypeMismatchError struct {
	Op   string
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: %s is not a %s", e.Op, e.Got, e.Want)
}

// InvariantViolation reports mutually exclusive options used together.
type InvariantViolation struct {
	Op  string
	Msg string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}
