package config

import (
	"errors"
	"fmt"
)

// Kind classifies a configuration failure.
type Kind int

const (
	// KindParse means the document is not valid YAML.
	KindParse Kind = iota + 1
	// KindEmpty means the document holds no configuration at all.
	KindEmpty
	// KindMissingField means a required key is absent.
	KindMissingField
	// KindInvalidTLSMode means proxy.tls is not true, false or "STARTTLS".
	KindInvalidTLSMode
	// KindInvalidField means a key is present but its value is unusable.
	KindInvalidField
)

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrParse          = errors.New("config: parse error")
	ErrEmpty          = errors.New("config: empty")
	ErrMissingField   = errors.New("config: missing field")
	ErrInvalidTLSMode = errors.New("config: invalid tls mode")
	ErrInvalidField   = errors.New("config: invalid field")
)

// Error is returned for every configuration failure. Path names the dotted
// document key involved, if any.
type Error struct {
	Kind Kind
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindParse:
		return fmt.Sprintf("failed to parse config: %s", e.Msg)
	case KindEmpty:
		return "configuration is empty"
	case KindMissingField:
		return fmt.Sprintf("'%s' is missing from config", e.Path)
	case KindInvalidTLSMode:
		return fmt.Sprintf("'%s' must be one of [true, false, 'STARTTLS']", e.Path)
	default:
		return fmt.Sprintf("'%s' %s", e.Path, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindParse:
		return ErrParse
	case KindEmpty:
		return ErrEmpty
	case KindMissingField:
		return ErrMissingField
	case KindInvalidTLSMode:
		return ErrInvalidTLSMode
	case KindInvalidField:
		return ErrInvalidField
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "ParseError"
	case KindEmpty:
		return "EmptyConfig"
	case KindMissingField:
		return "MissingField"
	case KindInvalidTLSMode:
		return "InvalidTlsMode"
	case KindInvalidField:
		return "InvalidField"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func missing(path string) *Error {
	return &Error{Kind: KindMissingField, Path: path}
}

func invalid(path, msg string) *Error {
	return &Error{Kind: KindInvalidField, Path: path, Msg: msg}
}
