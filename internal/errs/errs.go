package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Use errors.Is to classify an error returned by any osem package.
var (
	// ErrConfiguration marks fatal setup problems: unknown alias, malformed mapping,
	// unresolvable converter.
	ErrConfiguration = errors.New("configuration error")

	// ErrConversion marks failures converting between object values and resource
	// properties.
	ErrConversion = errors.New("conversion error")

	// ErrSearchEngine marks operations rejected by policy or failed by the index.
	ErrSearchEngine = errors.New("search engine error")

	// ErrMapping marks mapping resolution failures.
	ErrMapping = errors.New("mapping error")
)

var (
	// ErrNotFound is returned by load operations that find nothing
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned by create when the reject policy is active
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrIndexLocked indicates the index directory is held by another process
	ErrIndexLocked = errors.New("index directory is locked")
)

// Error carries the context needed to diagnose a failure without looking at
// internals.
type Error struct {
	Kind  error
	Op    string
	Alias string
	Path  string
	Value any
	Err   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Kind != nil {
		sb.WriteString(e.Kind.Error())
	}
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	if e.Alias != "" {
		sb.WriteString(" [alias=")
		sb.WriteString(e.Alias)
		if e.Path != "" {
			sb.WriteString(" path=")
			sb.WriteString(e.Path)
		}
		sb.WriteString("]")
	} else if e.Path != "" {
		sb.WriteString(" [path=")
		sb.WriteString(e.Path)
		sb.WriteString("]")
	}
	if e.Value != nil {
		fmt.Fprintf(&sb, " value=%v", e.Value)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// Configuration builds an ErrConfiguration error.
func Configuration(op, alias, format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Op: op, Alias: alias, Err: fmt.Errorf(format, args...)}
}

// Mapping builds an ErrMapping error.
func Mapping(op, alias, path, format string, args ...any) error {
	return &Error{Kind: ErrMapping, Op: op, Alias: alias, Path: path, Err: fmt.Errorf(format, args...)}
}

// Conversion builds an ErrConversion error for the given value.
func Conversion(op, alias, path string, value any, err error) error {
	return &Error{Kind: ErrConversion, Op: op, Alias: alias, Path: path, Value: value, Err: err}
}

// SearchEngine builds an ErrSearchEngine error.
func SearchEngine(op string, err error) error {
	return &Error{Kind: ErrSearchEngine, Op: op, Err: err}
}

// UnknownAlias is the ConfigurationError for an alias with no mapping.
func UnknownAlias(op, alias string) error {
	return &Error{Kind: ErrConfiguration, Op: op, Alias: alias, Err: errors.New("no mapping registered for alias")}
}
