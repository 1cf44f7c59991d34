// Package errcode defines the status-code taxonomy every go-artio
// package returns errors from (spec section 7).
package errcode

import "fmt"

// Kind identifies which row of the taxonomy an error belongs to.
type Kind int

const (
	_ Kind = iota

	// Usage errors.
	InvalidHandle
	InvalidFilesetMode
	InvalidState
	InvalidSFC
	InvalidSFCRange
	InvalidLevel
	InvalidOctLevels
	InvalidOctRefined
	InvalidSpecies
	InvalidCellTypes
	InvalidFileNumber
	InvalidAllocStrategy
	InvalidBufferSize

	// Resource errors.
	MemoryAllocation
	FileCreate
	GridFileNotFound
	ParticleFileNotFound

	// Schema errors.
	GridDataNotFound
	ParticleDataNotFound
	DataExists
	ParamNotFound

	// I/O errors.
	IOError
)

func (k Kind) String() string {
	switch k {
	case InvalidHandle:
		return "INVALID_HANDLE"
	case InvalidFilesetMode:
		return "INVALID_FILESET_MODE"
	case InvalidState:
		return "INVALID_STATE"
	case InvalidSFC:
		return "INVALID_SFC"
	case InvalidSFCRange:
		return "INVALID_SFC_RANGE"
	case InvalidLevel:
		return "INVALID_LEVEL"
	case InvalidOctLevels:
		return "INVALID_OCT_LEVELS"
	case InvalidOctRefined:
		return "INVALID_OCT_REFINED"
	case InvalidSpecies:
		return "INVALID_SPECIES"
	case InvalidCellTypes:
		return "INVALID_CELL_TYPES"
	case InvalidFileNumber:
		return "INVALID_FILE_NUMBER"
	case InvalidAllocStrategy:
		return "INVALID_ALLOC_STRATEGY"
	case InvalidBufferSize:
		return "INVALID_BUFFER_SIZE"
	case MemoryAllocation:
		return "MEMORY_ALLOCATION"
	case FileCreate:
		return "FILE_CREATE"
	case GridFileNotFound:
		return "GRID_FILE_NOT_FOUND"
	case ParticleFileNotFound:
		return "PARTICLE_FILE_NOT_FOUND"
	case GridDataNotFound:
		return "GRID_DATA_NOT_FOUND"
	case ParticleDataNotFound:
		return "PARTICLE_DATA_NOT_FOUND"
	case DataExists:
		return "DATA_EXISTS"
	case ParamNotFound:
		return "PARAM_NOT_FOUND"
	case IOError:
		return "IO_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned by every go-artio
// operation that fails for a taxonomy reason. It wraps an optional
// underlying cause so fmt.Errorf("%w") chains keep working.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "GridStream.WriteRootBegin"
	Detail  string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		if e.Wrapped != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Wrapped)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Detail, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is makes errors.Is(err, errcode.Of(k)) work by comparing Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Of constructs a bare Error carrying only a Kind, suitable as an
// errors.Is comparison target.
func Of(k Kind) *Error { return &Error{Kind: k} }

// New builds an Error for op with a formatted detail message.
func New(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error for op that carries an underlying cause.
func Wrap(k Kind, op string, cause error) *Error {
	return &Error{Kind: k, Op: op, Wrapped: cause}
}

// WrapDetail builds an Error for op with both a detail message and an
// underlying cause.
func WrapDetail(k Kind, op, format string, cause error, args ...any) *Error {
	return &Error{Kind: k, Op: op, Detail: fmt.Sprintf(format, args...), Wrapped: cause}
}
