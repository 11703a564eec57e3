// Package clerr translates native runtime status codes into typed errors.
//
// Every call into the native runtime yields a Status. Check is a no-op on
// Success and otherwise returns an *Error carrying the numeric code, its
// symbolic name, a taxonomy Kind and the call site that observed it.
//
// Callers branch on the symbolic kind rather than on numeric values:
//
//	if errors.Is(err, clerr.ErrResource) {
//		// out of device memory, device gone, ...
//	}
//
// There is no retry logic in this package.
package clerr

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Kind groups status codes by how callers are expected to react.
type Kind int

const (
	// KindUnknown is any code missing from the name table.
	KindUnknown Kind = iota
	// KindResource covers exhaustion and unavailable devices.
	KindResource
	// KindInvalidArgument covers bad indices, sizes, handles and mismatched contexts.
	KindInvalidArgument
	// KindLogic covers operations the runtime cannot perform in its current state.
	KindLogic
	// KindBuild covers program compile and link failures.
	KindBuild
)

func (k Kind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindLogic:
		return "logic"
	case KindBuild:
		return "build"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same Kind.
var (
	ErrUnknown         = errors.New("clerr: unknown native failure")
	ErrResource        = errors.New("clerr: resource exhausted or unavailable")
	ErrInvalidArgument = errors.New("clerr: invalid argument")
	ErrLogic           = errors.New("clerr: invalid operation")
	ErrBuild           = errors.New("clerr: program build failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindResource:
		return ErrResource
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindLogic:
		return ErrLogic
	case KindBuild:
		return ErrBuild
	default:
		return ErrUnknown
	}
}

// KindOfStatus classifies a code through its symbolic name.
func KindOfStatus(s Status) Kind {
	switch s {
	case DeviceNotFound, DeviceNotAvailable, MapFailure,
		MemObjectAllocationFailure, OutOfHostMemory, OutOfResources:
		return KindResource
	case CompilerNotAvailable, LinkerNotAvailable, ImageFormatNotSupported,
		InvalidOperation, MemCopyOverlap, ProfilingInfoNotAvailable,
		KernelArgInfoNotAvailable:
		return KindLogic
	case BuildProgramFailure, CompileProgramFailure, LinkProgramFailure:
		return KindBuild
	case ImageFormatMismatch:
		return KindInvalidArgument
	}
	if strings.HasPrefix(s.String(), "CL_INVALID_") {
		return KindInvalidArgument
	}
	return KindUnknown
}

// Error is a failed native call.
type Error struct {
	Code     Status
	Name     string
	Kind     Kind
	Call     string // native entry point, e.g. "clEnqueueReadBuffer"
	File     string
	Function string
	Line     int
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d)", e.Name, int32(e.Code))
	if e.Call != "" {
		fmt.Fprintf(&b, " from %s", e.Call)
	}
	if e.Function != "" {
		fmt.Fprintf(&b, " in %s", e.Function)
	}
	if e.File != "" {
		fmt.Fprintf(&b, " at %s:%d", filepath.Base(e.File), e.Line)
	}
	return b.String()
}

// Is matches the Kind sentinels and other *Error values with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Code == e.Code
	}
	return target == e.Kind.sentinel()
}

// Check returns nil for Success and an *Error for anything else. The call
// site recorded is the function that called Check.
func Check(code Status, call string) error {
	if code == Success {
		return nil
	}
	return newError(code, call, 2)
}

// New builds an *Error for a condition detected on the host side, such as an
// empty device list, using the same code table as native failures.
func New(code Status, call string) *Error {
	return newError(code, call, 2)
}

func newError(code Status, call string, skip int) *Error {
	e := &Error{
		Code: code,
		Name: code.String(),
		Kind: KindOfStatus(code),
		Call: call,
	}
	if pc, file, line, ok := runtime.Caller(skip); ok {
		e.File = file
		e.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			e.Function = fn.Name()
		}
	}
	return e
}

// CodeOf returns the native code at the bottom of err's chain.
func CodeOf(err error) (Status, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return Success, false
}

// NameOf returns the symbolic name at the bottom of err's chain, or "" when
// err did not come from a native call.
func NameOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Name
	}
	return ""
}

// KindOf returns the taxonomy kind of err, KindUnknown when err did not come
// from a native call.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HasCode reports whether err carries the given native code.
func HasCode(err error, code Status) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
