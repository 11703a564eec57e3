package driver

import (
	"bytes"
	"unsafe"

	"github.com/shanyungyang/clpp/pkg/clerr"
)

// Info values travel as raw bytes in host byte order, exactly as the C API
// writes them into a void* destination. These helpers convert between Go
// values and that representation.

// Reply answers one half of a two-call info query from a fully materialized
// value. A nil dst asks for the size only.
func Reply(dst, value []byte) (int, clerr.Status) {
	if dst == nil {
		return len(value), clerr.Success
	}
	if len(dst) < len(value) {
		return len(value), clerr.InvalidValue
	}
	copy(dst, value)
	return len(value), clerr.Success
}

// Bytes returns a copy of v's memory. T must not contain Go pointers.
func Bytes[T any](v T) []byte {
	size := int(unsafe.Sizeof(v))
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(&v)), size))
	return out
}

// SliceBytes returns a copy of the memory backing s.
func SliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return []byte{}
	}
	var zero T
	size := len(s) * int(unsafe.Sizeof(zero))
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), size))
	return out
}

// View reinterprets s as bytes without copying.
func View[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// Value decodes a T from the start of b. It reports false when b is too
// short.
func Value[T any](b []byte) (T, bool) {
	var v T
	size := int(unsafe.Sizeof(v))
	if len(b) < size {
		return v, false
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), size), b[:size])
	return v, true
}

// Values decodes as many whole T values as fit in b.
func Values[T any](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 {
		return nil
	}
	n := len(b) / size
	out := make([]T, n)
	if n > 0 {
		copy(View(out), b[:n*size])
	}
	return out
}

// CString encodes s with a trailing NUL, the way string info values are
// returned.
func CString(s string) []byte {
	out := make([]byte, len(s)+1)
	copy(out, s)
	return out
}

// GoString decodes a NUL-terminated string value.
func GoString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
