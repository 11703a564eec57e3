package cl

import (
	"reflect"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/resource"
)

// Kernel is one entry point of a built program with its argument bindings.
type Kernel struct {
	prog *Program
	h    *resource.Handle[driver.KernelID]
	name string
}

// LocalMemory reserves n bytes of work-group local memory for a __local
// pointer argument.
type LocalMemory int

// Arg is one explicit argument binding.
type Arg struct {
	Index int
	Value any
}

// memoryObject is implemented by *Memory and every *Buffer[T].
type memoryObject interface {
	Memory() *Memory
}

// Memory returns m, so a *Memory can be passed wherever a buffer is.
func (m *Memory) Memory() *Memory { return m }

// ID returns the native kernel handle.
func (k *Kernel) ID() driver.KernelID { return k.h.Value() }

// Name returns the entry point name.
func (k *Kernel) Name() string { return k.name }

// Program returns the program the kernel was created from.
func (k *Kernel) Program() *Program { return k.prog }

// NumArgs returns the number of declared arguments.
func (k *Kernel) NumArgs() (int, error) {
	id := k.h.Value()
	v, err := queryValue[uint32](func(b []byte) (int, clerr.Status) {
		return k.prog.ctx.rt.KernelInfo(id, driver.KernelNumArgs, b)
	}, "clGetKernelInfo")
	return int(v), err
}

// SetArg binds value to argument index. Memory objects bind by handle,
// LocalMemory reserves local memory, and fixed-size values such as int32,
// float32, [4]float32 or structs of those bind by byte copy. Go int, uint,
// uintptr, bool, pointers, slices, maps and strings have no device layout and are
// rejected with CL_INVALID_ARG_VALUE. The binding applies to launches
// enqueued after the call.
func (k *Kernel) SetArg(index int, value any) error {
	rt := k.prog.ctx.rt
	i := uint32(index)
	var st clerr.Status
	switch v := value.(type) {
	case memoryObject:
		m := v.Memory()
		if m == nil {
			return k.argErr(index, clerr.New(clerr.InvalidMemObject, "clSetKernelArg"))
		}
		st = rt.SetKernelArgMem(k.h.Value(), i, m.ID())
		runtime.KeepAlive(m)
	case LocalMemory:
		st = rt.SetKernelArgLocal(k.h.Value(), i, int(v))
	default:
		b, err := argBytes(value)
		if err != nil {
			return k.argErr(index, err)
		}
		st = rt.SetKernelArg(k.h.Value(), i, b)
	}
	runtime.KeepAlive(k)
	return k.argErr(index, clerr.Check(st, "clSetKernelArg"))
}

func (k *Kernel) argErr(index int, err error) error {
	return errors.Wrapf(err, "kernel %s argument %d", k.name, index)
}

// SetArgs binds values to arguments 0, 1, 2 and so on.
func (k *Kernel) SetArgs(values ...any) error {
	for i, v := range values {
		if err := k.SetArg(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Bind applies explicit index and value pairs in order.
func (k *Kernel) Bind(args ...Arg) error {
	for _, a := range args {
		if err := k.SetArg(a.Index, a.Value); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a second owner of the same kernel and bindings.
func (k *Kernel) Clone() (*Kernel, error) {
	h, err := k.h.Clone()
	if err != nil {
		return nil, err
	}
	return &Kernel{prog: k.prog, h: h, name: k.name}, nil
}

// Release drops this owner's reference.
func (k *Kernel) Release() {
	k.h.Release()
}

// argBytes copies a fixed-layout value into its byte representation.
func argBytes(value any) ([]byte, error) {
	if value == nil {
		return nil, errors.Wrap(clerr.New(clerr.InvalidArgValue, "clSetKernelArg"), "nil value")
	}
	t := reflect.TypeOf(value)
	if !fixedLayout(t) {
		return nil, errors.Wrapf(clerr.New(clerr.InvalidArgValue, "clSetKernelArg"), "unsupported Go type %s", t)
	}
	v := reflect.New(t)
	v.Elem().Set(reflect.ValueOf(value))
	out := make([]byte, t.Size())
	copy(out, unsafe.Slice((*byte)(v.UnsafePointer()), t.Size()))
	return out, nil
}

// fixedLayout reports whether t has the same size on every platform and
// holds no Go pointers. bool is excluded, as kernel parameters cannot be
// bool.
func fixedLayout(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Array:
		return t.Len() > 0 && fixedLayout(t.Elem())
	case reflect.Struct:
		if t.NumField() == 0 {
			return false
		}
		for i := 0; i < t.NumField(); i++ {
			if !fixedLayout(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
