package cl

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/resource"
)

// Memory is an untyped memory object.
type Memory struct {
	ctx   *Context
	h     *resource.Handle[driver.MemID]
	size  int
	flags driver.MemFlags

	// host aliases the memory when the buffer was created with
	// MemUseHostPtr.
	host any
}

// newMemory adopts id and reads its size and flags back from the runtime.
func newMemory(ctx *Context, id driver.MemID, host any) (*Memory, error) {
	m := &Memory{ctx: ctx, h: resource.New(ctx.pol.mem, id), host: host}
	size, err := queryValue[uintptr](m.query(driver.MemSize), "clGetMemObjectInfo")
	if err != nil {
		m.h.Release()
		return nil, err
	}
	flags, err := queryValue[uint64](m.query(driver.MemFlagsInfo), "clGetMemObjectInfo")
	if err != nil {
		m.h.Release()
		return nil, err
	}
	m.size = int(size)
	m.flags = driver.MemFlags(flags)
	return m, nil
}

func (m *Memory) query(param driver.MemParam) infoQuery {
	id := m.h.Value()
	return func(b []byte) (int, clerr.Status) { return m.ctx.rt.MemObjectInfo(id, param, b) }
}

// ID returns the native memory handle.
func (m *Memory) ID() driver.MemID { return m.h.Value() }

// Context returns the owning context.
func (m *Memory) Context() *Context { return m.ctx }

// Size is the allocation size in bytes.
func (m *Memory) Size() int { return m.size }

// Flags echoes the allocation flags.
func (m *Memory) Flags() driver.MemFlags { return m.flags }

// RefCount reports the native reference count. Use it for diagnostics only.
func (m *Memory) RefCount() (uint32, error) {
	return queryValue[uint32](m.query(driver.MemReferenceCount), "clGetMemObjectInfo")
}

// Clone returns a second owner of the same memory object.
func (m *Memory) Clone() (*Memory, error) {
	h, err := m.h.Clone()
	if err != nil {
		return nil, err
	}
	return &Memory{ctx: m.ctx, h: h, size: m.size, flags: m.flags, host: m.host}, nil
}

// Release drops this owner's reference.
func (m *Memory) Release() {
	m.h.Release()
}

// Buffer is a memory object holding elements of type T. T must be a fixed
// size type without Go pointers.
type Buffer[T any] struct {
	mem *Memory
}

func sizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// CreateBuffer allocates count elements of T. When init is given it must
// hold at least count elements, and MemCopyHostPtr is added to flags unless
// flags already ask for MemUseHostPtr, in which case the buffer aliases init.
func CreateBuffer[T any](ctx *Context, count int, flags driver.MemFlags, init []T) (*Buffer[T], error) {
	size := count * sizeOf[T]()
	var host []byte
	var keep any
	if init != nil {
		if len(init) < count {
			return nil, errors.Wrapf(clerr.New(clerr.InvalidHostPtr, "clCreateBuffer"),
				"initial data holds %d elements, want %d", len(init), count)
		}
		host = driver.View(init[:count])
		if flags&driver.MemUseHostPtr == 0 {
			flags |= driver.MemCopyHostPtr
		} else {
			keep = init
		}
	}
	id, st := ctx.rt.CreateBuffer(ctx.h.Value(), flags, size, host)
	if err := clerr.Check(st, "clCreateBuffer"); err != nil {
		return nil, errors.Wrapf(err, "create buffer of %d bytes", size)
	}
	m, err := newMemory(ctx, id, keep)
	if err != nil {
		return nil, err
	}
	return &Buffer[T]{mem: m}, nil
}

// Memory returns the untyped memory object.
func (b *Buffer[T]) Memory() *Memory {
	if b == nil {
		return nil
	}
	return b.mem
}

// ID returns the native memory handle.
func (b *Buffer[T]) ID() driver.MemID { return b.mem.ID() }

// Len is the number of whole elements that fit in the allocation.
func (b *Buffer[T]) Len() int { return b.mem.Size() / sizeOf[T]() }

// Flags echoes the allocation flags.
func (b *Buffer[T]) Flags() driver.MemFlags { return b.mem.Flags() }

// Clone returns a second owner of the same buffer.
func (b *Buffer[T]) Clone() (*Buffer[T], error) {
	m, err := b.mem.Clone()
	if err != nil {
		return nil, err
	}
	return &Buffer[T]{mem: m}, nil
}

// Release drops this owner's reference.
func (b *Buffer[T]) Release() { b.mem.Release() }
