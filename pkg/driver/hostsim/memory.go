package hostsim

import (
	"unsafe"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
)

type memory struct {
	id    driver.MemID
	ctx   *simContext
	flags driver.MemFlags
	data  []byte
}

func validMemFlags(f driver.MemFlags) bool {
	known := driver.MemReadWrite | driver.MemWriteOnly | driver.MemReadOnly |
		driver.MemUseHostPtr | driver.MemAllocHostPtr | driver.MemCopyHostPtr
	if f&^known != 0 {
		return false
	}
	switch f.Access() {
	case 0, driver.MemReadWrite, driver.MemWriteOnly, driver.MemReadOnly:
	default:
		return false
	}
	if f&driver.MemUseHostPtr != 0 && f&(driver.MemAllocHostPtr|driver.MemCopyHostPtr) != 0 {
		return false
	}
	return true
}

// CreateBuffer aliases host when flags carry MemUseHostPtr, so writes by
// kernels are visible in the host slice.
func (r *Runtime) CreateBuffer(c driver.ContextID, flags driver.MemFlags, size int, host []byte) (driver.MemID, clerr.Status) {
	ctx, ok := lookup[*simContext](r, uintptr(c))
	if !ok {
		return 0, clerr.InvalidContext
	}
	if !validMemFlags(flags) {
		return 0, clerr.InvalidValue
	}
	if size <= 0 || int64(size) > ctx.minMaxAlloc() {
		return 0, clerr.InvalidBufferSize
	}
	wantsHost := flags&(driver.MemUseHostPtr|driver.MemCopyHostPtr) != 0
	if wantsHost != (host != nil) || (host != nil && len(host) < size) {
		return 0, clerr.InvalidHostPtr
	}
	if flags.Access() == 0 {
		flags |= driver.MemReadWrite
	}

	ctx.mu.Lock()
	if ctx.allocated+int64(size) > ctx.minGlobalMem() {
		ctx.mu.Unlock()
		return 0, clerr.MemObjectAllocationFailure
	}
	ctx.allocated += int64(size)
	ctx.mu.Unlock()

	m := &memory{ctx: ctx, flags: flags}
	switch {
	case flags&driver.MemUseHostPtr != 0:
		m.data = host[:size:size]
	default:
		m.data = make([]byte, size)
		if flags&driver.MemCopyHostPtr != 0 {
			copy(m.data, host)
		}
	}
	r.addRef(uintptr(ctx.id))
	m.id = driver.MemID(r.insert(m))
	return m.id, clerr.Success
}

func (m *memory) destroy(r *Runtime) {
	m.ctx.mu.Lock()
	m.ctx.allocated -= int64(len(m.data))
	m.ctx.mu.Unlock()
	release[*simContext](r, uintptr(m.ctx.id), clerr.InvalidContext)
}

func (r *Runtime) MemObjectInfo(id driver.MemID, param driver.MemParam, dst []byte) (int, clerr.Status) {
	m, ok := lookup[*memory](r, uintptr(id))
	if !ok {
		return 0, clerr.InvalidMemObject
	}
	var v []byte
	switch param {
	case driver.MemType:
		v = driver.Bytes(uint32(driver.MemObjectBuffer))
	case driver.MemFlagsInfo:
		v = driver.Bytes(uint64(m.flags))
	case driver.MemSize:
		v = driver.Bytes(uintptr(len(m.data)))
	case driver.MemHostPtr:
		var p uintptr
		if m.flags&driver.MemUseHostPtr != 0 {
			p = uintptr(unsafe.Pointer(&m.data[0]))
		}
		v = driver.Bytes(p)
	case driver.MemMapCount:
		v = driver.Bytes(uint32(0))
	case driver.MemReferenceCount:
		v = driver.Bytes(r.refCount(uintptr(id)))
	case driver.MemContext:
		v = driver.Bytes(m.ctx.id)
	default:
		return 0, clerr.InvalidValue
	}
	return driver.Reply(dst, v)
}

func (r *Runtime) RetainMemObject(m driver.MemID) clerr.Status {
	return retain[*memory](r, uintptr(m), clerr.InvalidMemObject)
}

func (r *Runtime) ReleaseMemObject(m driver.MemID) clerr.Status {
	return release[*memory](r, uintptr(m), clerr.InvalidMemObject)
}

// transferTarget validates a queue, a memory object of its context and a
// byte range inside it.
func (r *Runtime) transferTarget(qid driver.QueueID, mid driver.MemID, offset, size int) (*queue, *memory, clerr.Status) {
	q, ok := lookup[*queue](r, uintptr(qid))
	if !ok {
		return nil, nil, clerr.InvalidCommandQueue
	}
	m, ok := lookup[*memory](r, uintptr(mid))
	if !ok {
		return nil, nil, clerr.InvalidMemObject
	}
	if m.ctx != q.ctx {
		return nil, nil, clerr.InvalidContext
	}
	if offset < 0 || size <= 0 || offset+size > len(m.data) {
		return nil, nil, clerr.InvalidValue
	}
	return q, m, clerr.Success
}

func (r *Runtime) EnqueueReadBuffer(qid driver.QueueID, mid driver.MemID, blocking bool, offset, size int, dst []byte, wait []driver.EventID) (driver.EventID, clerr.Status) {
	q, m, st := r.transferTarget(qid, mid, offset, size)
	if st != clerr.Success {
		return 0, st
	}
	if len(dst) < size {
		return 0, clerr.InvalidValue
	}
	deps, st := r.resolveWaitList(q, wait)
	if st != clerr.Success {
		return 0, st
	}
	ev := q.enqueue(driver.CommandReadBuffer, deps, orderCommand, func() clerr.Status {
		copy(dst[:size], m.data[offset:offset+size])
		return clerr.Success
	})
	return r.settle(ev, blocking)
}

func (r *Runtime) EnqueueWriteBuffer(qid driver.QueueID, mid driver.MemID, blocking bool, offset, size int, src []byte, wait []driver.EventID) (driver.EventID, clerr.Status) {
	q, m, st := r.transferTarget(qid, mid, offset, size)
	if st != clerr.Success {
		return 0, st
	}
	if len(src) < size {
		return 0, clerr.InvalidValue
	}
	deps, st := r.resolveWaitList(q, wait)
	if st != clerr.Success {
		return 0, st
	}
	ev := q.enqueue(driver.CommandWriteBuffer, deps, orderCommand, func() clerr.Status {
		copy(m.data[offset:offset+size], src[:size])
		return clerr.Success
	})
	return r.settle(ev, blocking)
}

func (r *Runtime) EnqueueCopyBuffer(qid driver.QueueID, srcID, dstID driver.MemID, srcOffset, dstOffset, size int, wait []driver.EventID) (driver.EventID, clerr.Status) {
	q, src, st := r.transferTarget(qid, srcID, srcOffset, size)
	if st != clerr.Success {
		return 0, st
	}
	_, dst, st := r.transferTarget(qid, dstID, dstOffset, size)
	if st != clerr.Success {
		return 0, st
	}
	if src == dst && srcOffset < dstOffset+size && dstOffset < srcOffset+size {
		return 0, clerr.MemCopyOverlap
	}
	deps, st := r.resolveWaitList(q, wait)
	if st != clerr.Success {
		return 0, st
	}
	ev := q.enqueue(driver.CommandCopyBuffer, deps, orderCommand, func() clerr.Status {
		copy(dst.data[dstOffset:dstOffset+size], src.data[srcOffset:srcOffset+size])
		return clerr.Success
	})
	return ev.id, clerr.Success
}
