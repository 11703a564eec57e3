package cl

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/resource"
)

// CommandQueue issues commands to one device of a context. Commands are
// issued in enqueue order. Out-of-order mode only lets the device execute
// independent commands concurrently. Whether a queue may be shared between
// goroutines depends on the runtime; hostsim allows it.
type CommandQueue struct {
	ctx    *Context
	rt     driver.Runtime
	device Device
	h      *resource.Handle[driver.QueueID]

	mu    sync.RWMutex
	stats QueueStats
}

// QueueStats counts the commands enqueued through one queue.
type QueueStats struct {
	Reads        int64
	Writes       int64
	Copies       int64
	Launches     int64
	Barriers     int64
	Markers      int64
	BytesRead    int64
	BytesWritten int64
	BytesCopied  int64
}

// Add returns the field-wise sum of s and o.
func (s QueueStats) Add(o QueueStats) QueueStats {
	s.Reads += o.Reads
	s.Writes += o.Writes
	s.Copies += o.Copies
	s.Launches += o.Launches
	s.Barriers += o.Barriers
	s.Markers += o.Markers
	s.BytesRead += o.BytesRead
	s.BytesWritten += o.BytesWritten
	s.BytesCopied += o.BytesCopied
	return s
}

func newQueue(ctx *Context, d Device, props driver.QueueProperties) (*CommandQueue, error) {
	id, st := ctx.rt.CreateCommandQueue(ctx.h.Value(), d.id, props)
	if err := clerr.Check(st, "clCreateCommandQueue"); err != nil {
		return nil, err
	}
	return &CommandQueue{
		ctx:    ctx,
		rt:     ctx.rt,
		device: d,
		h:      resource.New(ctx.pol.queue, id),
	}, nil
}

// ID returns the native queue handle.
func (q *CommandQueue) ID() driver.QueueID { return q.h.Value() }

// Context returns the owning context.
func (q *CommandQueue) Context() *Context { return q.ctx }

// Device returns the device the queue is bound to.
func (q *CommandQueue) Device() Device { return q.device }

// Properties reads the current queue modes.
func (q *CommandQueue) Properties() (driver.QueueProperties, error) {
	id := q.h.Value()
	v, err := queryValue[uint64](func(b []byte) (int, clerr.Status) {
		return q.rt.QueueInfo(id, driver.QueuePropertiesInfo, b)
	}, "clGetCommandQueueInfo")
	return driver.QueueProperties(v), err
}

func (q *CommandQueue) setProperty(p driver.QueueProperties, on bool) error {
	st := q.rt.SetCommandQueueProperty(q.h.Value(), p, on)
	runtime.KeepAlive(q)
	return clerr.Check(st, "clSetCommandQueueProperty")
}

// SetOutOfOrder toggles out-of-order execution for commands enqueued after
// the call.
func (q *CommandQueue) SetOutOfOrder(on bool) error {
	return q.setProperty(driver.QueueOutOfOrderExecModeEnable, on)
}

// SetProfiling toggles timestamp recording for commands enqueued after the
// call.
func (q *CommandQueue) SetProfiling(on bool) error {
	return q.setProperty(driver.QueueProfilingEnable, on)
}

// Flush issues every enqueued command to the device without waiting.
func (q *CommandQueue) Flush() error {
	st := q.rt.Flush(q.h.Value())
	runtime.KeepAlive(q)
	return clerr.Check(st, "clFlush")
}

// Finish blocks until every enqueued command has completed.
func (q *CommandQueue) Finish() error {
	st := q.rt.Finish(q.h.Value())
	runtime.KeepAlive(q)
	return clerr.Check(st, "clFinish")
}

// Stats returns the command counters.
func (q *CommandQueue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stats
}

func (q *CommandQueue) count(f func(s *QueueStats)) {
	q.mu.Lock()
	f(&q.stats)
	q.mu.Unlock()
}

// Release drops this owner's reference. Commands already enqueued still run.
func (q *CommandQueue) Release() {
	q.h.Release()
}

// NDRange is a 1, 2 or 3 dimensional index space.
type NDRange []int

// Range1 is a one dimensional range of x work-items.
func Range1(x int) NDRange { return NDRange{x} }

// Range2 is an x by y range.
func Range2(x, y int) NDRange { return NDRange{x, y} }

// Range3 is an x by y by z range.
func Range3(x, y, z int) NDRange { return NDRange{x, y, z} }

// Size is the total number of work-items.
func (r NDRange) Size() int {
	if len(r) == 0 {
		return 0
	}
	n := 1
	for _, d := range r {
		n *= d
	}
	return n
}

// complete reports whether every dimension is non-zero.
func (r NDRange) complete() bool {
	for _, d := range r {
		if d == 0 {
			return false
		}
	}
	return len(r) > 0
}

type enqueueConfig struct {
	offset    int
	count     int
	blocking  bool
	srcOffset int
	dstOffset int
	local     NDRange
	offsetND  NDRange
	wait      []*Event
}

// EnqueueOption adjusts one enqueue call.
type EnqueueOption func(*enqueueConfig)

// Offset starts a transfer at element n of the buffer.
func Offset(n int) EnqueueOption { return func(c *enqueueConfig) { c.offset = n } }

// Count limits a transfer or copy to n elements.
func Count(n int) EnqueueOption { return func(c *enqueueConfig) { c.count = n } }

// NonBlocking returns from a read or write as soon as it is enqueued. The
// host slice must not be touched until the event completes.
func NonBlocking() EnqueueOption { return func(c *enqueueConfig) { c.blocking = false } }

// SrcOffset starts a copy at element n of the source.
func SrcOffset(n int) EnqueueOption { return func(c *enqueueConfig) { c.srcOffset = n } }

// DstOffset writes a copy starting at element n of the destination.
func DstOffset(n int) EnqueueOption { return func(c *enqueueConfig) { c.dstOffset = n } }

// WithLocal fixes the work-group size. A range with a zero dimension lets
// the runtime choose.
func WithLocal(r NDRange) EnqueueOption { return func(c *enqueueConfig) { c.local = r } }

// WithGlobalOffset shifts the global IDs of a launch by r.
func WithGlobalOffset(r NDRange) EnqueueOption { return func(c *enqueueConfig) { c.offsetND = r } }

// After makes the command wait for events. Nil events are ignored.
func After(events ...*Event) EnqueueOption {
	return func(c *enqueueConfig) { c.wait = append(c.wait, events...) }
}

func configure(opts []EnqueueOption) enqueueConfig {
	c := enqueueConfig{count: -1, blocking: true}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func (c enqueueConfig) waitList() []driver.EventID {
	ids, _ := eventIDs(c.wait)
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func (q *CommandQueue) owns(m *Memory) error {
	if m.ctx != q.ctx {
		return clerr.New(clerr.InvalidContext, "enqueue")
	}
	return nil
}

// EnqueueRead copies len(dst) bytes from m at byte offset into dst.
func (q *CommandQueue) EnqueueRead(m *Memory, offset int, dst []byte, opts ...EnqueueOption) (*Event, error) {
	return q.read(m, offset, dst, configure(opts))
}

func (q *CommandQueue) read(m *Memory, offset int, dst []byte, c enqueueConfig) (*Event, error) {
	if err := q.owns(m); err != nil {
		return nil, err
	}
	id, st := q.rt.EnqueueReadBuffer(q.h.Value(), m.ID(), c.blocking, offset, len(dst), dst, c.waitList())
	runtime.KeepAlive(m)
	runtime.KeepAlive(c.wait)
	if err := clerr.Check(st, "clEnqueueReadBuffer"); err != nil {
		return nil, err
	}
	q.count(func(s *QueueStats) {
		s.Reads++
		s.BytesRead += int64(len(dst))
	})
	return newEvent(q, id, dst), nil
}

// EnqueueWrite copies src into m at byte offset.
func (q *CommandQueue) EnqueueWrite(m *Memory, offset int, src []byte, opts ...EnqueueOption) (*Event, error) {
	return q.write(m, offset, src, configure(opts))
}

func (q *CommandQueue) write(m *Memory, offset int, src []byte, c enqueueConfig) (*Event, error) {
	if err := q.owns(m); err != nil {
		return nil, err
	}
	id, st := q.rt.EnqueueWriteBuffer(q.h.Value(), m.ID(), c.blocking, offset, len(src), src, c.waitList())
	runtime.KeepAlive(m)
	runtime.KeepAlive(c.wait)
	if err := clerr.Check(st, "clEnqueueWriteBuffer"); err != nil {
		return nil, err
	}
	q.count(func(s *QueueStats) {
		s.Writes++
		s.BytesWritten += int64(len(src))
	})
	return newEvent(q, id, src), nil
}

// EnqueueCopy copies size bytes between memory objects of the queue's
// context.
func (q *CommandQueue) EnqueueCopy(src, dst *Memory, srcOffset, dstOffset, size int, opts ...EnqueueOption) (*Event, error) {
	return q.copy(src, dst, srcOffset, dstOffset, size, configure(opts))
}

func (q *CommandQueue) copy(src, dst *Memory, srcOffset, dstOffset, size int, c enqueueConfig) (*Event, error) {
	if err := q.owns(src); err != nil {
		return nil, err
	}
	if err := q.owns(dst); err != nil {
		return nil, err
	}
	id, st := q.rt.EnqueueCopyBuffer(q.h.Value(), src.ID(), dst.ID(), srcOffset, dstOffset, size, c.waitList())
	runtime.KeepAlive(src)
	runtime.KeepAlive(dst)
	runtime.KeepAlive(c.wait)
	if err := clerr.Check(st, "clEnqueueCopyBuffer"); err != nil {
		return nil, err
	}
	q.count(func(s *QueueStats) {
		s.Copies++
		s.BytesCopied += int64(size)
	})
	return newEvent(q, id, nil), nil
}

// span resolves the element range of a transfer over a buffer of n
// elements. The default count is everything after the offset.
func span(n, offset, count int) (int, error) {
	if count < 0 {
		count = n - offset
	}
	if offset < 0 || count <= 0 || offset+count > n {
		return 0, clerr.New(clerr.InvalidValue, "enqueue")
	}
	return count, nil
}

// ReadBuffer copies elements of b into dst. Defaults: offset 0, every
// element after the offset, blocking.
func ReadBuffer[T any](q *CommandQueue, b *Buffer[T], dst []T, opts ...EnqueueOption) (*Event, error) {
	c := configure(opts)
	count, err := span(b.Len(), c.offset, c.count)
	if err != nil {
		return nil, errors.Wrapf(err, "read %d of %d elements at %d", c.count, b.Len(), c.offset)
	}
	if len(dst) < count {
		return nil, errors.Wrapf(clerr.New(clerr.InvalidValue, "clEnqueueReadBuffer"),
			"destination holds %d elements, want %d", len(dst), count)
	}
	return q.read(b.mem, c.offset*sizeOf[T](), driver.View(dst[:count]), c)
}

// WriteBuffer copies elements of src into b. Defaults as for ReadBuffer.
func WriteBuffer[T any](q *CommandQueue, src []T, b *Buffer[T], opts ...EnqueueOption) (*Event, error) {
	c := configure(opts)
	count, err := span(b.Len(), c.offset, c.count)
	if err != nil {
		return nil, errors.Wrapf(err, "write %d of %d elements at %d", c.count, b.Len(), c.offset)
	}
	if len(src) < count {
		return nil, errors.Wrapf(clerr.New(clerr.InvalidValue, "clEnqueueWriteBuffer"),
			"source holds %d elements, want %d", len(src), count)
	}
	return q.write(b.mem, c.offset*sizeOf[T](), driver.View(src[:count]), c)
}

// CopyBuffer copies elements from src to dst. Without Count it copies every
// element of src after SrcOffset.
func CopyBuffer[T any](q *CommandQueue, src, dst *Buffer[T], opts ...EnqueueOption) (*Event, error) {
	c := configure(opts)
	count, err := span(src.Len(), c.srcOffset, c.count)
	if err != nil {
		return nil, errors.Wrapf(err, "copy %d of %d elements at %d", c.count, src.Len(), c.srcOffset)
	}
	size := sizeOf[T]()
	return q.copy(src.mem, dst.mem, c.srcOffset*size, c.dstOffset*size, count*size, c)
}

// Launch runs k over global. The kernel's argument bindings at the time of
// the call apply to this launch only.
func (q *CommandQueue) Launch(k *Kernel, global NDRange, opts ...EnqueueOption) (*Event, error) {
	c := configure(opts)
	if k.prog.ctx != q.ctx {
		return nil, clerr.New(clerr.InvalidContext, "clEnqueueNDRangeKernel")
	}
	if len(c.local) > 0 && len(c.local) != len(global) {
		return nil, errors.Wrapf(clerr.New(clerr.InvalidWorkDimension, "clEnqueueNDRangeKernel"),
			"local range %v for global range %v", c.local, global)
	}
	var local, offset []int
	if c.local.complete() {
		local = c.local
	}
	if len(c.offsetND) > 0 {
		offset = c.offsetND
	}
	id, st := q.rt.EnqueueNDRangeKernel(q.h.Value(), k.ID(), offset, global, local, c.waitList())
	runtime.KeepAlive(k)
	runtime.KeepAlive(c.wait)
	if err := clerr.Check(st, "clEnqueueNDRangeKernel"); err != nil {
		return nil, errors.Wrapf(err, "launch %s over %v", k.name, global)
	}
	q.count(func(s *QueueStats) { s.Launches++ })
	return newEvent(q, id, nil), nil
}

// Barrier orders every command enqueued before it ahead of every command
// enqueued after it, in both queue modes. With events it waits only for
// those.
func (q *CommandQueue) Barrier(after ...*Event) (*Event, error) {
	ids, _ := eventIDs(after)
	id, st := q.rt.EnqueueBarrier(q.h.Value(), ids)
	runtime.KeepAlive(after)
	if err := clerr.Check(st, "clEnqueueBarrierWithWaitList"); err != nil {
		return nil, err
	}
	q.count(func(s *QueueStats) { s.Barriers++ })
	return newEvent(q, id, nil), nil
}

// Marker completes once every earlier command, or the given events, have
// completed. Unlike Barrier it does not hold back later commands.
func (q *CommandQueue) Marker(after ...*Event) (*Event, error) {
	ids, _ := eventIDs(after)
	id, st := q.rt.EnqueueMarker(q.h.Value(), ids)
	runtime.KeepAlive(after)
	if err := clerr.Check(st, "clEnqueueMarkerWithWaitList"); err != nil {
		return nil, err
	}
	q.count(func(s *QueueStats) { s.Markers++ })
	return newEvent(q, id, nil), nil
}
