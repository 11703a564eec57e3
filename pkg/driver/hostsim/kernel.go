package hostsim

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/logging"
)

// KernelFunc is the body of a kernel. It runs once per work-item. Work-items
// of one work-group run sequentially on one goroutine and work-groups run in
// parallel, so a kernel must not rely on work-group barriers.
type KernelFunc func(wi WorkItem)

var (
	builtinsMu sync.RWMutex
	builtins   = map[string]KernelFunc{}
)

// RegisterKernel binds fn to the kernel name for every Runtime. A
// registration on a Runtime takes precedence.
func RegisterKernel(name string, fn KernelFunc) {
	if fn == nil {
		panic("hostsim: RegisterKernel function is nil")
	}
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	builtins[name] = fn
}

func builtinKernel(name string) (KernelFunc, bool) {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	fn, ok := builtins[name]
	return fn, ok
}

// WorkItem identifies one kernel invocation within the NDRange.
type WorkItem struct {
	dims       int
	global     [maxDims]int
	local      [maxDims]int
	group      [maxDims]int
	globalSize [maxDims]int
	localSize  [maxDims]int
	offset     [maxDims]int
	args       *Args
}

// WorkDim returns the number of dimensions in use.
func (w WorkItem) WorkDim() int { return w.dims }

// GlobalID includes the global offset, as get_global_id does.
func (w WorkItem) GlobalID(dim int) int { return w.global[dim] }

func (w WorkItem) LocalID(dim int) int      { return w.local[dim] }
func (w WorkItem) GroupID(dim int) int      { return w.group[dim] }
func (w WorkItem) GlobalSize(dim int) int   { return w.globalSize[dim] }
func (w WorkItem) LocalSize(dim int) int    { return w.localSize[dim] }
func (w WorkItem) GlobalOffset(dim int) int { return w.offset[dim] }

func (w WorkItem) NumGroups(dim int) int {
	return w.globalSize[dim] / w.localSize[dim]
}

// Args returns the argument values captured when the kernel was enqueued.
func (w WorkItem) Args() *Args { return w.args }

type argValue struct {
	set   bool
	kind  paramKind
	bytes []byte  // scalar value
	mem   *memory // global buffer
	local int     // local allocation size
}

// Args holds the arguments of one launch. Local memory is per work-group.
type Args struct {
	values []argValue
	local  [][]byte
}

// Len returns the number of kernel arguments.
func (a *Args) Len() int { return len(a.values) }

// Raw returns the bytes behind argument i: the buffer contents for a global
// pointer, the group's allocation for a local pointer, the value otherwise.
func (a *Args) Raw(i int) []byte {
	v := a.values[i]
	switch v.kind {
	case paramGlobal:
		return v.mem.data
	case paramLocal:
		return a.local[i]
	default:
		return v.bytes
	}
}

func view[T any](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size)
}

// Global views a __global pointer argument as a slice of T.
func Global[T any](a *Args, i int) []T {
	if a.values[i].kind != paramGlobal {
		panic(fmt.Sprintf("hostsim: argument %d is not a global pointer", i))
	}
	return view[T](a.Raw(i))
}

// Local views a __local pointer argument as a slice of T.
func Local[T any](a *Args, i int) []T {
	if a.values[i].kind != paramLocal {
		panic(fmt.Sprintf("hostsim: argument %d is not a local pointer", i))
	}
	return view[T](a.Raw(i))
}

// Scalar decodes a by-value argument.
func Scalar[T any](a *Args, i int) T {
	if a.values[i].kind != paramScalar {
		panic(fmt.Sprintf("hostsim: argument %d is not a scalar", i))
	}
	v, ok := driver.Value[T](a.values[i].bytes)
	if !ok {
		panic(fmt.Sprintf("hostsim: argument %d holds %d bytes", i, len(a.values[i].bytes)))
	}
	return v
}

type kernel struct {
	id   driver.KernelID
	prog *program
	decl *kernelDecl
	fn   KernelFunc

	mu   sync.Mutex
	args []argValue
}

func (r *Runtime) CreateKernel(pid driver.ProgramID, name string) (driver.KernelID, clerr.Status) {
	p, ok := lookup[*program](r, uintptr(pid))
	if !ok {
		return 0, clerr.InvalidProgram
	}
	if !p.anyBuilt() {
		return 0, clerr.InvalidProgramExecutable
	}
	p.mu.Lock()
	decl, ok := p.decls[name]
	fn := p.impls[name]
	if ok {
		p.kernels++
	}
	p.mu.Unlock()
	if !ok {
		return 0, clerr.InvalidKernelName
	}

	k := &kernel{prog: p, decl: decl, fn: fn, args: make([]argValue, len(decl.params))}
	for i, prm := range decl.params {
		k.args[i].kind = prm.kind
	}
	r.addRef(uintptr(p.id))
	k.id = driver.KernelID(r.insert(k))
	return k.id, clerr.Success
}

func (k *kernel) destroy(r *Runtime) {
	k.prog.mu.Lock()
	k.prog.kernels--
	k.prog.mu.Unlock()
	release[*program](r, uintptr(k.prog.id), clerr.InvalidProgram)
}

func (r *Runtime) KernelInfo(id driver.KernelID, param driver.KernelParam, dst []byte) (int, clerr.Status) {
	k, ok := lookup[*kernel](r, uintptr(id))
	if !ok {
		return 0, clerr.InvalidKernel
	}
	var v []byte
	switch param {
	case driver.KernelFunctionName:
		v = driver.CString(k.decl.name)
	case driver.KernelNumArgs:
		v = driver.Bytes(uint32(len(k.decl.params)))
	case driver.KernelReferenceCount:
		v = driver.Bytes(r.refCount(uintptr(id)))
	case driver.KernelContext:
		v = driver.Bytes(k.prog.ctx.id)
	case driver.KernelProgram:
		v = driver.Bytes(k.prog.id)
	default:
		return 0, clerr.InvalidValue
	}
	return driver.Reply(dst, v)
}

func (r *Runtime) kernelParam(id driver.KernelID, index uint32) (*kernel, paramDecl, clerr.Status) {
	k, ok := lookup[*kernel](r, uintptr(id))
	if !ok {
		return nil, paramDecl{}, clerr.InvalidKernel
	}
	if int(index) >= len(k.decl.params) {
		return nil, paramDecl{}, clerr.InvalidArgIndex
	}
	return k, k.decl.params[index], clerr.Success
}

// SetKernelArg copies value, so the caller may reuse it immediately.
func (r *Runtime) SetKernelArg(id driver.KernelID, index uint32, value []byte) clerr.Status {
	k, prm, st := r.kernelParam(id, index)
	if st != clerr.Success {
		return st
	}
	if prm.kind != paramScalar {
		return clerr.InvalidArgValue
	}
	if len(value) == 0 || (prm.size > 0 && len(value) != prm.size) {
		return clerr.InvalidArgSize
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.args[index] = argValue{set: true, kind: paramScalar, bytes: append([]byte(nil), value...)}
	return clerr.Success
}

func (r *Runtime) SetKernelArgMem(id driver.KernelID, index uint32, mid driver.MemID) clerr.Status {
	k, prm, st := r.kernelParam(id, index)
	if st != clerr.Success {
		return st
	}
	if prm.kind != paramGlobal {
		return clerr.InvalidArgValue
	}
	m, ok := lookup[*memory](r, uintptr(mid))
	if !ok {
		return clerr.InvalidMemObject
	}
	if m.ctx != k.prog.ctx {
		return clerr.InvalidContext
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.args[index] = argValue{set: true, kind: paramGlobal, mem: m}
	return clerr.Success
}

func (r *Runtime) SetKernelArgLocal(id driver.KernelID, index uint32, size int) clerr.Status {
	k, prm, st := r.kernelParam(id, index)
	if st != clerr.Success {
		return st
	}
	if prm.kind != paramLocal {
		return clerr.InvalidArgValue
	}
	if size <= 0 {
		return clerr.InvalidArgSize
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.args[index] = argValue{set: true, kind: paramLocal, local: size}
	return clerr.Success
}

func (r *Runtime) RetainKernel(k driver.KernelID) clerr.Status {
	return retain[*kernel](r, uintptr(k), clerr.InvalidKernel)
}

func (r *Runtime) ReleaseKernel(k driver.KernelID) clerr.Status {
	return release[*kernel](r, uintptr(k), clerr.InvalidKernel)
}

// launch is a validated NDRange.
type launch struct {
	dims   int
	offset [maxDims]int
	global [maxDims]int
	local  [maxDims]int
}

func (l launch) groups() [maxDims]int {
	var g [maxDims]int
	for d := 0; d < maxDims; d++ {
		g[d] = l.global[d] / l.local[d]
	}
	return g
}

func (r *Runtime) EnqueueNDRangeKernel(qid driver.QueueID, kid driver.KernelID, globalOffset, global, local []int, wait []driver.EventID) (driver.EventID, clerr.Status) {
	q, ok := lookup[*queue](r, uintptr(qid))
	if !ok {
		return 0, clerr.InvalidCommandQueue
	}
	k, ok := lookup[*kernel](r, uintptr(kid))
	if !ok {
		return 0, clerr.InvalidKernel
	}
	if k.prog.ctx != q.ctx {
		return 0, clerr.InvalidContext
	}
	if !k.prog.builtOn(q.dev) {
		return 0, clerr.InvalidProgramExecutable
	}
	l, st := r.shape(q.dev, globalOffset, global, local)
	if st != clerr.Success {
		return 0, st
	}

	k.mu.Lock()
	args := append([]argValue(nil), k.args...)
	k.mu.Unlock()
	var localBytes int
	for _, a := range args {
		if !a.set {
			return 0, clerr.InvalidKernelArgs
		}
		if a.kind == paramGlobal && a.mem.ctx != q.ctx {
			return 0, clerr.InvalidContext
		}
		localBytes += a.local
	}
	if int64(localBytes) > q.dev.cfg.LocalMemSize {
		return 0, clerr.OutOfResources
	}

	deps, st := r.resolveWaitList(q, wait)
	if st != clerr.Success {
		return 0, st
	}
	name := k.decl.name
	fn := k.fn
	ev := q.enqueue(driver.CommandNDRangeKernel, deps, orderCommand, func() clerr.Status {
		if err := r.run(q.dev, fn, l, args); err != nil {
			logging.Diagnostic("hostsim", "kernel failed", err, logrus.Fields{"kernel": name, "queue": q.id})
			return clerr.OutOfResources
		}
		return clerr.Success
	})
	return ev.id, clerr.Success
}

// shape validates the NDRange against the device limits and picks a
// work-group size when local is nil.
func (r *Runtime) shape(dev *device, offset, global, local []int) (launch, clerr.Status) {
	l := launch{dims: len(global)}
	if l.dims < 1 || l.dims > maxDims {
		return l, clerr.InvalidWorkDimension
	}
	if local != nil && len(local) != l.dims {
		return l, clerr.InvalidWorkDimension
	}
	if offset != nil && len(offset) != l.dims {
		return l, clerr.InvalidGlobalOffset
	}
	for d := 0; d < maxDims; d++ {
		l.global[d], l.local[d] = 1, 1
	}
	for d := 0; d < l.dims; d++ {
		if global[d] <= 0 {
			return l, clerr.InvalidGlobalWorkSize
		}
		l.global[d] = global[d]
		if offset != nil {
			if offset[d] < 0 {
				return l, clerr.InvalidGlobalOffset
			}
			l.offset[d] = offset[d]
		}
	}

	maxItems := dev.maxItemSizes()
	maxGroup := dev.cfg.MaxWorkGroupSize
	if local == nil {
		budget := maxGroup
		for d := 0; d < l.dims; d++ {
			l.local[d] = largestDivisor(l.global[d], min(budget, int(maxItems[d])))
			budget /= l.local[d]
		}
		return l, clerr.Success
	}

	total := 1
	for d := 0; d < l.dims; d++ {
		if local[d] <= 0 || l.global[d]%local[d] != 0 {
			return l, clerr.InvalidWorkGroupSize
		}
		if local[d] > int(maxItems[d]) {
			return l, clerr.InvalidWorkItemSize
		}
		l.local[d] = local[d]
		total *= local[d]
	}
	if total > maxGroup {
		return l, clerr.InvalidWorkGroupSize
	}
	return l, clerr.Success
}

// largestDivisor returns the largest divisor of n that is at most limit.
func largestDivisor(n, limit int) int {
	if limit < 1 {
		return 1
	}
	for d := min(n, limit); d > 1; d-- {
		if n%d == 0 {
			return d
		}
	}
	return 1
}

// run executes every work-group, at most one per compute unit at a time.
func (r *Runtime) run(dev *device, fn KernelFunc, l launch, args []argValue) error {
	groups := l.groups()
	total := groups[0] * groups[1] * groups[2]

	var g errgroup.Group
	g.SetLimit(dev.cfg.ComputeUnits)
	for n := 0; n < total; n++ {
		group := [maxDims]int{n % groups[0], (n / groups[0]) % groups[1], n / (groups[0] * groups[1])}
		g.Go(func() error {
			return runGroup(fn, l, group, args)
		})
	}
	return g.Wait()
}

func runGroup(fn KernelFunc, l launch, group [maxDims]int, values []argValue) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("work-group %v panicked: %v", group, p)
		}
	}()

	a := &Args{values: values, local: make([][]byte, len(values))}
	for i, v := range values {
		if v.kind == paramLocal {
			a.local[i] = make([]byte, v.local)
		}
	}

	wi := WorkItem{
		dims:       l.dims,
		group:      group,
		globalSize: l.global,
		localSize:  l.local,
		offset:     l.offset,
		args:       a,
	}
	for z := 0; z < l.local[2]; z++ {
		for y := 0; y < l.local[1]; y++ {
			for x := 0; x < l.local[0]; x++ {
				wi.local = [maxDims]int{x, y, z}
				for d := 0; d < maxDims; d++ {
					wi.global[d] = group[d]*l.local[d] + wi.local[d] + l.offset[d]
				}
				fn(wi)
			}
		}
	}
	return nil
}
