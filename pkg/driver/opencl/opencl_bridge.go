//go:build opencl && (linux || windows || darwin)
// +build opencl
// +build linux windows darwin

package opencl

/*
#cgo linux CFLAGS: -I/opt/rocm/include -I/usr/include
#cgo linux LDFLAGS: -L/opt/rocm/lib -L/usr/lib/x86_64-linux-gnu -lOpenCL
#cgo darwin CFLAGS: -framework OpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#cgo windows LDFLAGS: -lOpenCL

#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_0_APIS
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif

#include <stdlib.h>

// Binaries cross the boundary in C memory so the runtime never sees an
// array of Go pointers.
static unsigned char** clpp_alloc_binaries(size_t n) {
    return (unsigned char**)calloc(n, sizeof(unsigned char*));
}

static void clpp_set_binary(unsigned char** bins, size_t i, unsigned char* p) {
    bins[i] = p;
}

static unsigned char* clpp_binary(unsigned char** bins, size_t i) {
    return bins[i];
}

static void clpp_free_binaries(unsigned char** bins, size_t n) {
    for (size_t i = 0; i < n; i++) {
        free(bins[i]);
    }
    free(bins);
}
*/
import "C"

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/logging"
)

func init() {
	driver.Register("opencl", func() (driver.Runtime, error) {
		return New()
	})
}

// Available reports whether an ICD loader with at least one platform is
// present.
func Available() bool {
	var n C.cl_uint
	return C.clGetPlatformIDs(0, nil, &n) == C.CL_SUCCESS && n > 0
}

// Runtime forwards every call to the OpenCL ICD loader. Host memory handed
// to a non-blocking transfer or to a MemUseHostPtr buffer stays pinned until
// the owning event or buffer is released for the last time.
type Runtime struct {
	log *logrus.Entry

	mu   sync.Mutex
	pins map[uintptr]*runtime.Pinner
}

var _ driver.Runtime = (*Runtime)(nil)

// New opens the ICD loader. It fails when no platform is installed.
func New() (*Runtime, error) {
	if !Available() {
		return nil, errors.Wrap(ErrNoPlatform, "clGetPlatformIDs")
	}
	return &Runtime{
		log:  logging.WithComponent("opencl"),
		pins: map[uintptr]*runtime.Pinner{},
	}, nil
}

func (r *Runtime) Name() string { return "opencl" }

// as reinterprets a handle as the C handle type T. Every OpenCL handle is a
// pointer to an opaque struct, so the sizes agree.
func as[T any](h uintptr) T {
	return *(*T)(unsafe.Pointer(&h))
}

func handle[T any](p *T) uintptr {
	return uintptr(unsafe.Pointer(p))
}

func status(code C.cl_int) clerr.Status { return clerr.Status(code) }

// buf returns the C view of an info destination.
func buf(dst []byte) (C.size_t, unsafe.Pointer) {
	if len(dst) == 0 {
		return 0, nil
	}
	return C.size_t(len(dst)), unsafe.Pointer(&dst[0])
}

func deviceList(ids []driver.DeviceID) (C.cl_uint, *C.cl_device_id) {
	if len(ids) == 0 {
		return 0, nil
	}
	return C.cl_uint(len(ids)), (*C.cl_device_id)(unsafe.Pointer(&ids[0]))
}

func waitList(ids []driver.EventID) (C.cl_uint, *C.cl_event) {
	if len(ids) == 0 {
		return 0, nil
	}
	return C.cl_uint(len(ids)), (*C.cl_event)(unsafe.Pointer(&ids[0]))
}

func sizes(v []int) *C.size_t {
	if v == nil {
		return nil
	}
	out := make([]C.size_t, len(v))
	for i, n := range v {
		out[i] = C.size_t(n)
	}
	return &out[0]
}

func (r *Runtime) pin(h uintptr, p *byte) {
	pinner := new(runtime.Pinner)
	pinner.Pin(p)
	r.mu.Lock()
	r.pins[h] = pinner
	r.mu.Unlock()
}

func (r *Runtime) unpin(h uintptr) {
	r.mu.Lock()
	pinner := r.pins[h]
	delete(r.pins, h)
	r.mu.Unlock()
	if pinner != nil {
		pinner.Unpin()
	}
}

func (r *Runtime) pinned(h uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pins[h]
	return ok
}

// refCount reads a reference count through query. It returns 0 when the
// query fails.
func refCount(query func(dst []byte) (int, clerr.Status)) uint32 {
	b := make([]byte, 4)
	if _, st := query(b); st != clerr.Success {
		return 0
	}
	n, _ := driver.Value[uint32](b)
	return n
}

func (r *Runtime) PlatformIDs(dst []driver.PlatformID) (int, clerr.Status) {
	var n C.cl_uint
	var p *C.cl_platform_id
	if len(dst) > 0 {
		p = (*C.cl_platform_id)(unsafe.Pointer(&dst[0]))
	}
	st := C.clGetPlatformIDs(C.cl_uint(len(dst)), p, &n)
	return int(n), status(st)
}

func (r *Runtime) PlatformInfo(p driver.PlatformID, param driver.PlatformParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetPlatformInfo(as[C.cl_platform_id](uintptr(p)), C.cl_platform_info(param), n, ptr, &size)
	return int(size), status(st)
}

func (r *Runtime) DeviceIDs(p driver.PlatformID, t driver.DeviceType, dst []driver.DeviceID) (int, clerr.Status) {
	var n C.cl_uint
	count, list := deviceList(dst)
	st := C.clGetDeviceIDs(as[C.cl_platform_id](uintptr(p)), C.cl_device_type(t), count, list, &n)
	return int(n), status(st)
}

func (r *Runtime) DeviceInfo(d driver.DeviceID, param driver.DeviceParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetDeviceInfo(as[C.cl_device_id](uintptr(d)), C.cl_device_info(param), n, ptr, &size)
	return int(size), status(st)
}

func contextProps(p driver.PlatformID) *C.cl_context_properties {
	if p == 0 {
		return nil
	}
	props := []C.cl_context_properties{
		C.CL_CONTEXT_PLATFORM, C.cl_context_properties(p), 0,
	}
	return &props[0]
}

func (r *Runtime) CreateContext(p driver.PlatformID, devices []driver.DeviceID) (driver.ContextID, clerr.Status) {
	var code C.cl_int
	n, list := deviceList(devices)
	c := C.clCreateContext(contextProps(p), n, list, nil, nil, &code)
	return driver.ContextID(handle(c)), status(code)
}

func (r *Runtime) CreateContextFromType(p driver.PlatformID, t driver.DeviceType) (driver.ContextID, clerr.Status) {
	var code C.cl_int
	c := C.clCreateContextFromType(contextProps(p), C.cl_device_type(t), nil, nil, &code)
	return driver.ContextID(handle(c)), status(code)
}

func (r *Runtime) ContextInfo(c driver.ContextID, param driver.ContextParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetContextInfo(as[C.cl_context](uintptr(c)), C.cl_context_info(param), n, ptr, &size)
	return int(size), status(st)
}

func (r *Runtime) RetainContext(c driver.ContextID) clerr.Status {
	return status(C.clRetainContext(as[C.cl_context](uintptr(c))))
}

func (r *Runtime) ReleaseContext(c driver.ContextID) clerr.Status {
	return status(C.clReleaseContext(as[C.cl_context](uintptr(c))))
}

func (r *Runtime) CreateCommandQueue(c driver.ContextID, d driver.DeviceID, props driver.QueueProperties) (driver.QueueID, clerr.Status) {
	var code C.cl_int
	q := C.clCreateCommandQueue(as[C.cl_context](uintptr(c)), as[C.cl_device_id](uintptr(d)),
		C.cl_command_queue_properties(props), &code)
	return driver.QueueID(handle(q)), status(code)
}

// SetCommandQueueProperty uses the OpenCL 1.0 entry point. Loaders that
// dropped it report CL_INVALID_OPERATION.
func (r *Runtime) SetCommandQueueProperty(q driver.QueueID, props driver.QueueProperties, enable bool) clerr.Status {
	return status(C.clSetCommandQueueProperty(as[C.cl_command_queue](uintptr(q)),
		C.cl_command_queue_properties(props), clBool(enable), nil))
}

func (r *Runtime) QueueInfo(q driver.QueueID, param driver.QueueParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetCommandQueueInfo(as[C.cl_command_queue](uintptr(q)), C.cl_command_queue_info(param), n, ptr, &size)
	return int(size), status(st)
}

func (r *Runtime) RetainCommandQueue(q driver.QueueID) clerr.Status {
	return status(C.clRetainCommandQueue(as[C.cl_command_queue](uintptr(q))))
}

func (r *Runtime) ReleaseCommandQueue(q driver.QueueID) clerr.Status {
	return status(C.clReleaseCommandQueue(as[C.cl_command_queue](uintptr(q))))
}

func (r *Runtime) Flush(q driver.QueueID) clerr.Status {
	return status(C.clFlush(as[C.cl_command_queue](uintptr(q))))
}

func (r *Runtime) Finish(q driver.QueueID) clerr.Status {
	return status(C.clFinish(as[C.cl_command_queue](uintptr(q))))
}

func (r *Runtime) CreateBuffer(c driver.ContextID, flags driver.MemFlags, size int, host []byte) (driver.MemID, clerr.Status) {
	var code C.cl_int
	var ptr unsafe.Pointer
	if len(host) > 0 {
		ptr = unsafe.Pointer(&host[0])
	}
	m := C.clCreateBuffer(as[C.cl_context](uintptr(c)), C.cl_mem_flags(flags), C.size_t(size), ptr, &code)
	id := driver.MemID(handle(m))
	if code == C.CL_SUCCESS && flags&driver.MemUseHostPtr != 0 {
		r.pin(uintptr(id), &host[0])
	}
	return id, status(code)
}

func (r *Runtime) MemObjectInfo(m driver.MemID, param driver.MemParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetMemObjectInfo(as[C.cl_mem](uintptr(m)), C.cl_mem_info(param), n, ptr, &size)
	return int(size), status(st)
}

func (r *Runtime) RetainMemObject(m driver.MemID) clerr.Status {
	return status(C.clRetainMemObject(as[C.cl_mem](uintptr(m))))
}

func (r *Runtime) ReleaseMemObject(m driver.MemID) clerr.Status {
	last := false
	if r.pinned(uintptr(m)) {
		last = refCount(func(b []byte) (int, clerr.Status) {
			return r.MemObjectInfo(m, driver.MemReferenceCount, b)
		}) == 1
	}
	st := status(C.clReleaseMemObject(as[C.cl_mem](uintptr(m))))
	if st == clerr.Success && last {
		r.unpin(uintptr(m))
	}
	return st
}

func (r *Runtime) CreateProgramWithSource(c driver.ContextID, source string) (driver.ProgramID, clerr.Status) {
	src := C.CString(source)
	defer C.free(unsafe.Pointer(src))
	length := C.size_t(len(source))
	var code C.cl_int
	p := C.clCreateProgramWithSource(as[C.cl_context](uintptr(c)), 1, &src, &length, &code)
	return driver.ProgramID(handle(p)), status(code)
}

func (r *Runtime) CreateProgramWithBinary(c driver.ContextID, devices []driver.DeviceID, binaries [][]byte) (driver.ProgramID, []clerr.Status, clerr.Status) {
	if len(devices) == 0 || len(devices) != len(binaries) {
		return 0, nil, clerr.InvalidValue
	}
	n := C.size_t(len(binaries))
	bins := C.clpp_alloc_binaries(n)
	defer C.clpp_free_binaries(bins, n)
	lengths := make([]C.size_t, len(binaries))
	for i, b := range binaries {
		lengths[i] = C.size_t(len(b))
		C.clpp_set_binary(bins, C.size_t(i), (*C.uchar)(C.CBytes(b)))
	}

	codes := make([]C.cl_int, len(binaries))
	var code C.cl_int
	count, list := deviceList(devices)
	p := C.clCreateProgramWithBinary(as[C.cl_context](uintptr(c)), count, list,
		&lengths[0], bins, &codes[0], &code)

	statuses := make([]clerr.Status, len(codes))
	for i, s := range codes {
		statuses[i] = status(s)
	}
	return driver.ProgramID(handle(p)), statuses, status(code)
}

func (r *Runtime) BuildProgram(p driver.ProgramID, devices []driver.DeviceID, options string) clerr.Status {
	opts := C.CString(options)
	defer C.free(unsafe.Pointer(opts))
	n, list := deviceList(devices)
	st := status(C.clBuildProgram(as[C.cl_program](uintptr(p)), n, list, opts, nil, nil))
	r.log.WithFields(logrus.Fields{"program": p, "status": st.String()}).Debug("program built")
	return st
}

func (r *Runtime) ProgramInfo(p driver.ProgramID, param driver.ProgramParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetProgramInfo(as[C.cl_program](uintptr(p)), C.cl_program_info(param), n, ptr, &size)
	return int(size), status(st)
}

func (r *Runtime) ProgramBuildInfo(p driver.ProgramID, d driver.DeviceID, param driver.BuildParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetProgramBuildInfo(as[C.cl_program](uintptr(p)), as[C.cl_device_id](uintptr(d)),
		C.cl_program_build_info(param), n, ptr, &size)
	return int(size), status(st)
}

func (r *Runtime) ProgramBinaries(p driver.ProgramID) ([][]byte, clerr.Status) {
	query := func(b []byte) (int, clerr.Status) { return r.ProgramInfo(p, driver.ProgramBinarySizes, b) }
	size, st := query(nil)
	if st != clerr.Success {
		return nil, st
	}
	raw := make([]byte, size)
	if _, st := query(raw); st != clerr.Success {
		return nil, st
	}
	lengths := driver.Values[uintptr](raw)

	n := C.size_t(len(lengths))
	bins := C.clpp_alloc_binaries(n)
	defer C.clpp_free_binaries(bins, n)
	for i, l := range lengths {
		C.clpp_set_binary(bins, C.size_t(i), (*C.uchar)(C.malloc(C.size_t(l)+1)))
	}
	code := C.clGetProgramInfo(as[C.cl_program](uintptr(p)), C.CL_PROGRAM_BINARIES,
		n*C.size_t(unsafe.Sizeof(uintptr(0))), unsafe.Pointer(bins), nil)
	if code != C.CL_SUCCESS {
		return nil, status(code)
	}
	out := make([][]byte, len(lengths))
	for i, l := range lengths {
		out[i] = C.GoBytes(unsafe.Pointer(C.clpp_binary(bins, C.size_t(i))), C.int(l))
	}
	return out, clerr.Success
}

func (r *Runtime) RetainProgram(p driver.ProgramID) clerr.Status {
	return status(C.clRetainProgram(as[C.cl_program](uintptr(p))))
}

func (r *Runtime) ReleaseProgram(p driver.ProgramID) clerr.Status {
	return status(C.clReleaseProgram(as[C.cl_program](uintptr(p))))
}

func (r *Runtime) CreateKernel(p driver.ProgramID, name string) (driver.KernelID, clerr.Status) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var code C.cl_int
	k := C.clCreateKernel(as[C.cl_program](uintptr(p)), cname, &code)
	return driver.KernelID(handle(k)), status(code)
}

func (r *Runtime) KernelInfo(k driver.KernelID, param driver.KernelParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetKernelInfo(as[C.cl_kernel](uintptr(k)), C.cl_kernel_info(param), n, ptr, &size)
	return int(size), status(st)
}

func (r *Runtime) SetKernelArg(k driver.KernelID, index uint32, value []byte) clerr.Status {
	n, ptr := buf(value)
	return status(C.clSetKernelArg(as[C.cl_kernel](uintptr(k)), C.cl_uint(index), n, ptr))
}

func (r *Runtime) SetKernelArgMem(k driver.KernelID, index uint32, m driver.MemID) clerr.Status {
	mem := as[C.cl_mem](uintptr(m))
	return status(C.clSetKernelArg(as[C.cl_kernel](uintptr(k)), C.cl_uint(index),
		C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem)))
}

func (r *Runtime) SetKernelArgLocal(k driver.KernelID, index uint32, size int) clerr.Status {
	return status(C.clSetKernelArg(as[C.cl_kernel](uintptr(k)), C.cl_uint(index), C.size_t(size), nil))
}

func (r *Runtime) RetainKernel(k driver.KernelID) clerr.Status {
	return status(C.clRetainKernel(as[C.cl_kernel](uintptr(k))))
}

func (r *Runtime) ReleaseKernel(k driver.KernelID) clerr.Status {
	return status(C.clReleaseKernel(as[C.cl_kernel](uintptr(k))))
}

func clBool(b bool) C.cl_bool {
	if b {
		return C.CL_TRUE
	}
	return C.CL_FALSE
}

func (r *Runtime) EnqueueReadBuffer(q driver.QueueID, m driver.MemID, blocking bool, offset, size int, dst []byte, wait []driver.EventID) (driver.EventID, clerr.Status) {
	if size <= 0 || len(dst) < size {
		return 0, clerr.InvalidValue
	}
	var ev C.cl_event
	n, list := waitList(wait)
	code := C.clEnqueueReadBuffer(as[C.cl_command_queue](uintptr(q)), as[C.cl_mem](uintptr(m)), clBool(blocking),
		C.size_t(offset), C.size_t(size), unsafe.Pointer(&dst[0]), n, list, &ev)
	return r.transferred(ev, code, blocking, &dst[0])
}

func (r *Runtime) EnqueueWriteBuffer(q driver.QueueID, m driver.MemID, blocking bool, offset, size int, src []byte, wait []driver.EventID) (driver.EventID, clerr.Status) {
	if size <= 0 || len(src) < size {
		return 0, clerr.InvalidValue
	}
	var ev C.cl_event
	n, list := waitList(wait)
	code := C.clEnqueueWriteBuffer(as[C.cl_command_queue](uintptr(q)), as[C.cl_mem](uintptr(m)), clBool(blocking),
		C.size_t(offset), C.size_t(size), unsafe.Pointer(&src[0]), n, list, &ev)
	return r.transferred(ev, code, blocking, &src[0])
}

// transferred pins host memory behind a non-blocking transfer until its event
// is released.
func (r *Runtime) transferred(ev C.cl_event, code C.cl_int, blocking bool, host *byte) (driver.EventID, clerr.Status) {
	if code != C.CL_SUCCESS {
		return 0, status(code)
	}
	id := driver.EventID(handle(ev))
	if !blocking {
		r.pin(uintptr(id), host)
	}
	return id, clerr.Success
}

func (r *Runtime) EnqueueCopyBuffer(q driver.QueueID, src, dst driver.MemID, srcOffset, dstOffset, size int, wait []driver.EventID) (driver.EventID, clerr.Status) {
	var ev C.cl_event
	n, list := waitList(wait)
	code := C.clEnqueueCopyBuffer(as[C.cl_command_queue](uintptr(q)), as[C.cl_mem](uintptr(src)), as[C.cl_mem](uintptr(dst)),
		C.size_t(srcOffset), C.size_t(dstOffset), C.size_t(size), n, list, &ev)
	return driver.EventID(handle(ev)), status(code)
}

func (r *Runtime) EnqueueNDRangeKernel(q driver.QueueID, k driver.KernelID, globalOffset, global, local []int, wait []driver.EventID) (driver.EventID, clerr.Status) {
	if len(global) == 0 {
		return 0, clerr.InvalidWorkDimension
	}
	if (local != nil && len(local) != len(global)) || (globalOffset != nil && len(globalOffset) != len(global)) {
		return 0, clerr.InvalidWorkDimension
	}
	var ev C.cl_event
	n, list := waitList(wait)
	code := C.clEnqueueNDRangeKernel(as[C.cl_command_queue](uintptr(q)), as[C.cl_kernel](uintptr(k)),
		C.cl_uint(len(global)), sizes(globalOffset), sizes(global), sizes(local), n, list, &ev)
	return driver.EventID(handle(ev)), status(code)
}

func (r *Runtime) EnqueueBarrier(q driver.QueueID, wait []driver.EventID) (driver.EventID, clerr.Status) {
	var ev C.cl_event
	n, list := waitList(wait)
	code := C.clEnqueueBarrierWithWaitList(as[C.cl_command_queue](uintptr(q)), n, list, &ev)
	return driver.EventID(handle(ev)), status(code)
}

func (r *Runtime) EnqueueMarker(q driver.QueueID, wait []driver.EventID) (driver.EventID, clerr.Status) {
	var ev C.cl_event
	n, list := waitList(wait)
	code := C.clEnqueueMarkerWithWaitList(as[C.cl_command_queue](uintptr(q)), n, list, &ev)
	return driver.EventID(handle(ev)), status(code)
}

func (r *Runtime) EventInfo(e driver.EventID, param driver.EventParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetEventInfo(as[C.cl_event](uintptr(e)), C.cl_event_info(param), n, ptr, &size)
	return int(size), status(st)
}

func (r *Runtime) EventProfilingInfo(e driver.EventID, param driver.ProfilingParam, dst []byte) (int, clerr.Status) {
	var size C.size_t
	n, ptr := buf(dst)
	st := C.clGetEventProfilingInfo(as[C.cl_event](uintptr(e)), C.cl_profiling_info(param), n, ptr, &size)
	return int(size), status(st)
}

func (r *Runtime) WaitForEvents(events []driver.EventID) clerr.Status {
	n, list := waitList(events)
	return status(C.clWaitForEvents(n, list))
}

func (r *Runtime) RetainEvent(e driver.EventID) clerr.Status {
	return status(C.clRetainEvent(as[C.cl_event](uintptr(e))))
}

// ReleaseEvent waits for a pinned transfer before dropping the last
// reference, so the host memory is never unpinned under the device.
func (r *Runtime) ReleaseEvent(e driver.EventID) clerr.Status {
	last := false
	if r.pinned(uintptr(e)) {
		last = refCount(func(b []byte) (int, clerr.Status) {
			return r.EventInfo(e, driver.EventReferenceCount, b)
		}) == 1
		if last {
			r.WaitForEvents([]driver.EventID{e})
		}
	}
	st := status(C.clReleaseEvent(as[C.cl_event](uintptr(e))))
	if st == clerr.Success && last {
		r.unpin(uintptr(e))
	}
	return st
}
