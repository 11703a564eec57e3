// Package hostsim is a compute runtime that emulates OpenCL devices on the
// host.
//
// Devices, contexts, command queues, buffers, programs, kernels and events
// behave like their OpenCL counterparts: handles are reference counted,
// commands run asynchronously on goroutines, queues honour in-order and
// out-of-order execution, barriers and markers, and events record profiling
// timestamps from a monotonic clock.
//
// Program "compilation" parses kernel signatures from the source text and
// checks its structure, but kernel bodies are not interpreted. A kernel runs
// the Go function registered under its name:
//
//	hostsim.RegisterKernel("square", func(wi hostsim.WorkItem) {
//		out := hostsim.Global[int32](wi.Args(), 0)
//		i := wi.GlobalID(0)
//		out[i] = int32(i * i)
//	})
//
// A kernel declared in source without a registered function fails to build
// with a log entry naming it.
package hostsim

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/logging"
)

const (
	platformVersion = "OpenCL 1.2 clpp-hostsim"
	deviceVersion   = "OpenCL 1.2 clpp-hostsim"
	driverVersion   = "1.0"
	cVersion        = "OpenCL C 1.2"
	extensions      = "cl_khr_device_uuid"
	maxDims         = 3
)

func init() {
	driver.Register("hostsim", func() (driver.Runtime, error) {
		return New(DefaultConfig())
	})
}

type platform struct {
	id      driver.PlatformID
	cfg     PlatformConfig
	devices []*device
}

type device struct {
	id       driver.DeviceID
	platform *platform
	cfg      DeviceConfig
	typ      driver.DeviceType
	uuid     uuid.UUID
}

// object is one reference-counted entry in the handle table.
type object struct {
	refs  uint32
	value any
}

// destroyer is implemented by objects that hold references to parents or
// need cleanup when their count reaches zero.
type destroyer interface {
	destroy(r *Runtime)
}

// Runtime is an emulated compute runtime. It is safe for concurrent use.
type Runtime struct {
	epoch time.Time
	log   *logrus.Entry

	platforms []*platform
	devices   map[driver.DeviceID]*device

	mu      sync.Mutex
	next    uintptr
	objects map[uintptr]*object

	kernelsMu sync.RWMutex
	kernels   map[string]KernelFunc
}

var _ driver.Runtime = (*Runtime)(nil)

// New builds a runtime with the platforms and devices in cfg.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		epoch:   time.Now(),
		log:     logging.WithComponent("hostsim"),
		devices: map[driver.DeviceID]*device{},
		objects: map[uintptr]*object{},
		kernels: map[string]KernelFunc{},
		next:    0x1000,
	}
	for _, pc := range cfg.Platforms {
		p := &platform{id: driver.PlatformID(r.allocID()), cfg: pc}
		for i, dc := range pc.Devices {
			dc = dc.withDefaults()
			t, _ := driver.ParseDeviceType(dc.Type)
			d := &device{
				id:       driver.DeviceID(r.allocID()),
				platform: p,
				cfg:      dc,
				typ:      t,
				uuid:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s/%d", pc.Name, dc.Name, i))),
			}
			p.devices = append(p.devices, d)
			r.devices[d.id] = d
		}
		r.platforms = append(r.platforms, p)
	}
	return r, nil
}

// Name implements driver.Runtime.
func (r *Runtime) Name() string { return "hostsim" }

// RegisterKernel binds fn to kernels named name in programs built after the
// call. It takes precedence over the package-level registry.
func (r *Runtime) RegisterKernel(name string, fn KernelFunc) {
	r.kernelsMu.Lock()
	defer r.kernelsMu.Unlock()
	r.kernels[name] = fn
}

func (r *Runtime) lookupKernel(name string) (KernelFunc, bool) {
	r.kernelsMu.RLock()
	fn, ok := r.kernels[name]
	r.kernelsMu.RUnlock()
	if ok {
		return fn, true
	}
	return builtinKernel(name)
}

// LiveObjects returns the number of contexts, queues, buffers, programs,
// kernels and events that have not been destroyed.
func (r *Runtime) LiveObjects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// now is the device clock in nanoseconds.
func (r *Runtime) now() uint64 {
	return uint64(time.Since(r.epoch).Nanoseconds())
}

func (r *Runtime) allocID() uintptr {
	r.next += 0x10
	return r.next
}

// insert registers v with one reference and returns its handle.
func (r *Runtime) insert(v any) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.allocID()
	r.objects[id] = &object{refs: 1, value: v}
	return id
}

// lookup returns the live object behind h when it has type T.
func lookup[T any](r *Runtime, h uintptr) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	o, ok := r.objects[h]
	if !ok {
		return zero, false
	}
	v, ok := o.value.(T)
	return v, ok
}

func retain[T any](r *Runtime, h uintptr, invalid clerr.Status) clerr.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[h]
	if !ok {
		return invalid
	}
	if _, ok := o.value.(T); !ok {
		return invalid
	}
	o.refs++
	return clerr.Success
}

func release[T any](r *Runtime, h uintptr, invalid clerr.Status) clerr.Status {
	r.mu.Lock()
	o, ok := r.objects[h]
	if !ok {
		r.mu.Unlock()
		return invalid
	}
	if _, ok := o.value.(T); !ok {
		r.mu.Unlock()
		return invalid
	}
	o.refs--
	if o.refs > 0 {
		r.mu.Unlock()
		return clerr.Success
	}
	delete(r.objects, h)
	r.mu.Unlock()

	if d, ok := o.value.(destroyer); ok {
		d.destroy(r)
	}
	return clerr.Success
}

// refCount returns the reference count of h, or 0 when h is not live.
func (r *Runtime) refCount(h uintptr) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.objects[h]; ok {
		return o.refs
	}
	return 0
}

// addRef takes an internal reference on a parent object.
func (r *Runtime) addRef(h uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.objects[h]; ok {
		o.refs++
	}
}

func (r *Runtime) PlatformIDs(dst []driver.PlatformID) (int, clerr.Status) {
	ids := make([]driver.PlatformID, len(r.platforms))
	for i, p := range r.platforms {
		ids[i] = p.id
	}
	if dst != nil {
		copy(dst, ids)
	}
	return len(ids), clerr.Success
}

func (r *Runtime) findPlatform(p driver.PlatformID) (*platform, bool) {
	for _, pl := range r.platforms {
		if pl.id == p {
			return pl, true
		}
	}
	return nil, false
}

func (r *Runtime) PlatformInfo(p driver.PlatformID, param driver.PlatformParam, dst []byte) (int, clerr.Status) {
	pl, ok := r.findPlatform(p)
	if !ok {
		return 0, clerr.InvalidPlatform
	}
	var s string
	switch param {
	case driver.PlatformProfile:
		s = "FULL_PROFILE"
	case driver.PlatformVersion:
		s = platformVersion
	case driver.PlatformName:
		s = pl.cfg.Name
	case driver.PlatformVendor:
		s = pl.cfg.Vendor
	case driver.PlatformExtensions:
		s = extensions
	default:
		return 0, clerr.InvalidValue
	}
	return driver.Reply(dst, driver.CString(s))
}

func matches(d *device, t driver.DeviceType) bool {
	if t == driver.DeviceTypeAll {
		return true
	}
	return d.typ&t != 0
}

func validDeviceType(t driver.DeviceType) bool {
	known := driver.DeviceTypeDefault | driver.DeviceTypeCPU | driver.DeviceTypeGPU | driver.DeviceTypeAccelerator
	return t == driver.DeviceTypeAll || (t != 0 && t&^known == 0)
}

// devicesOfType lists the devices of p matching t. DeviceTypeDefault picks
// the first device of the platform.
func devicesOfType(p *platform, t driver.DeviceType) []*device {
	if t == driver.DeviceTypeDefault {
		if len(p.devices) == 0 {
			return nil
		}
		return p.devices[:1]
	}
	var out []*device
	for _, d := range p.devices {
		if matches(d, t) {
			out = append(out, d)
		}
	}
	return out
}

func (r *Runtime) DeviceIDs(p driver.PlatformID, t driver.DeviceType, dst []driver.DeviceID) (int, clerr.Status) {
	pl, ok := r.findPlatform(p)
	if !ok {
		return 0, clerr.InvalidPlatform
	}
	if !validDeviceType(t) {
		return 0, clerr.InvalidDeviceType
	}
	devs := devicesOfType(pl, t)
	if len(devs) == 0 {
		return 0, clerr.DeviceNotFound
	}
	for i := 0; i < len(devs) && i < len(dst); i++ {
		dst[i] = devs[i].id
	}
	return len(devs), clerr.Success
}

var littleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

func clBool(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (r *Runtime) DeviceInfo(id driver.DeviceID, param driver.DeviceParam, dst []byte) (int, clerr.Status) {
	d, ok := r.devices[id]
	if !ok {
		return 0, clerr.InvalidDevice
	}
	c := d.cfg
	var v []byte
	switch param {
	case driver.DeviceTypeInfo:
		v = driver.Bytes(uint64(d.typ))
	case driver.DeviceVendorID:
		v = driver.Bytes(uint32(0))
	case driver.DeviceMaxComputeUnits:
		v = driver.Bytes(uint32(c.ComputeUnits))
	case driver.DeviceMaxWorkItemDimensions:
		v = driver.Bytes(uint32(maxDims))
	case driver.DeviceMaxWorkGroupSize:
		v = driver.Bytes(uintptr(c.MaxWorkGroupSize))
	case driver.DeviceMaxWorkItemSizes:
		v = driver.SliceBytes(d.maxItemSizes())
	case driver.DeviceMaxClockFrequency:
		v = driver.Bytes(uint32(c.ClockMHz))
	case driver.DeviceAddressBits:
		v = driver.Bytes(uint32(unsafe.Sizeof(uintptr(0)) * 8))
	case driver.DeviceMaxMemAllocSize:
		v = driver.Bytes(uint64(c.MaxMemAllocSize))
	case driver.DeviceMaxParameterSize:
		v = driver.Bytes(uintptr(1024))
	case driver.DeviceGlobalMemCacheSize:
		v = driver.Bytes(uint64(1 << 20))
	case driver.DeviceGlobalMemSize:
		v = driver.Bytes(uint64(c.GlobalMemSize))
	case driver.DeviceMaxConstantBufferSize:
		v = driver.Bytes(uint64(64 << 10))
	case driver.DeviceLocalMemSize:
		v = driver.Bytes(uint64(c.LocalMemSize))
	case driver.DeviceProfilingTimerResolution:
		v = driver.Bytes(uintptr(1))
	case driver.DeviceEndianLittle:
		v = driver.Bytes(clBool(littleEndian))
	case driver.DeviceAvailable:
		v = driver.Bytes(clBool(!c.Unavailable))
	case driver.DeviceCompilerAvailable:
		v = driver.Bytes(clBool(!c.NoCompiler))
	case driver.DeviceQueueProperties:
		v = driver.Bytes(uint64(driver.QueueOutOfOrderExecModeEnable | driver.QueueProfilingEnable))
	case driver.DeviceName:
		v = driver.CString(c.Name)
	case driver.DeviceVendor:
		v = driver.CString(d.platform.cfg.Vendor)
	case driver.DriverVersion:
		v = driver.CString(driverVersion)
	case driver.DeviceProfile:
		v = driver.CString("FULL_PROFILE")
	case driver.DeviceVersion:
		v = driver.CString(deviceVersion)
	case driver.DeviceExtensions:
		v = driver.CString(extensions)
	case driver.DevicePlatform:
		v = driver.Bytes(d.platform.id)
	case driver.DeviceOpenCLCVersion:
		v = driver.CString(cVersion)
	case driver.DeviceUUID:
		v = d.uuid[:]
	default:
		return 0, clerr.InvalidValue
	}
	return driver.Reply(dst, v)
}

// maxItemSizes is the per-dimension work-item limit. Only the first
// dimension may use the whole work-group.
func (d *device) maxItemSizes() []uintptr {
	wg := uintptr(d.cfg.MaxWorkGroupSize)
	return []uintptr{wg, wg, 64}
}

type simContext struct {
	id       driver.ContextID
	platform *platform
	devices  []*device

	mu        sync.Mutex
	allocated int64
}

func (c *simContext) hasDevice(d *device) bool {
	for _, cd := range c.devices {
		if cd == d {
			return true
		}
	}
	return false
}

// minGlobalMem bounds the total allocation in a context by its smallest
// device.
func (c *simContext) minGlobalMem() int64 {
	m := c.devices[0].cfg.GlobalMemSize
	for _, d := range c.devices[1:] {
		if d.cfg.GlobalMemSize < m {
			m = d.cfg.GlobalMemSize
		}
	}
	return m
}

func (c *simContext) minMaxAlloc() int64 {
	m := c.devices[0].cfg.MaxMemAllocSize
	for _, d := range c.devices[1:] {
		if d.cfg.MaxMemAllocSize < m {
			m = d.cfg.MaxMemAllocSize
		}
	}
	return m
}

func (r *Runtime) newContext(pl *platform, devs []*device) (driver.ContextID, clerr.Status) {
	for _, d := range devs {
		if d.cfg.Unavailable {
			return 0, clerr.DeviceNotAvailable
		}
	}
	c := &simContext{platform: pl, devices: devs}
	c.id = driver.ContextID(r.insert(c))
	r.log.WithFields(logrus.Fields{"context": c.id, "devices": len(devs)}).Debug("context created")
	return c.id, clerr.Success
}

func (r *Runtime) CreateContext(p driver.PlatformID, ids []driver.DeviceID) (driver.ContextID, clerr.Status) {
	if len(ids) == 0 {
		return 0, clerr.InvalidValue
	}
	var pl *platform
	if p != 0 {
		var ok bool
		if pl, ok = r.findPlatform(p); !ok {
			return 0, clerr.InvalidPlatform
		}
	}

	seen := map[driver.DeviceID]bool{}
	var devs []*device
	for _, id := range ids {
		d, ok := r.devices[id]
		if !ok {
			return 0, clerr.InvalidDevice
		}
		if pl == nil {
			pl = d.platform
		}
		if d.platform != pl {
			return 0, clerr.InvalidDevice
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		devs = append(devs, d)
	}
	return r.newContext(pl, devs)
}

func (r *Runtime) CreateContextFromType(p driver.PlatformID, t driver.DeviceType) (driver.ContextID, clerr.Status) {
	pl, ok := r.findPlatform(p)
	if !ok {
		if p != 0 || len(r.platforms) == 0 {
			return 0, clerr.InvalidPlatform
		}
		pl = r.platforms[0]
	}
	if !validDeviceType(t) {
		return 0, clerr.InvalidDeviceType
	}
	var devs []*device
	for _, d := range devicesOfType(pl, t) {
		if !d.cfg.Unavailable {
			devs = append(devs, d)
		}
	}
	if len(devs) == 0 {
		return 0, clerr.DeviceNotFound
	}
	return r.newContext(pl, devs)
}

func (r *Runtime) ContextInfo(id driver.ContextID, param driver.ContextParam, dst []byte) (int, clerr.Status) {
	c, ok := lookup[*simContext](r, uintptr(id))
	if !ok {
		return 0, clerr.InvalidContext
	}
	var v []byte
	switch param {
	case driver.ContextReferenceCount:
		v = driver.Bytes(r.refCount(uintptr(id)))
	case driver.ContextDevices:
		ids := make([]driver.DeviceID, len(c.devices))
		for i, d := range c.devices {
			ids[i] = d.id
		}
		v = driver.SliceBytes(ids)
	case driver.ContextNumDevices:
		v = driver.Bytes(uint32(len(c.devices)))
	case driver.ContextProperties:
		v = driver.SliceBytes([]uintptr{driver.ContextPlatform, uintptr(c.platform.id), 0})
	default:
		return 0, clerr.InvalidValue
	}
	return driver.Reply(dst, v)
}

func (r *Runtime) RetainContext(c driver.ContextID) clerr.Status {
	return retain[*simContext](r, uintptr(c), clerr.InvalidContext)
}

func (r *Runtime) ReleaseContext(c driver.ContextID) clerr.Status {
	return release[*simContext](r, uintptr(c), clerr.InvalidContext)
}

func (c *simContext) destroy(r *Runtime) {
	r.log.WithField("context", c.id).Debug("context destroyed")
}
