package cl

import (
	"strings"

	"github.com/google/uuid"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
)

// Platform is a runtime platform. Platforms are not reference counted. The
// zero Platform lets the runtime pick its default platform.
type Platform struct {
	rt driver.Runtime
	id driver.PlatformID
}

// Platforms lists the platforms of rt.
func Platforms(rt driver.Runtime) ([]Platform, error) {
	n, st := rt.PlatformIDs(nil)
	if err := clerr.Check(st, "clGetPlatformIDs"); err != nil {
		return nil, err
	}
	ids := make([]driver.PlatformID, n)
	if n > 0 {
		if _, st := rt.PlatformIDs(ids); st != clerr.Success {
			return nil, clerr.Check(st, "clGetPlatformIDs")
		}
	}
	out := make([]Platform, n)
	for i, id := range ids {
		out[i] = Platform{rt: rt, id: id}
	}
	return out, nil
}

// ID returns the native platform handle.
func (p Platform) ID() driver.PlatformID { return p.id }

func (p Platform) info(param driver.PlatformParam) (string, error) {
	return queryString(func(b []byte) (int, clerr.Status) {
		return p.rt.PlatformInfo(p.id, param, b)
	}, "clGetPlatformInfo")
}

func (p Platform) Name() (string, error)    { return p.info(driver.PlatformName) }
func (p Platform) Vendor() (string, error)  { return p.info(driver.PlatformVendor) }
func (p Platform) Version() (string, error) { return p.info(driver.PlatformVersion) }
func (p Platform) Profile() (string, error) { return p.info(driver.PlatformProfile) }

// Extensions splits the space separated extension list.
func (p Platform) Extensions() ([]string, error) {
	s, err := p.info(driver.PlatformExtensions)
	if err != nil {
		return nil, err
	}
	return strings.Fields(s), nil
}

// Devices lists the devices of type t. No matching device is reported as
// CL_DEVICE_NOT_FOUND.
func (p Platform) Devices(t driver.DeviceType) ([]Device, error) {
	n, st := p.rt.DeviceIDs(p.id, t, nil)
	if err := clerr.Check(st, "clGetDeviceIDs"); err != nil {
		return nil, err
	}
	ids := make([]driver.DeviceID, n)
	if _, st := p.rt.DeviceIDs(p.id, t, ids); st != clerr.Success {
		return nil, clerr.Check(st, "clGetDeviceIDs")
	}
	return devicesOf(p.rt, ids), nil
}

// Device is a compute device. Devices are not reference counted.
type Device struct {
	rt driver.Runtime
	id driver.DeviceID
}

func devicesOf(rt driver.Runtime, ids []driver.DeviceID) []Device {
	out := make([]Device, len(ids))
	for i, id := range ids {
		out[i] = Device{rt: rt, id: id}
	}
	return out
}

// ID returns the native device handle.
func (d Device) ID() driver.DeviceID { return d.id }

// Runtime returns the runtime the device belongs to.
func (d Device) Runtime() driver.Runtime { return d.rt }

func (d Device) query(param driver.DeviceParam) infoQuery {
	return func(b []byte) (int, clerr.Status) { return d.rt.DeviceInfo(d.id, param, b) }
}

func (d Device) str(param driver.DeviceParam) (string, error) {
	return queryString(d.query(param), "clGetDeviceInfo")
}

func (d Device) Name() (string, error)          { return d.str(driver.DeviceName) }
func (d Device) Vendor() (string, error)        { return d.str(driver.DeviceVendor) }
func (d Device) Version() (string, error)       { return d.str(driver.DeviceVersion) }
func (d Device) DriverVersion() (string, error) { return d.str(driver.DriverVersion) }
func (d Device) Profile() (string, error)       { return d.str(driver.DeviceProfile) }
func (d Device) CVersion() (string, error)      { return d.str(driver.DeviceOpenCLCVersion) }

func (d Device) Extensions() ([]string, error) {
	s, err := d.str(driver.DeviceExtensions)
	if err != nil {
		return nil, err
	}
	return strings.Fields(s), nil
}

// Platform returns the platform that owns the device.
func (d Device) Platform() (Platform, error) {
	id, err := queryValue[driver.PlatformID](d.query(driver.DevicePlatform), "clGetDeviceInfo")
	return Platform{rt: d.rt, id: id}, err
}

func (d Device) Type() (driver.DeviceType, error) {
	t, err := queryValue[uint64](d.query(driver.DeviceTypeInfo), "clGetDeviceInfo")
	return driver.DeviceType(t), err
}

func (d Device) boolean(param driver.DeviceParam) (bool, error) {
	v, err := queryValue[uint32](d.query(param), "clGetDeviceInfo")
	return v != 0, err
}

func (d Device) Available() (bool, error)         { return d.boolean(driver.DeviceAvailable) }
func (d Device) CompilerAvailable() (bool, error) { return d.boolean(driver.DeviceCompilerAvailable) }
func (d Device) LittleEndian() (bool, error)      { return d.boolean(driver.DeviceEndianLittle) }

func (d Device) MaxComputeUnits() (int, error) {
	v, err := queryValue[uint32](d.query(driver.DeviceMaxComputeUnits), "clGetDeviceInfo")
	return int(v), err
}

// MaxClockFrequency is in MHz.
func (d Device) MaxClockFrequency() (int, error) {
	v, err := queryValue[uint32](d.query(driver.DeviceMaxClockFrequency), "clGetDeviceInfo")
	return int(v), err
}

func (d Device) GlobalMemSize() (uint64, error) {
	return queryValue[uint64](d.query(driver.DeviceGlobalMemSize), "clGetDeviceInfo")
}

func (d Device) LocalMemSize() (uint64, error) {
	return queryValue[uint64](d.query(driver.DeviceLocalMemSize), "clGetDeviceInfo")
}

func (d Device) MaxMemAllocSize() (uint64, error) {
	return queryValue[uint64](d.query(driver.DeviceMaxMemAllocSize), "clGetDeviceInfo")
}

func (d Device) MaxWorkGroupSize() (int, error) {
	v, err := queryValue[uintptr](d.query(driver.DeviceMaxWorkGroupSize), "clGetDeviceInfo")
	return int(v), err
}

// MaxWorkItemSizes returns the per-dimension work-item limit.
func (d Device) MaxWorkItemSizes() ([]int, error) {
	v, err := querySlice[uintptr](d.query(driver.DeviceMaxWorkItemSizes), "clGetDeviceInfo")
	if err != nil {
		return nil, err
	}
	out := make([]int, len(v))
	for i, n := range v {
		out[i] = int(n)
	}
	return out, nil
}

// QueueProperties lists the queue modes the device supports.
func (d Device) QueueProperties() (driver.QueueProperties, error) {
	v, err := queryValue[uint64](d.query(driver.DeviceQueueProperties), "clGetDeviceInfo")
	return driver.QueueProperties(v), err
}

// UUID needs cl_khr_device_uuid. Devices without it return the query error.
func (d Device) UUID() (uuid.UUID, error) {
	b, err := queryBytes(d.query(driver.DeviceUUID), "clGetDeviceInfo")
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(b)
}

// DeviceInfo is a snapshot of the commonly reported device properties.
type DeviceInfo struct {
	Name             string
	Vendor           string
	Version          string
	DriverVersion    string
	Type             driver.DeviceType
	Available        bool
	Compiler         bool
	ComputeUnits     int
	ClockMHz         int
	GlobalMemSize    uint64
	LocalMemSize     uint64
	MaxMemAllocSize  uint64
	MaxWorkGroupSize int
	MaxWorkItemSizes []int
	UUID             string
}

// Describe collects DeviceInfo. The UUID is left empty when the device
// does not report one.
func (d Device) Describe() (DeviceInfo, error) {
	var info DeviceInfo
	var err error
	steps := []func() error{
		func() error { info.Name, err = d.Name(); return err },
		func() error { info.Vendor, err = d.Vendor(); return err },
		func() error { info.Version, err = d.Version(); return err },
		func() error { info.DriverVersion, err = d.DriverVersion(); return err },
		func() error { info.Type, err = d.Type(); return err },
		func() error { info.Available, err = d.Available(); return err },
		func() error { info.Compiler, err = d.CompilerAvailable(); return err },
		func() error { info.ComputeUnits, err = d.MaxComputeUnits(); return err },
		func() error { info.ClockMHz, err = d.MaxClockFrequency(); return err },
		func() error { info.GlobalMemSize, err = d.GlobalMemSize(); return err },
		func() error { info.LocalMemSize, err = d.LocalMemSize(); return err },
		func() error { info.MaxMemAllocSize, err = d.MaxMemAllocSize(); return err },
		func() error { info.MaxWorkGroupSize, err = d.MaxWorkGroupSize(); return err },
		func() error { info.MaxWorkItemSizes, err = d.MaxWorkItemSizes(); return err },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return info, err
		}
	}
	if id, err := d.UUID(); err == nil {
		info.UUID = id.String()
	}
	return info, nil
}
