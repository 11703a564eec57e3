// Package driver defines the boundary between clpp and a native compute
// runtime.
//
// The Runtime interface mirrors the OpenCL 1.2 C API closely: every call
// returns a clerr.Status, handles are opaque pointer-sized values whose zero
// value is the null handle, and information queries use the two-call shape
// where a nil destination asks for the size and a second call fills a buffer
// of that size.
//
// Two backends register themselves:
//
//	opencl   - cgo binding to the system ICD loader (build with -tags opencl)
//	hostsim  - pure-Go emulated devices, always available
//
// Backends are chosen by name through Open, or by Select which tries a
// preferred backend and then the remaining ones in a fixed order.
package driver

import "fmt"

// Opaque native handles. The zero value of each is the null handle.
type (
	PlatformID uintptr
	DeviceID   uintptr
	ContextID  uintptr
	QueueID    uintptr
	MemID      uintptr
	ProgramID  uintptr
	KernelID   uintptr
	EventID    uintptr
)

// DeviceType is a cl_device_type bitfield.
type DeviceType uint64

const (
	DeviceTypeDefault     DeviceType = 1 << 0
	DeviceTypeCPU         DeviceType = 1 << 1
	DeviceTypeGPU         DeviceType = 1 << 2
	DeviceTypeAccelerator DeviceType = 1 << 3
	DeviceTypeAll         DeviceType = 0xFFFFFFFF
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeDefault:
		return "default"
	case DeviceTypeCPU:
		return "cpu"
	case DeviceTypeGPU:
		return "gpu"
	case DeviceTypeAccelerator:
		return "accelerator"
	case DeviceTypeAll:
		return "all"
	}
	return fmt.Sprintf("DeviceType(%#x)", uint64(t))
}

// ParseDeviceType maps the names printed by String back to a DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	switch s {
	case "default", "":
		return DeviceTypeDefault, nil
	case "cpu":
		return DeviceTypeCPU, nil
	case "gpu":
		return DeviceTypeGPU, nil
	case "accelerator", "accel":
		return DeviceTypeAccelerator, nil
	case "all":
		return DeviceTypeAll, nil
	}
	return 0, fmt.Errorf("driver: unknown device type %q", s)
}

// QueueProperties is a cl_command_queue_properties bitfield.
type QueueProperties uint64

const (
	QueueOutOfOrderExecModeEnable QueueProperties = 1 << 0
	QueueProfilingEnable          QueueProperties = 1 << 1
)

// MemFlags is a cl_mem_flags bitfield.
type MemFlags uint64

const (
	MemReadWrite    MemFlags = 1 << 0
	MemWriteOnly    MemFlags = 1 << 1
	MemReadOnly     MemFlags = 1 << 2
	MemUseHostPtr   MemFlags = 1 << 3
	MemAllocHostPtr MemFlags = 1 << 4
	MemCopyHostPtr  MemFlags = 1 << 5
)

// Access returns only the read/write intent bits.
func (f MemFlags) Access() MemFlags {
	return f & (MemReadWrite | MemWriteOnly | MemReadOnly)
}

// CommandType is a cl_command_type.
type CommandType uint32

const (
	CommandNDRangeKernel     CommandType = 0x11F0
	CommandTask              CommandType = 0x11F1
	CommandNativeKernel      CommandType = 0x11F2
	CommandReadBuffer        CommandType = 0x11F3
	CommandWriteBuffer       CommandType = 0x11F4
	CommandCopyBuffer        CommandType = 0x11F5
	CommandReadImage         CommandType = 0x11F6
	CommandWriteImage        CommandType = 0x11F7
	CommandCopyImage         CommandType = 0x11F8
	CommandCopyImageToBuffer CommandType = 0x11F9
	CommandCopyBufferToImage CommandType = 0x11FA
	CommandMapBuffer         CommandType = 0x11FB
	CommandMapImage          CommandType = 0x11FC
	CommandUnmapMemObject    CommandType = 0x11FD
	CommandMarker            CommandType = 0x11FE
	CommandReadBufferRect    CommandType = 0x1201
	CommandWriteBufferRect   CommandType = 0x1202
	CommandCopyBufferRect    CommandType = 0x1203
	CommandUser              CommandType = 0x1204
	CommandBarrier           CommandType = 0x1205
	CommandMigrateMemObjects CommandType = 0x1206
	CommandFillBuffer        CommandType = 0x1207
	CommandFillImage         CommandType = 0x1208
)

var commandNames = map[CommandType]string{
	CommandNDRangeKernel:     "ndrange-kernel",
	CommandTask:              "task",
	CommandNativeKernel:      "native-kernel",
	CommandReadBuffer:        "read-buffer",
	CommandWriteBuffer:       "write-buffer",
	CommandCopyBuffer:        "copy-buffer",
	CommandReadImage:         "read-image",
	CommandWriteImage:        "write-image",
	CommandCopyImage:         "copy-image",
	CommandCopyImageToBuffer: "copy-image-to-buffer",
	CommandCopyBufferToImage: "copy-buffer-to-image",
	CommandMapBuffer:         "map-buffer",
	CommandMapImage:          "map-image",
	CommandUnmapMemObject:    "unmap-mem-object",
	CommandMarker:            "marker",
	CommandReadBufferRect:    "read-buffer-rect",
	CommandWriteBufferRect:   "write-buffer-rect",
	CommandCopyBufferRect:    "copy-buffer-rect",
	CommandUser:              "user",
	CommandBarrier:           "barrier",
	CommandMigrateMemObjects: "migrate-mem-objects",
	CommandFillBuffer:        "fill-buffer",
	CommandFillImage:         "fill-image",
}

func (c CommandType) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CommandType(%#x)", uint32(c))
}

// ExecStatus is a command execution status. Negative values are error codes
// and are terminal, as is ExecComplete.
type ExecStatus int32

const (
	ExecComplete  ExecStatus = 0
	ExecRunning   ExecStatus = 1
	ExecSubmitted ExecStatus = 2
	ExecQueued    ExecStatus = 3
)

// Terminal reports whether the status can no longer change.
func (s ExecStatus) Terminal() bool {
	return s <= ExecComplete
}

func (s ExecStatus) String() string {
	switch {
	case s == ExecComplete:
		return "complete"
	case s == ExecRunning:
		return "running"
	case s == ExecSubmitted:
		return "submitted"
	case s == ExecQueued:
		return "queued"
	case s < 0:
		return "error"
	}
	return fmt.Sprintf("ExecStatus(%d)", int32(s))
}

// BuildStatus is a per-device cl_build_status.
type BuildStatus int32

const (
	BuildSuccess    BuildStatus = 0
	BuildNone       BuildStatus = -1
	BuildError      BuildStatus = -2
	BuildInProgress BuildStatus = -3
)

func (s BuildStatus) String() string {
	switch s {
	case BuildSuccess:
		return "success"
	case BuildNone:
		return "none"
	case BuildError:
		return "error"
	case BuildInProgress:
		return "in-progress"
	}
	return fmt.Sprintf("BuildStatus(%d)", int32(s))
}
