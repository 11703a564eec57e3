package driver

import "github.com/shanyungyang/clpp/pkg/clerr"

// Runtime is a native compute runtime.
//
// Info queries follow the two-call protocol: call with a nil dst to learn the
// size in bytes, then again with a buffer of at least that size. The returned
// size is always the full size of the value. ID enumeration works the same
// way, counted in elements.
//
// Every create call returns a handle holding one reference. Retain and
// Release adjust the count and the object is destroyed when it reaches zero.
// Objects keep their parents alive (a queue its context, a kernel its
// program) until they are destroyed themselves.
//
// Enqueue calls return an event holding one reference. Host slices passed to
// non-blocking transfers must stay untouched until that event completes.
type Runtime interface {
	// Name identifies the backend ("opencl", "hostsim").
	Name() string

	PlatformIDs(dst []PlatformID) (int, clerr.Status)
	PlatformInfo(p PlatformID, param PlatformParam, dst []byte) (int, clerr.Status)
	DeviceIDs(p PlatformID, t DeviceType, dst []DeviceID) (int, clerr.Status)
	DeviceInfo(d DeviceID, param DeviceParam, dst []byte) (int, clerr.Status)

	CreateContext(p PlatformID, devices []DeviceID) (ContextID, clerr.Status)
	CreateContextFromType(p PlatformID, t DeviceType) (ContextID, clerr.Status)
	ContextInfo(c ContextID, param ContextParam, dst []byte) (int, clerr.Status)
	RetainContext(c ContextID) clerr.Status
	ReleaseContext(c ContextID) clerr.Status

	CreateCommandQueue(c ContextID, d DeviceID, props QueueProperties) (QueueID, clerr.Status)
	// SetCommandQueueProperty enables or disables props for commands
	// enqueued after the call.
	SetCommandQueueProperty(q QueueID, props QueueProperties, enable bool) clerr.Status
	QueueInfo(q QueueID, param QueueParam, dst []byte) (int, clerr.Status)
	RetainCommandQueue(q QueueID) clerr.Status
	ReleaseCommandQueue(q QueueID) clerr.Status
	Flush(q QueueID) clerr.Status
	Finish(q QueueID) clerr.Status

	// CreateBuffer allocates size bytes. host is read when flags carry
	// MemCopyHostPtr and aliased when they carry MemUseHostPtr.
	CreateBuffer(c ContextID, flags MemFlags, size int, host []byte) (MemID, clerr.Status)
	MemObjectInfo(m MemID, param MemParam, dst []byte) (int, clerr.Status)
	RetainMemObject(m MemID) clerr.Status
	ReleaseMemObject(m MemID) clerr.Status

	CreateProgramWithSource(c ContextID, source string) (ProgramID, clerr.Status)
	// CreateProgramWithBinary returns one status per device alongside the
	// call status.
	CreateProgramWithBinary(c ContextID, devices []DeviceID, binaries [][]byte) (ProgramID, []clerr.Status, clerr.Status)
	// BuildProgram builds for devices, or for every context device when
	// devices is empty. It blocks until the build finishes.
	BuildProgram(p ProgramID, devices []DeviceID, options string) clerr.Status
	ProgramInfo(p ProgramID, param ProgramParam, dst []byte) (int, clerr.Status)
	ProgramBuildInfo(p ProgramID, d DeviceID, param BuildParam, dst []byte) (int, clerr.Status)
	// ProgramBinaries returns one binary per program device, in
	// ProgramDevices order.
	ProgramBinaries(p ProgramID) ([][]byte, clerr.Status)
	RetainProgram(p ProgramID) clerr.Status
	ReleaseProgram(p ProgramID) clerr.Status

	CreateKernel(p ProgramID, name string) (KernelID, clerr.Status)
	KernelInfo(k KernelID, param KernelParam, dst []byte) (int, clerr.Status)
	SetKernelArg(k KernelID, index uint32, value []byte) clerr.Status
	SetKernelArgMem(k KernelID, index uint32, m MemID) clerr.Status
	SetKernelArgLocal(k KernelID, index uint32, size int) clerr.Status
	RetainKernel(k KernelID) clerr.Status
	ReleaseKernel(k KernelID) clerr.Status

	EnqueueReadBuffer(q QueueID, m MemID, blocking bool, offset, size int, dst []byte, wait []EventID) (EventID, clerr.Status)
	EnqueueWriteBuffer(q QueueID, m MemID, blocking bool, offset, size int, src []byte, wait []EventID) (EventID, clerr.Status)
	EnqueueCopyBuffer(q QueueID, src, dst MemID, srcOffset, dstOffset, size int, wait []EventID) (EventID, clerr.Status)
	// EnqueueNDRangeKernel launches k over global. globalOffset and local
	// may be nil; a nil local lets the runtime pick the work-group size.
	EnqueueNDRangeKernel(q QueueID, k KernelID, globalOffset, global, local []int, wait []EventID) (EventID, clerr.Status)
	// EnqueueBarrier blocks later commands until the wait list, or every
	// earlier command when the list is empty, completes.
	EnqueueBarrier(q QueueID, wait []EventID) (EventID, clerr.Status)
	// EnqueueMarker completes after the wait list, or every earlier command
	// when the list is empty, without blocking later commands.
	EnqueueMarker(q QueueID, wait []EventID) (EventID, clerr.Status)

	EventInfo(e EventID, param EventParam, dst []byte) (int, clerr.Status)
	EventProfilingInfo(e EventID, param ProfilingParam, dst []byte) (int, clerr.Status)
	WaitForEvents(events []EventID) clerr.Status
	RetainEvent(e EventID) clerr.Status
	ReleaseEvent(e EventID) clerr.Status
}
