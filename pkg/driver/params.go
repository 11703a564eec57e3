package driver

// Information query selectors. Values match the OpenCL 1.2 headers so the
// cgo backend passes them through unchanged.

type PlatformParam uint32

const (
	PlatformProfile    PlatformParam = 0x0900
	PlatformVersion    PlatformParam = 0x0901
	PlatformName       PlatformParam = 0x0902
	PlatformVendor     PlatformParam = 0x0903
	PlatformExtensions PlatformParam = 0x0904
)

type DeviceParam uint32

const (
	DeviceTypeInfo                 DeviceParam = 0x1000
	DeviceVendorID                 DeviceParam = 0x1001
	DeviceMaxComputeUnits          DeviceParam = 0x1002
	DeviceMaxWorkItemDimensions    DeviceParam = 0x1003
	DeviceMaxWorkGroupSize         DeviceParam = 0x1004
	DeviceMaxWorkItemSizes         DeviceParam = 0x1005
	DeviceMaxClockFrequency        DeviceParam = 0x100C
	DeviceAddressBits              DeviceParam = 0x100D
	DeviceMaxMemAllocSize          DeviceParam = 0x1010
	DeviceMaxParameterSize         DeviceParam = 0x1017
	DeviceGlobalMemCacheSize       DeviceParam = 0x101E
	DeviceGlobalMemSize            DeviceParam = 0x101F
	DeviceMaxConstantBufferSize    DeviceParam = 0x1020
	DeviceLocalMemSize             DeviceParam = 0x1023
	DeviceProfilingTimerResolution DeviceParam = 0x1025
	DeviceEndianLittle             DeviceParam = 0x1026
	DeviceAvailable                DeviceParam = 0x1027
	DeviceCompilerAvailable        DeviceParam = 0x1028
	DeviceQueueProperties          DeviceParam = 0x102A
	DeviceName                     DeviceParam = 0x102B
	DeviceVendor                   DeviceParam = 0x102C
	DriverVersion                  DeviceParam = 0x102D
	DeviceProfile                  DeviceParam = 0x102E
	DeviceVersion                  DeviceParam = 0x102F
	DeviceExtensions               DeviceParam = 0x1030
	DevicePlatform                 DeviceParam = 0x1031
	DeviceOpenCLCVersion           DeviceParam = 0x103D
	// DeviceUUID is CL_DEVICE_UUID_KHR from cl_khr_device_uuid.
	DeviceUUID DeviceParam = 0x106A
)

type ContextParam uint32

const (
	ContextReferenceCount ContextParam = 0x1080
	ContextDevices        ContextParam = 0x1081
	ContextProperties     ContextParam = 0x1082
	ContextNumDevices     ContextParam = 0x1083
)

// ContextPlatform is the CL_CONTEXT_PLATFORM context property key.
const ContextPlatform = 0x1084

type QueueParam uint32

const (
	QueueContext        QueueParam = 0x1090
	QueueDevice         QueueParam = 0x1091
	QueueReferenceCount QueueParam = 0x1092
	QueuePropertiesInfo QueueParam = 0x1093
)

type MemParam uint32

const (
	MemType           MemParam = 0x1100
	MemFlagsInfo      MemParam = 0x1101
	MemSize           MemParam = 0x1102
	MemHostPtr        MemParam = 0x1103
	MemMapCount       MemParam = 0x1104
	MemReferenceCount MemParam = 0x1105
	MemContext        MemParam = 0x1106
)

// MemObjectBuffer is the CL_MEM_TYPE value for buffers.
const MemObjectBuffer = 0x10F0

type ProgramParam uint32

const (
	ProgramReferenceCount ProgramParam = 0x1160
	ProgramContext        ProgramParam = 0x1161
	ProgramNumDevices     ProgramParam = 0x1162
	ProgramDevices        ProgramParam = 0x1163
	ProgramSource         ProgramParam = 0x1164
	ProgramBinarySizes    ProgramParam = 0x1165
	ProgramNumKernels     ProgramParam = 0x1167
	ProgramKernelNames    ProgramParam = 0x1168
)

type BuildParam uint32

const (
	ProgramBuildStatus  BuildParam = 0x1181
	ProgramBuildOptions BuildParam = 0x1182
	ProgramBuildLog     BuildParam = 0x1183
)

type KernelParam uint32

const (
	KernelFunctionName   KernelParam = 0x1190
	KernelNumArgs        KernelParam = 0x1191
	KernelReferenceCount KernelParam = 0x1192
	KernelContext        KernelParam = 0x1193
	KernelProgram        KernelParam = 0x1194
)

type EventParam uint32

const (
	EventCommandQueue           EventParam = 0x11D0
	EventCommandType            EventParam = 0x11D1
	EventReferenceCount         EventParam = 0x11D2
	EventCommandExecutionStatus EventParam = 0x11D3
	EventContext                EventParam = 0x11D4
)

type ProfilingParam uint32

const (
	ProfilingCommandQueued ProfilingParam = 0x1280
	ProfilingCommandSubmit ProfilingParam = 0x1281
	ProfilingCommandStart  ProfilingParam = 0x1282
	ProfilingCommandEnd    ProfilingParam = 0x1283
)
