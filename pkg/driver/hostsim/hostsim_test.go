package hostsim

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
)

const squareSource = `
// writes index*index
__kernel void square(__global int* out, const uint n) {
    size_t i = get_global_id(0);
    if (i < n) out[i] = i * i;
}
`

func squareKernel(wi WorkItem) {
	out := Global[int32](wi.Args(), 0)
	n := Scalar[uint32](wi.Args(), 1)
	i := wi.GlobalID(0)
	if uint32(i) < n {
		out[i] = int32(i * i)
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(DefaultConfig())
	require.NoError(t, err)
	rt.RegisterKernel("square", squareKernel)
	return rt
}

func firstPlatform(t *testing.T, rt *Runtime) driver.PlatformID {
	t.Helper()
	n, st := rt.PlatformIDs(nil)
	require.Equal(t, clerr.Success, st)
	require.Equal(t, 1, n)
	ids := make([]driver.PlatformID, n)
	_, st = rt.PlatformIDs(ids)
	require.Equal(t, clerr.Success, st)
	return ids[0]
}

// setup returns a context over the GPU device and a queue on it.
func setup(t *testing.T, rt *Runtime, props driver.QueueProperties) (driver.ContextID, driver.DeviceID, driver.QueueID) {
	t.Helper()
	p := firstPlatform(t, rt)
	var dev [1]driver.DeviceID
	_, st := rt.DeviceIDs(p, driver.DeviceTypeGPU, dev[:])
	require.Equal(t, clerr.Success, st)

	ctx, st := rt.CreateContext(p, dev[:])
	require.Equal(t, clerr.Success, st)
	q, st := rt.CreateCommandQueue(ctx, dev[0], props)
	require.Equal(t, clerr.Success, st)
	t.Cleanup(func() {
		rt.ReleaseCommandQueue(q)
		rt.ReleaseContext(ctx)
	})
	return ctx, dev[0], q
}

func infoString(t *testing.T, query func([]byte) (int, clerr.Status)) string {
	t.Helper()
	n, st := query(nil)
	require.Equal(t, clerr.Success, st)
	buf := make([]byte, n)
	_, st = query(buf)
	require.Equal(t, clerr.Success, st)
	return driver.GoString(buf)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"no platforms", Config{}, true},
		{"unnamed platform", Config{Platforms: []PlatformConfig{{Devices: []DeviceConfig{{Name: "d", Type: "gpu"}}}}}, false},
		{"no devices", Config{Platforms: []PlatformConfig{{Name: "p"}}}, false},
		{"bad type", Config{Platforms: []PlatformConfig{{Name: "p", Devices: []DeviceConfig{{Name: "d", Type: "fpga"}}}}}, false},
		{"abstract type", Config{Platforms: []PlatformConfig{{Name: "p", Devices: []DeviceConfig{{Name: "d", Type: "all"}}}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPlatformAndDeviceInfo(t *testing.T) {
	rt := newTestRuntime(t)
	p := firstPlatform(t, rt)

	name := infoString(t, func(b []byte) (int, clerr.Status) { return rt.PlatformInfo(p, driver.PlatformName, b) })
	assert.Equal(t, "clpp host simulator", name)

	n, st := rt.DeviceIDs(p, driver.DeviceTypeAll, nil)
	require.Equal(t, clerr.Success, st)
	assert.Equal(t, 2, n)

	_, st = rt.DeviceIDs(p, driver.DeviceTypeAccelerator, nil)
	assert.Equal(t, clerr.DeviceNotFound, st)
	_, st = rt.DeviceIDs(p, 0, nil)
	assert.Equal(t, clerr.InvalidDeviceType, st)
	_, st = rt.DeviceIDs(0xbad, driver.DeviceTypeAll, nil)
	assert.Equal(t, clerr.InvalidPlatform, st)

	var cpu [1]driver.DeviceID
	_, st = rt.DeviceIDs(p, driver.DeviceTypeCPU, cpu[:])
	require.Equal(t, clerr.Success, st)
	assert.Equal(t, "hostsim cpu", infoString(t, func(b []byte) (int, clerr.Status) { return rt.DeviceInfo(cpu[0], driver.DeviceName, b) }))

	buf := make([]byte, 16)
	_, st = rt.DeviceInfo(cpu[0], driver.DeviceMaxComputeUnits, buf)
	require.Equal(t, clerr.Success, st)
	units, _ := driver.Value[uint32](buf)
	assert.Equal(t, uint32(4), units)

	_, st = rt.DeviceInfo(cpu[0], driver.DeviceUUID, buf)
	require.Equal(t, clerr.Success, st)
	assert.NotEqual(t, make([]byte, 16), buf)

	_, st = rt.DeviceInfo(cpu[0], driver.DeviceName, make([]byte, 2))
	assert.Equal(t, clerr.InvalidValue, st, "short destination")
}

func TestContextCreation(t *testing.T) {
	rt := newTestRuntime(t)
	p := firstPlatform(t, rt)

	t.Run("empty device list", func(t *testing.T) {
		_, st := rt.CreateContext(p, nil)
		assert.Equal(t, clerr.InvalidValue, st)
	})

	t.Run("duplicates are folded", func(t *testing.T) {
		var devs [2]driver.DeviceID
		_, st := rt.DeviceIDs(p, driver.DeviceTypeAll, devs[:])
		require.Equal(t, clerr.Success, st)
		ctx, st := rt.CreateContext(p, []driver.DeviceID{devs[1], devs[0], devs[1]})
		require.Equal(t, clerr.Success, st)
		defer rt.ReleaseContext(ctx)

		buf := make([]byte, 64)
		n, st := rt.ContextInfo(ctx, driver.ContextDevices, buf)
		require.Equal(t, clerr.Success, st)
		assert.Equal(t, []driver.DeviceID{devs[1], devs[0]}, driver.Values[driver.DeviceID](buf[:n]))
	})

	t.Run("from type", func(t *testing.T) {
		ctx, st := rt.CreateContextFromType(p, driver.DeviceTypeCPU)
		require.Equal(t, clerr.Success, st)
		defer rt.ReleaseContext(ctx)
		buf := make([]byte, 4)
		_, st = rt.ContextInfo(ctx, driver.ContextNumDevices, buf)
		require.Equal(t, clerr.Success, st)
		n, _ := driver.Value[uint32](buf)
		assert.Equal(t, uint32(1), n)
	})

	t.Run("unavailable device", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Platforms[0].Devices[1].Unavailable = true
		rt, err := New(cfg)
		require.NoError(t, err)
		p := firstPlatform(t, rt)
		_, st := rt.CreateContextFromType(p, driver.DeviceTypeCPU)
		assert.Equal(t, clerr.DeviceNotFound, st)
	})
}

func TestReferenceCounting(t *testing.T) {
	rt := newTestRuntime(t)
	p := firstPlatform(t, rt)
	ctx, st := rt.CreateContextFromType(p, driver.DeviceTypeGPU)
	require.Equal(t, clerr.Success, st)

	buf := make([]byte, 4)
	refs := func() uint32 {
		_, st := rt.ContextInfo(ctx, driver.ContextReferenceCount, buf)
		require.Equal(t, clerr.Success, st)
		v, _ := driver.Value[uint32](buf)
		return v
	}
	assert.Equal(t, uint32(1), refs())

	m, st := rt.CreateBuffer(ctx, driver.MemReadWrite, 64, nil)
	require.Equal(t, clerr.Success, st)
	assert.Equal(t, uint32(2), refs(), "buffer holds its context")

	require.Equal(t, clerr.Success, rt.RetainContext(ctx))
	require.Equal(t, clerr.Success, rt.ReleaseContext(ctx))
	require.Equal(t, clerr.Success, rt.ReleaseContext(ctx))
	assert.Equal(t, 2, rt.LiveObjects(), "context outlives its last user reference")

	require.Equal(t, clerr.Success, rt.ReleaseMemObject(m))
	assert.Zero(t, rt.LiveObjects())
	assert.Equal(t, clerr.InvalidContext, rt.ReleaseContext(ctx))
	assert.Equal(t, clerr.InvalidMemObject, rt.RetainMemObject(m))
}

func TestBufferTransfers(t *testing.T) {
	rt := newTestRuntime(t)
	ctx, _, q := setup(t, rt, 0)

	host := []byte("abcdefgh")
	m, st := rt.CreateBuffer(ctx, driver.MemReadWrite|driver.MemCopyHostPtr, len(host), host)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseMemObject(m)

	out := make([]byte, 4)
	ev, st := rt.EnqueueReadBuffer(q, m, true, 2, 4, out, nil)
	require.Equal(t, clerr.Success, st)
	rt.ReleaseEvent(ev)
	assert.Equal(t, "cdef", string(out))

	ev, st = rt.EnqueueWriteBuffer(q, m, false, 0, 2, []byte("XY"), nil)
	require.Equal(t, clerr.Success, st)
	require.Equal(t, clerr.Success, rt.WaitForEvents([]driver.EventID{ev}))
	rt.ReleaseEvent(ev)

	m2, st := rt.CreateBuffer(ctx, driver.MemReadWrite, 8, nil)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseMemObject(m2)
	ev, st = rt.EnqueueCopyBuffer(q, m, m2, 0, 0, 8, nil)
	require.Equal(t, clerr.Success, st)
	rt.ReleaseEvent(ev)

	all := make([]byte, 8)
	ev, st = rt.EnqueueReadBuffer(q, m2, true, 0, 8, all, nil)
	require.Equal(t, clerr.Success, st)
	rt.ReleaseEvent(ev)
	assert.Equal(t, "XYcdefgh", string(all))

	t.Run("errors", func(t *testing.T) {
		_, st := rt.EnqueueReadBuffer(q, m, true, 6, 4, out, nil)
		assert.Equal(t, clerr.InvalidValue, st)
		_, st = rt.EnqueueCopyBuffer(q, m, m, 0, 2, 4, nil)
		assert.Equal(t, clerr.MemCopyOverlap, st)
		_, st = rt.CreateBuffer(ctx, driver.MemReadWrite, 0, nil)
		assert.Equal(t, clerr.InvalidBufferSize, st)
		_, st = rt.CreateBuffer(ctx, driver.MemReadWrite|driver.MemCopyHostPtr, 8, nil)
		assert.Equal(t, clerr.InvalidHostPtr, st)
		_, st = rt.CreateBuffer(ctx, driver.MemReadOnly|driver.MemWriteOnly, 8, nil)
		assert.Equal(t, clerr.InvalidValue, st)
		_, st = rt.CreateBuffer(ctx, driver.MemReadWrite, 1<<40, nil)
		assert.Equal(t, clerr.InvalidBufferSize, st)
	})
}

func TestAllocationFailure(t *testing.T) {
	cfg := Config{Platforms: []PlatformConfig{{
		Name:    "tiny",
		Devices: []DeviceConfig{{Name: "small", Type: "gpu", GlobalMemSize: 1024, MaxMemAllocSize: 1024}},
	}}}
	rt, err := New(cfg)
	require.NoError(t, err)
	p := firstPlatform(t, rt)
	ctx, st := rt.CreateContextFromType(p, driver.DeviceTypeGPU)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseContext(ctx)

	a, st := rt.CreateBuffer(ctx, driver.MemReadWrite, 768, nil)
	require.Equal(t, clerr.Success, st)
	_, st = rt.CreateBuffer(ctx, driver.MemReadWrite, 512, nil)
	assert.Equal(t, clerr.MemObjectAllocationFailure, st)

	rt.ReleaseMemObject(a)
	b, st := rt.CreateBuffer(ctx, driver.MemReadWrite, 512, nil)
	require.Equal(t, clerr.Success, st, "released memory is reusable")
	rt.ReleaseMemObject(b)
}

func buildSquare(t *testing.T, rt *Runtime, ctx driver.ContextID) (driver.ProgramID, driver.KernelID) {
	t.Helper()
	prog, st := rt.CreateProgramWithSource(ctx, squareSource)
	require.Equal(t, clerr.Success, st)
	require.Equal(t, clerr.Success, rt.BuildProgram(prog, nil, "-cl-fast-relaxed-math -D N=4"))
	k, st := rt.CreateKernel(prog, "square")
	require.Equal(t, clerr.Success, st)
	return prog, k
}

func TestSquareKernel(t *testing.T) {
	rt := newTestRuntime(t)
	ctx, _, q := setup(t, rt, 0)
	prog, k := buildSquare(t, rt, ctx)
	defer rt.ReleaseProgram(prog)
	defer rt.ReleaseKernel(k)

	const n = 1024
	m, st := rt.CreateBuffer(ctx, driver.MemWriteOnly, n*4, nil)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseMemObject(m)

	require.Equal(t, clerr.Success, rt.SetKernelArgMem(k, 0, m))
	require.Equal(t, clerr.Success, rt.SetKernelArg(k, 1, driver.Bytes(uint32(n))))

	ev, st := rt.EnqueueNDRangeKernel(q, k, nil, []int{n}, []int{64}, nil)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseEvent(ev)

	out := make([]int32, n)
	rev, st := rt.EnqueueReadBuffer(q, m, true, 0, n*4, driver.View(out), nil)
	require.Equal(t, clerr.Success, st)
	rt.ReleaseEvent(rev)
	for i, v := range out {
		require.Equal(t, int32(i*i), v, "slot %d", i)
	}
}

func TestKernelArgumentValidation(t *testing.T) {
	rt := newTestRuntime(t)
	ctx, _, q := setup(t, rt, 0)
	prog, k := buildSquare(t, rt, ctx)
	defer rt.ReleaseProgram(prog)
	defer rt.ReleaseKernel(k)

	m, st := rt.CreateBuffer(ctx, driver.MemReadWrite, 16, nil)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseMemObject(m)

	assert.Equal(t, clerr.InvalidArgIndex, rt.SetKernelArg(k, 2, driver.Bytes(uint32(1))))
	assert.Equal(t, clerr.InvalidArgValue, rt.SetKernelArg(k, 0, driver.Bytes(uint32(1))))
	assert.Equal(t, clerr.InvalidArgSize, rt.SetKernelArg(k, 1, driver.Bytes(uint64(1))))
	assert.Equal(t, clerr.InvalidArgValue, rt.SetKernelArgMem(k, 1, m))
	assert.Equal(t, clerr.InvalidArgValue, rt.SetKernelArgLocal(k, 0, 64))

	_, st = rt.EnqueueNDRangeKernel(q, k, nil, []int{4}, nil, nil)
	assert.Equal(t, clerr.InvalidKernelArgs, st)

	require.Equal(t, clerr.Success, rt.SetKernelArgMem(k, 0, m))
	require.Equal(t, clerr.Success, rt.SetKernelArg(k, 1, driver.Bytes(uint32(4))))

	tests := []struct {
		name   string
		global []int
		local  []int
		want   clerr.Status
	}{
		{"no dimensions", nil, nil, clerr.InvalidWorkDimension},
		{"four dimensions", []int{1, 1, 1, 1}, nil, clerr.InvalidWorkDimension},
		{"zero global", []int{0}, nil, clerr.InvalidGlobalWorkSize},
		{"local rank mismatch", []int{4}, []int{2, 2}, clerr.InvalidWorkDimension},
		{"indivisible", []int{6}, []int{4}, clerr.InvalidWorkGroupSize},
		{"item too large", []int{1024}, []int{512}, clerr.InvalidWorkItemSize},
		{"group too large", []int{256, 4}, []int{256, 2}, clerr.InvalidWorkGroupSize},		{"fits", []int{4}, []int{2}, clerr.Success},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, st := rt.EnqueueNDRangeKernel(q, k, nil, tt.global, tt.local, nil)
			assert.Equal(t, tt.want, st)
			if st == clerr.Success {
				rt.WaitForEvents([]driver.EventID{ev})
				rt.ReleaseEvent(ev)
			}
		})
	}

	_, st = rt.EnqueueNDRangeKernel(q, k, []int{-1}, []int{4}, nil, nil)
	assert.Equal(t, clerr.InvalidGlobalOffset, st)
	_, st = rt.EnqueueNDRangeKernel(q, k, []int{0, 0}, []int{4}, nil, nil)
	assert.Equal(t, clerr.InvalidGlobalOffset, st)
}

func TestAutomaticLocalSize(t *testing.T) {
	assert.Equal(t, 250, largestDivisor(1000, 256))
	assert.Equal(t, 1, largestDivisor(13, 8))
	assert.Equal(t, 7, largestDivisor(7, 256))

	rt := newTestRuntime(t)
	p := firstPlatform(t, rt)
	var dev [1]driver.DeviceID
	rt.DeviceIDs(p, driver.DeviceTypeGPU, dev[:])
	l, st := rt.shape(rt.devices[dev[0]], nil, []int{1000, 3}, nil)
	require.Equal(t, clerr.Success, st)
	assert.Equal(t, 250, l.local[0])
	assert.Equal(t, 1, l.local[1])
	assert.Equal(t, [maxDims]int{4, 3, 1}, l.groups())
}

func TestArgumentsCapturedAtEnqueue(t *testing.T) {
	rt := newTestRuntime(t)
	release := make(chan struct{})
	rt.RegisterKernel("fill", func(wi WorkItem) {
		<-release
		out := Global[uint32](wi.Args(), 0)
		out[wi.GlobalID(0)] = Scalar[uint32](wi.Args(), 1)
	})
	ctx, _, q := setup(t, rt, 0)
	prog, st := rt.CreateProgramWithSource(ctx, "kernel void fill(global uint* out, uint v) { out[get_global_id(0)] = v; }")
	require.Equal(t, clerr.Success, st)
	require.Equal(t, clerr.Success, rt.BuildProgram(prog, nil, ""))
	defer rt.ReleaseProgram(prog)
	k, st := rt.CreateKernel(prog, "fill")
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseKernel(k)

	a, _ := rt.CreateBuffer(ctx, driver.MemReadWrite, 16, nil)
	b, _ := rt.CreateBuffer(ctx, driver.MemReadWrite, 16, nil)
	defer rt.ReleaseMemObject(a)
	defer rt.ReleaseMemObject(b)

	rt.SetKernelArgMem(k, 0, a)
	rt.SetKernelArg(k, 1, driver.Bytes(uint32(7)))
	first, st := rt.EnqueueNDRangeKernel(q, k, nil, []int{4}, nil, nil)
	require.Equal(t, clerr.Success, st)

	rt.SetKernelArgMem(k, 0, b)
	rt.SetKernelArg(k, 1, driver.Bytes(uint32(9)))
	second, st := rt.EnqueueNDRangeKernel(q, k, nil, []int{4}, nil, nil)
	require.Equal(t, clerr.Success, st)

	close(release)
	require.Equal(t, clerr.Success, rt.WaitForEvents([]driver.EventID{first, second}))
	rt.ReleaseEvent(first)
	rt.ReleaseEvent(second)

	read := func(m driver.MemID) []uint32 {
		out := make([]uint32, 4)
		ev, st := rt.EnqueueReadBuffer(q, m, true, 0, 16, driver.View(out), nil)
		require.Equal(t, clerr.Success, st)
		rt.ReleaseEvent(ev)
		return out
	}
	assert.Equal(t, []uint32{7, 7, 7, 7}, read(a))
	assert.Equal(t, []uint32{9, 9, 9, 9}, read(b))
}

func TestBuildFailure(t *testing.T) {
	rt := newTestRuntime(t)
	p := firstPlatform(t, rt)
	ctx, st := rt.CreateContextFromType(p, driver.DeviceTypeAll)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseContext(ctx)

	var devs [2]driver.DeviceID
	rt.DeviceIDs(p, driver.DeviceTypeAll, devs[:])

	tests := []struct {
		name   string
		source string
		inLog  string
	}{
		{"unbalanced", "__kernel void square(__global int* out) { out[0] = 1;", "unmatched '{'"},
		{"no implementation", "__kernel void mystery(__global int* out) { }", "no implementation registered for kernel 'mystery'"},
		{"no kernels", "int helper(int x) { return x; }", "no kernel functions found"},
		{"pointer without space", "__kernel void square(int* out) { }", "without an address space"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, st := rt.CreateProgramWithSource(ctx, tt.source)
			require.Equal(t, clerr.Success, st)
			defer rt.ReleaseProgram(prog)

			assert.Equal(t, clerr.BuildProgramFailure, rt.BuildProgram(prog, nil, ""))
			for _, d := range devs {
				buf := make([]byte, 4)
				_, st := rt.ProgramBuildInfo(prog, d, driver.ProgramBuildStatus, buf)
				require.Equal(t, clerr.Success, st)
				status, _ := driver.Value[int32](buf)
				assert.Equal(t, driver.BuildError, driver.BuildStatus(status))

				log := infoString(t, func(b []byte) (int, clerr.Status) {
					return rt.ProgramBuildInfo(prog, d, driver.ProgramBuildLog, b)
				})
				assert.Contains(t, log, tt.inLog)
			}
			_, st = rt.CreateKernel(prog, "square")
			assert.Equal(t, clerr.InvalidProgramExecutable, st)
		})
	}

	t.Run("bad options", func(t *testing.T) {
		prog, st := rt.CreateProgramWithSource(ctx, squareSource)
		require.Equal(t, clerr.Success, st)
		defer rt.ReleaseProgram(prog)
		assert.Equal(t, clerr.InvalidBuildOptions, rt.BuildProgram(prog, nil, "fast"))
		assert.Equal(t, clerr.InvalidBuildOptions, rt.BuildProgram(prog, nil, "-D"))
	})
}

func TestParseParams(t *testing.T) {
	params, err := parseParams("__global const float4* in, __local int *tmp, const unsigned int n, float2 v")
	require.Empty(t, err)
	require.Len(t, params, 4)
	assert.Equal(t, paramGlobal, params[0].kind)
	assert.Equal(t, paramLocal, params[1].kind)
	assert.Equal(t, "tmp", params[1].name)
	assert.Equal(t, paramScalar, params[2].kind)
	assert.Equal(t, "uint", params[2].typ)
	assert.Equal(t, 4, params[2].size)
	assert.Equal(t, 8, params[3].size)

	params, err = parseParams("void")
	assert.Empty(t, err)
	assert.Empty(t, params)
}

func TestProgramBinaries(t *testing.T) {
	rt := newTestRuntime(t)
	ctx, dev, q := setup(t, rt, 0)
	prog, k := buildSquare(t, rt, ctx)
	rt.ReleaseKernel(k)

	bins, st := rt.ProgramBinaries(prog)
	require.Equal(t, clerr.Success, st)
	require.Len(t, bins, 1)
	assert.True(t, strings.HasPrefix(string(bins[0]), binaryMagic))
	rt.ReleaseProgram(prog)

	again, statuses, st := rt.CreateProgramWithBinary(ctx, []driver.DeviceID{dev}, bins)
	require.Equal(t, clerr.Success, st)
	assert.Equal(t, []clerr.Status{clerr.Success}, statuses)
	defer rt.ReleaseProgram(again)
	require.Equal(t, clerr.Success, rt.BuildProgram(again, nil, ""))

	k, st = rt.CreateKernel(again, "square")
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseKernel(k)
	m, _ := rt.CreateBuffer(ctx, driver.MemReadWrite, 16, nil)
	defer rt.ReleaseMemObject(m)
	rt.SetKernelArgMem(k, 0, m)
	rt.SetKernelArg(k, 1, driver.Bytes(uint32(4)))
	ev, st := rt.EnqueueNDRangeKernel(q, k, nil, []int{4}, nil, nil)
	require.Equal(t, clerr.Success, st)
	rt.ReleaseEvent(ev)
	require.Equal(t, clerr.Success, rt.Finish(q))

	_, statuses, st = rt.CreateProgramWithBinary(ctx, []driver.DeviceID{dev}, [][]byte{[]byte("garbage")})
	assert.Equal(t, clerr.InvalidBinary, st)
	assert.Equal(t, []clerr.Status{clerr.InvalidBinary}, statuses)
}

func profile(t *testing.T, rt *Runtime, ev driver.EventID) [4]uint64 {
	t.Helper()
	var out [4]uint64
	buf := make([]byte, 8)
	for i := range out {
		_, st := rt.EventProfilingInfo(ev, driver.ProfilingCommandQueued+driver.ProfilingParam(i), buf)
		require.Equal(t, clerr.Success, st)
		out[i], _ = driver.Value[uint64](buf)
	}
	return out
}

func TestProfiling(t *testing.T) {
	rt := newTestRuntime(t)
	ctx, _, q := setup(t, rt, 0)
	m, _ := rt.CreateBuffer(ctx, driver.MemReadWrite, 8, nil)
	defer rt.ReleaseMemObject(m)

	ev, st := rt.EnqueueWriteBuffer(q, m, true, 0, 8, make([]byte, 8), nil)
	require.Equal(t, clerr.Success, st)
	_, st = rt.EventProfilingInfo(ev, driver.ProfilingCommandEnd, make([]byte, 8))
	assert.Equal(t, clerr.ProfilingInfoNotAvailable, st)
	rt.ReleaseEvent(ev)

	require.Equal(t, clerr.Success, rt.SetCommandQueueProperty(q, driver.QueueProfilingEnable, true))
	ev, st = rt.EnqueueWriteBuffer(q, m, true, 0, 8, make([]byte, 8), nil)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseEvent(ev)

	ts := profile(t, rt, ev)
	assert.LessOrEqual(t, ts[0], ts[1])
	assert.LessOrEqual(t, ts[1], ts[2])
	assert.LessOrEqual(t, ts[2], ts[3])

	buf := make([]byte, 4)
	_, st = rt.EventInfo(ev, driver.EventCommandType, buf)
	require.Equal(t, clerr.Success, st)
	cmd, _ := driver.Value[uint32](buf)
	assert.Equal(t, driver.CommandWriteBuffer, driver.CommandType(cmd))
}

func TestOrdering(t *testing.T) {
	for _, ooo := range []bool{false, true} {
		name := "in-order"
		var props driver.QueueProperties
		if ooo {
			name = "out-of-order"
			props = driver.QueueOutOfOrderExecModeEnable
		}
		t.Run(name, func(t *testing.T) {
			rt := newTestRuntime(t)
			var running, overlap atomic.Int32
			rt.RegisterKernel("slow", func(wi WorkItem) {
				if running.Add(1) > 1 {
					overlap.Store(1)
				}
				time.Sleep(time.Millisecond)
				out := Global[uint32](wi.Args(), 0)
				out[0]++
				running.Add(-1)
			})
			ctx, _, q := setup(t, rt, props)
			prog, st := rt.CreateProgramWithSource(ctx, "kernel void slow(global uint* out) {}")
			require.Equal(t, clerr.Success, st)
			require.Equal(t, clerr.Success, rt.BuildProgram(prog, nil, ""))
			defer rt.ReleaseProgram(prog)
			k, _ := rt.CreateKernel(prog, "slow")
			defer rt.ReleaseKernel(k)
			m, _ := rt.CreateBuffer(ctx, driver.MemReadWrite, 4, nil)
			defer rt.ReleaseMemObject(m)
			rt.SetKernelArgMem(k, 0, m)

			ev, st := rt.EnqueueWriteBuffer(q, m, false, 0, 4, driver.Bytes(uint32(100)), nil)
			require.Equal(t, clerr.Success, st)
			rt.ReleaseEvent(ev)
			ev, st = rt.EnqueueBarrier(q, nil)
			require.Equal(t, clerr.Success, st)
			rt.ReleaseEvent(ev)
			for i := 0; i < 3; i++ {
				ev, st := rt.EnqueueNDRangeKernel(q, k, nil, []int{1}, nil, nil)
				require.Equal(t, clerr.Success, st)
				rt.ReleaseEvent(ev)
				ev, st = rt.EnqueueBarrier(q, nil)
				require.Equal(t, clerr.Success, st)
				rt.ReleaseEvent(ev)
			}
			out := make([]byte, 4)
			ev, st = rt.EnqueueReadBuffer(q, m, true, 0, 4, out, nil)
			require.Equal(t, clerr.Success, st)
			rt.ReleaseEvent(ev)

			v, _ := driver.Value[uint32](out)
			assert.Equal(t, uint32(103), v)
			assert.Zero(t, overlap.Load(), "barriers serialize launches")
		})
	}
}

func TestDependencyFailurePropagates(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterKernel("boom", func(wi WorkItem) { panic("device fault") })
	ctx, _, q := setup(t, rt, 0)
	prog, st := rt.CreateProgramWithSource(ctx, "kernel void boom(global int* out) {}")
	require.Equal(t, clerr.Success, st)
	require.Equal(t, clerr.Success, rt.BuildProgram(prog, nil, ""))
	defer rt.ReleaseProgram(prog)
	k, _ := rt.CreateKernel(prog, "boom")
	defer rt.ReleaseKernel(k)
	m, _ := rt.CreateBuffer(ctx, driver.MemReadWrite, 4, nil)
	defer rt.ReleaseMemObject(m)
	rt.SetKernelArgMem(k, 0, m)

	ev, st := rt.EnqueueNDRangeKernel(q, k, nil, []int{1}, nil, nil)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseEvent(ev)

	assert.Equal(t, clerr.ExecStatusErrorForEvents, rt.WaitForEvents([]driver.EventID{ev}))
	buf := make([]byte, 4)
	_, st = rt.EventInfo(ev, driver.EventCommandExecutionStatus, buf)
	require.Equal(t, clerr.Success, st)
	status, _ := driver.Value[int32](buf)
	assert.Equal(t, int32(clerr.OutOfResources), status)

	_, st = rt.EnqueueReadBuffer(q, m, true, 0, 4, make([]byte, 4), []driver.EventID{ev})
	assert.Equal(t, clerr.ExecStatusErrorForEvents, st, "explicit waiter inherits the failure")

	read, st := rt.EnqueueReadBuffer(q, m, true, 0, 4, make([]byte, 4), nil)
	assert.Equal(t, clerr.Success, st, "in-order successor still runs")
	rt.ReleaseEvent(read)
}

func TestRegistryFactory(t *testing.T) {
	rt, err := driver.Open("hostsim")
	require.NoError(t, err)
	assert.Equal(t, "hostsim", rt.Name())
}
