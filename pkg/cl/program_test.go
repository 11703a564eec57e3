package cl_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanyungyang/clpp/pkg/cl"
	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/driver/hostsim"
)

const fillSource = `
__kernel void fill(__global float* out, float value) {
    out[get_global_id(0)] = value;
}

__kernel void scratch(__global float* out, __local float* tmp, int n) {
}
`

func TestSquareKernel(t *testing.T) {
	rt := newRuntime(t)
	ctx := newContext(t, rt, nil)
	q := ctx.Queue(0)

	prog, err := ctx.CompileProgram(squareSource, "")
	require.NoError(t, err)
	defer prog.Release()
	require.NoError(t, prog.BuildErr())
	assert.False(t, prog.FromCache())

	names, err := prog.KernelNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"square"}, names)

	k, err := prog.Kernel("square")
	require.NoError(t, err)
	defer k.Release()
	n, err := k.NumArgs()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	const size = 1024
	out, err := cl.CreateBuffer[int32](ctx, size, driver.MemWriteOnly, nil)
	require.NoError(t, err)
	defer out.Release()
	require.NoError(t, k.SetArgs(out))

	_, err = q.Launch(k, cl.Range1(size), cl.WithLocal(cl.Range2(64, 1)))
	assert.True(t, clerr.HasCode(err, clerr.InvalidWorkDimension))

	ev, err := q.Launch(k, cl.Range1(size), cl.WithLocal(cl.Range1(64)))
	require.NoError(t, err)
	defer ev.Release()

	got := make([]int32, size)
	rd, err := cl.ReadBuffer(q, out, got, cl.After(ev))
	require.NoError(t, err)
	rd.Release()
	for i, v := range got {
		require.Equal(t, int32(i*i), v, "element %d", i)
	}
	assert.Equal(t, int64(1), q.Stats().Launches)
}

func TestBuildFailureIsDeferred(t *testing.T) {
	rt := newRuntime(t)
	ctx := newContext(t, rt, nil)

	prog, err := ctx.CompileProgram("__kernel void square(__global int* out) { out[0] = 1;", "")
	require.NoError(t, err, "a failed compilation still yields a program")
	defer prog.Release()

	for _, d := range ctx.Devices() {
		status, err := prog.Status(d)
		require.NoError(t, err)
		assert.Equal(t, driver.BuildError, status)
		log, err := prog.BuildLog(d)
		require.NoError(t, err)
		assert.NotEmpty(t, log)
	}

	err = prog.BuildErr()
	require.Error(t, err)
	var be *cl.BuildError
	require.True(t, errors.As(err, &be))
	assert.Len(t, be.Failures, ctx.NumDevices())
	assert.Contains(t, be.Failures[0].Log, "unmatched '{'")
	assert.True(t, errors.Is(err, clerr.ErrBuild))
	assert.True(t, clerr.HasCode(err, clerr.BuildProgramFailure))
	assert.Contains(t, err.Error(), "hostsim gpu")

	_, err = prog.Kernel("square")
	assert.True(t, clerr.HasCode(err, clerr.InvalidProgramExecutable))
}

func TestBuildOptions(t *testing.T) {
	rt := newRuntime(t)
	ctx := newContext(t, rt, nil)

	_, err := ctx.CompileProgram(squareSource, "fast")
	require.Error(t, err)
	assert.True(t, clerr.HasCode(err, clerr.InvalidBuildOptions))
	assert.Contains(t, err.Error(), `"fast"`)

	prog, err := ctx.CompileProgram(squareSource, "-D N=4 -cl-fast-relaxed-math")
	require.NoError(t, err)
	defer prog.Release()
	opts, err := prog.BuildOptions(ctx.Device(0))
	require.NoError(t, err)
	assert.Equal(t, "-D N=4 -cl-fast-relaxed-math", opts)
}

func TestKernelArguments(t *testing.T) {
	rt := newRuntime(t)
	rt.RegisterKernel("scratch", func(hostsim.WorkItem) {})
	ctx := newContext(t, rt, nil)

	prog, err := ctx.CompileProgram(fillSource, "")
	require.NoError(t, err)
	defer prog.Release()
	require.NoError(t, prog.BuildErr())

	k, err := prog.Kernel("scratch")
	require.NoError(t, err)
	defer k.Release()

	buf, err := cl.CreateBuffer[float32](ctx, 8, driver.MemReadWrite, nil)
	require.NoError(t, err)
	defer buf.Release()

	t.Run("accepted", func(t *testing.T) {
		require.NoError(t, k.Bind(
			cl.Arg{Index: 2, Value: int32(8)},
			cl.Arg{Index: 1, Value: cl.LocalMemory(64)},
			cl.Arg{Index: 0, Value: buf.Memory()},
		))
		ev, err := ctx.Queue(0).Launch(k, cl.Range1(8))
		require.NoError(t, err)
		require.NoError(t, ev.Wait())
		ev.Release()
	})

	rejected := []struct {
		name  string
		index int
		value any
		code  clerr.Status
	}{
		{"go int", 2, 8, clerr.InvalidArgValue},
		{"string", 2, "8", clerr.InvalidArgValue},
		{"slice", 2, []int32{8}, clerr.InvalidArgValue},
		{"pointer", 2, new(int32), clerr.InvalidArgValue},
		{"nil", 2, nil, clerr.InvalidArgValue},
		{"bool", 2, true, clerr.InvalidArgValue},
		{"nil buffer", 0, (*cl.Buffer[float32])(nil), clerr.InvalidMemObject},
		{"wrong size", 2, int64(8), clerr.InvalidArgSize},
		{"scalar for pointer", 0, int32(1), clerr.InvalidArgValue},
		{"empty local", 1, cl.LocalMemory(0), clerr.InvalidArgSize},
		{"index out of range", 3, int32(1), clerr.InvalidArgIndex},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			err := k.SetArg(tt.index, tt.value)
			require.Error(t, err)
			assert.True(t, clerr.HasCode(err, tt.code), "got %v", err)
			assert.Contains(t, err.Error(), "kernel scratch")
		})
	}
}

func TestFixedLayoutStruct(t *testing.T) {
	rt := newRuntime(t)
	rt.RegisterKernel("blend", func(hostsim.WorkItem) {})
	ctx := newContext(t, rt, nil)

	prog, err := ctx.CompileProgram(`__kernel void blend(float4 color, __global float* out) {}`, "")
	require.NoError(t, err)
	defer prog.Release()
	k, err := prog.Kernel("blend")
	require.NoError(t, err)
	defer k.Release()

	type rgba struct{ R, G, B, A float32 }
	assert.NoError(t, k.SetArg(0, rgba{1, 0.5, 0, 1}))
	assert.NoError(t, k.SetArg(0, [4]float32{0, 0, 0, 1}))
	type mixed struct {
		N    int32
		Name string
	}
	assert.True(t, clerr.HasCode(k.SetArg(0, mixed{}), clerr.InvalidArgValue))
}

func TestArgumentsCapturedAtLaunch(t *testing.T) {
	rt := newRuntime(t)
	rt.RegisterKernel("scratch", func(hostsim.WorkItem) {})
	ctx := newContext(t, rt, nil)
	q := ctx.Queue(0)

	prog, err := ctx.CompileProgram(fillSource, "")
	require.NoError(t, err)
	defer prog.Release()
	k, err := prog.Kernel("fill")
	require.NoError(t, err)
	defer k.Release()

	a, err := cl.CreateBuffer[float32](ctx, 16, driver.MemReadWrite, nil)
	require.NoError(t, err)
	defer a.Release()
	b, err := cl.CreateBuffer[float32](ctx, 16, driver.MemReadWrite, nil)
	require.NoError(t, err)
	defer b.Release()

	gate, err := q.Marker()
	require.NoError(t, err)
	defer gate.Release()

	require.NoError(t, k.SetArgs(a, float32(1.5)))
	first, err := q.Launch(k, cl.Range1(16), cl.After(gate))
	require.NoError(t, err)
	defer first.Release()

	require.NoError(t, k.SetArgs(b, float32(-2)))
	second, err := q.Launch(k, cl.Range1(16))
	require.NoError(t, err)
	defer second.Release()
	require.NoError(t, q.Finish())

	got := make([]float32, 16)
	ev, err := cl.ReadBuffer(q, a, got)
	require.NoError(t, err)
	ev.Release()
	assert.Equal(t, float32(1.5), got[15])

	ev, err = cl.ReadBuffer(q, b, got)
	require.NoError(t, err)
	ev.Release()
	assert.Equal(t, float32(-2), got[0])
}

func TestKernelClone(t *testing.T) {
	rt := newRuntime(t)
	ctx := newContext(t, rt, nil)

	prog, err := ctx.CompileProgram(squareSource, "")
	require.NoError(t, err)
	_, err = prog.Kernel("nope")
	assert.True(t, clerr.HasCode(err, clerr.InvalidKernelName))
	k, err := prog.Kernel("square")
	require.NoError(t, err)
	prog.Release()

	alias, err := k.Clone()
	require.NoError(t, err)
	k.Release()
	assert.Equal(t, "square", alias.Name())
	n, err := alias.NumArgs()
	require.NoError(t, err, "the kernel keeps its program alive")
	assert.Equal(t, 1, n)
	alias.Release()
}

// memoryCache is a BinaryCache kept in a map.
type memoryCache struct {
	mu   sync.Mutex
	bins map[string][][]byte
	puts int
}

func (c *memoryCache) key(source, options string, devices []string) string {
	return source + "\x00" + options + "\x00" + strings.Join(devices, "\x00")
}

func (c *memoryCache) Get(source, options string, devices []string) ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bins[c.key(source, options, devices)]
	return b, ok
}

func (c *memoryCache) Put(source, options string, devices []string, bins [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bins == nil {
		c.bins = map[string][][]byte{}
	}
	c.bins[c.key(source, options, devices)] = bins
	c.puts++
	return nil
}

func TestBuildCache(t *testing.T) {
	rt := newRuntime(t)
	cache := &memoryCache{}
	ctx := newContext(t, rt, &cl.Options{BuildCache: cache})

	first, err := ctx.CompileProgram(squareSource, "")
	require.NoError(t, err)
	defer first.Release()
	assert.False(t, first.FromCache())
	assert.Equal(t, 1, cache.puts)

	second, err := ctx.CompileProgram(squareSource, "")
	require.NoError(t, err)
	defer second.Release()
	assert.True(t, second.FromCache())
	assert.Equal(t, 1, cache.puts)
	assert.Equal(t, squareSource, second.Source())

	k, err := second.Kernel("square")
	require.NoError(t, err)
	k.Release()

	other, err := ctx.CompileProgram(squareSource, "-DX")
	require.NoError(t, err)
	defer other.Release()
	assert.False(t, other.FromCache(), "options are part of the key")

	broken, err := ctx.CompileProgram("__kernel void square(__global int* out) {", "")
	require.NoError(t, err)
	defer broken.Release()
	assert.Equal(t, 2, cache.puts, "failed builds are not cached")
}

func TestReadSourceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "square.cl")
	require.NoError(t, os.WriteFile(path, []byte(squareSource), 0o644))
	src, err := cl.ReadSourceFile(path)
	require.NoError(t, err)
	assert.Equal(t, squareSource, src)

	_, err = cl.ReadSourceFile(filepath.Join(t.TempDir(), "missing.cl"))
	assert.Error(t, err)
}
