//go:build opencl && (linux || windows || darwin)
// +build opencl
// +build linux windows darwin

package opencl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
)

func openRuntime(t *testing.T) *Runtime {
	t.Helper()
	if !Available() {
		t.Skip("no OpenCL platform installed")
	}
	rt, err := New()
	require.NoError(t, err)
	return rt
}

func TestPlatformQuery(t *testing.T) {
	rt := openRuntime(t)
	n, st := rt.PlatformIDs(nil)
	require.Equal(t, clerr.Success, st)
	require.Positive(t, n)

	ids := make([]driver.PlatformID, n)
	_, st = rt.PlatformIDs(ids)
	require.Equal(t, clerr.Success, st)

	size, st := rt.PlatformInfo(ids[0], driver.PlatformName, nil)
	require.Equal(t, clerr.Success, st)
	name := make([]byte, size)
	_, st = rt.PlatformInfo(ids[0], driver.PlatformName, name)
	require.Equal(t, clerr.Success, st)
	assert.NotEmpty(t, driver.GoString(name))
}

func TestNonBlockingRoundTrip(t *testing.T) {
	rt := openRuntime(t)
	var p [1]driver.PlatformID
	_, st := rt.PlatformIDs(p[:])
	require.Equal(t, clerr.Success, st)

	ctx, st := rt.CreateContextFromType(p[0], driver.DeviceTypeAll)
	if st == clerr.DeviceNotFound {
		t.Skip("platform has no devices")
	}
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseContext(ctx)

	var dev [1]driver.DeviceID
	_, st = rt.DeviceIDs(p[0], driver.DeviceTypeAll, dev[:])
	require.Equal(t, clerr.Success, st)
	q, st := rt.CreateCommandQueue(ctx, dev[0], 0)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseCommandQueue(q)

	m, st := rt.CreateBuffer(ctx, driver.MemReadWrite, 16, nil)
	require.Equal(t, clerr.Success, st)
	defer rt.ReleaseMemObject(m)

	in := []byte("0123456789abcdef")
	ev, st := rt.EnqueueWriteBuffer(q, m, false, 0, 16, in, nil)
	require.Equal(t, clerr.Success, st)
	assert.True(t, rt.pinned(uintptr(ev)))

	out := make([]byte, 16)
	rev, st := rt.EnqueueReadBuffer(q, m, true, 0, 16, out, []driver.EventID{ev})
	require.Equal(t, clerr.Success, st)
	assert.False(t, rt.pinned(uintptr(rev)), "blocking transfers are not pinned")
	rt.ReleaseEvent(rev)

	require.Equal(t, clerr.Success, rt.ReleaseEvent(ev))
	assert.False(t, rt.pinned(uintptr(ev)))
	assert.Equal(t, in, out)
}
