// Package cl is a host-side object model over a compute runtime.
//
// It enumerates platforms and devices, builds contexts with one command
// queue per device, allocates typed buffers, compiles programs and launches
// kernels. Every enqueue returns an *Event that tracks that one command.
//
// Native handles are owned through resource.Handle, so every object here
// follows the same rules: constructors adopt a fresh reference, Clone
// retains, Release drops the reference once and is safe to repeat. Objects
// that are never released are released by a finalizer.
//
// Example:
//
//	rt, err := driver.Select("", true)
//	if err != nil {
//		return err
//	}
//	ctx, err := cl.NewContextFromType(rt, cl.Platform{}, driver.DeviceTypeDefault, nil)
//	if err != nil {
//		return err
//	}
//	defer ctx.Release()
//
//	buf, err := cl.CreateBuffer[int32](ctx, 1024, driver.MemWriteOnly, nil)
//	if err != nil {
//		return err
//	}
//	defer buf.Release()
//
//	prog, err := ctx.CompileProgram(source, "")
//	...
//	k, err := prog.Kernel("square")
//	...
//	k.SetArgs(buf, uint32(1024))
//	ev, err := ctx.Queue(0).Launch(k, cl.Range1(1024), cl.WithLocal(cl.Range1(64)))
//	...
//	out := make([]int32, 1024)
//	_, err = cl.ReadBuffer(ctx.Queue(0), buf, out, cl.After(ev))
package cl

import (
	"github.com/pkg/errors"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/resource"
)

// policies holds the retain/release policy of every owned handle kind for
// one runtime.
type policies struct {
	context resource.Policy[driver.ContextID]
	queue   resource.Policy[driver.QueueID]
	mem     resource.Policy[driver.MemID]
	program resource.Policy[driver.ProgramID]
	kernel  resource.Policy[driver.KernelID]
	event   resource.Policy[driver.EventID]
}

func policy[H comparable](kind, retainCall, releaseCall string, retain, release func(H) clerr.Status) resource.Policy[H] {
	return resource.PolicyFunc(kind,
		func(h H) error { return clerr.Check(retain(h), retainCall) },
		func(h H) error { return clerr.Check(release(h), releaseCall) },
	)
}

func newPolicies(rt driver.Runtime) *policies {
	return &policies{
		context: policy("context", "clRetainContext", "clReleaseContext", rt.RetainContext, rt.ReleaseContext),
		queue:   policy("queue", "clRetainCommandQueue", "clReleaseCommandQueue", rt.RetainCommandQueue, rt.ReleaseCommandQueue),
		mem:     policy("mem", "clRetainMemObject", "clReleaseMemObject", rt.RetainMemObject, rt.ReleaseMemObject),
		program: policy("program", "clRetainProgram", "clReleaseProgram", rt.RetainProgram, rt.ReleaseProgram),
		kernel:  policy("kernel", "clRetainKernel", "clReleaseKernel", rt.RetainKernel, rt.ReleaseKernel),
		event:   policy("event", "clRetainEvent", "clReleaseEvent", rt.RetainEvent, rt.ReleaseEvent),
	}
}

// infoQuery is one two-call info entry point bound to a handle and a param.
type infoQuery func(dst []byte) (int, clerr.Status)

// queryBytes asks for the size, then for the value.
func queryBytes(q infoQuery, call string) ([]byte, error) {
	size, st := q(nil)
	if err := clerr.Check(st, call); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if size == 0 {
		return b, nil
	}
	n, st := q(b)
	if err := clerr.Check(st, call); err != nil {
		return nil, err
	}
	return b[:n], nil
}

func queryString(q infoQuery, call string) (string, error) {
	b, err := queryBytes(q, call)
	if err != nil {
		return "", err
	}
	return driver.GoString(b), nil
}

// queryValue reads a fixed-size value in one call.
func queryValue[T any](q infoQuery, call string) (T, error) {
	var zero T
	b := driver.Bytes(zero)
	if _, st := q(b); st != clerr.Success {
		return zero, clerr.Check(st, call)
	}
	v, ok := driver.Value[T](b)
	if !ok {
		return zero, errors.Errorf("%s: short reply", call)
	}
	return v, nil
}

func querySlice[T any](q infoQuery, call string) ([]T, error) {
	b, err := queryBytes(q, call)
	if err != nil {
		return nil, err
	}
	return driver.Values[T](b), nil
}
