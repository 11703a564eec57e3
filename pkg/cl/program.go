package cl

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/resource"
)

// Program is a compiled unit built for every device of its context.
type Program struct {
	ctx     *Context
	h       *resource.Handle[driver.ProgramID]
	source  string
	options string
	cached  bool
}

func newProgram(ctx *Context, id driver.ProgramID, source, options string) *Program {
	return &Program{
		ctx:     ctx,
		h:       resource.New(ctx.pol.program, id),
		source:  source,
		options: options,
	}
}

// ID returns the native program handle.
func (p *Program) ID() driver.ProgramID { return p.h.Value() }

// Context returns the owning context.
func (p *Program) Context() *Context { return p.ctx }

// Source returns the source text the program was compiled from.
func (p *Program) Source() string { return p.source }

// FromCache reports whether the program was loaded from cached binaries.
func (p *Program) FromCache() bool { return p.cached }

func (p *Program) buildQuery(d Device, param driver.BuildParam) infoQuery {
	id := p.h.Value()
	return func(b []byte) (int, clerr.Status) {
		return p.ctx.rt.ProgramBuildInfo(id, d.id, param, b)
	}
}

// Status returns the build status on d.
func (p *Program) Status(d Device) (driver.BuildStatus, error) {
	v, err := queryValue[int32](p.buildQuery(d, driver.ProgramBuildStatus), "clGetProgramBuildInfo")
	return driver.BuildStatus(v), err
}

// BuildLog returns the compiler output for d.
func (p *Program) BuildLog(d Device) (string, error) {
	return queryString(p.buildQuery(d, driver.ProgramBuildLog), "clGetProgramBuildInfo")
}

// BuildOptions returns the options of the last build on d.
func (p *Program) BuildOptions(d Device) (string, error) {
	return queryString(p.buildQuery(d, driver.ProgramBuildOptions), "clGetProgramBuildInfo")
}

// DeviceLog is the build outcome on one device.
type DeviceLog struct {
	Device string
	Status driver.BuildStatus
	Log    string
}

// BuildError aggregates the logs of every device a build failed on. It
// matches clerr.ErrBuild and CL_BUILD_PROGRAM_FAILURE through errors.Is.
type BuildError struct {
	Failures []DeviceLog
	err      *clerr.Error
}

func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "build failed on %d device(s)", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n--- %s (%s) ---\n%s", f.Device, f.Status, strings.TrimRight(f.Log, "\n"))
	}
	return b.String()
}

func (e *BuildError) Unwrap() error { return e.err }

// BuildErr returns nil when the program built on every device, and a
// *BuildError otherwise.
func (p *Program) BuildErr() error {
	var failures []DeviceLog
	for _, d := range p.ctx.devices {
		status, err := p.Status(d)
		if err != nil {
			return err
		}
		if status == driver.BuildSuccess {
			continue
		}
		name, err := d.Name()
		if err != nil {
			return err
		}
		log, err := p.BuildLog(d)
		if err != nil {
			return err
		}
		failures = append(failures, DeviceLog{Device: name, Status: status, Log: log})
	}
	if len(failures) == 0 {
		return nil
	}
	return &BuildError{Failures: failures, err: clerr.New(clerr.BuildProgramFailure, "clBuildProgram")}
}

func (p *Program) query(param driver.ProgramParam) infoQuery {
	id := p.h.Value()
	return func(b []byte) (int, clerr.Status) { return p.ctx.rt.ProgramInfo(id, param, b) }
}

// KernelNames lists the kernels of a built program.
func (p *Program) KernelNames() ([]string, error) {
	s, err := queryString(p.query(driver.ProgramKernelNames), "clGetProgramInfo")
	if err != nil || s == "" {
		return nil, err
	}
	return strings.Split(s, ";"), nil
}

// Binaries returns one binary per device, in context device order.
func (p *Program) Binaries() ([][]byte, error) {
	bins, st := p.ctx.rt.ProgramBinaries(p.h.Value())
	runtime.KeepAlive(p)
	return bins, clerr.Check(st, "clGetProgramInfo")
}

// Kernel creates a kernel for the named entry point.
func (p *Program) Kernel(name string) (*Kernel, error) {
	id, st := p.ctx.rt.CreateKernel(p.h.Value(), name)
	if err := clerr.Check(st, "clCreateKernel"); err != nil {
		return nil, errors.Wrapf(err, "kernel %q", name)
	}
	return &Kernel{prog: p, h: resource.New(p.ctx.pol.kernel, id), name: name}, nil
}

// Release drops this owner's reference.
func (p *Program) Release() {
	p.h.Release()
}

// ReadSourceFile loads kernel source text from path.
func ReadSourceFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read kernel source")
	}
	return string(b), nil
}
