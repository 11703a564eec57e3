package cl

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/logging"
	"github.com/shanyungyang/clpp/pkg/resource"
)

// BinaryCache stores program binaries between runs. Lookups are keyed by
// source text, build options and the device names the binaries were built
// for.
type BinaryCache interface {
	Get(source, options string, devices []string) ([][]byte, bool)
	Put(source, options string, devices []string, binaries [][]byte) error
}

// Options configures a new Context. A nil *Options means defaults.
type Options struct {
	// QueueProperties applies to the queue created for each device.
	QueueProperties driver.QueueProperties
	// BuildCache, when set, lets CompileProgram skip compilation.
	BuildCache BinaryCache
}

// Context spans a set of devices and owns one command queue per device.
type Context struct {
	rt    driver.Runtime
	pol   *policies
	h     *resource.Handle[driver.ContextID]
	log   *logrus.Entry
	cache BinaryCache

	devices []Device
	queues  []*CommandQueue
}

// NewContextFromType creates a context over every device of type t on p. The
// zero Platform lets the runtime choose.
func NewContextFromType(rt driver.Runtime, p Platform, t driver.DeviceType, opts *Options) (*Context, error) {
	id, st := rt.CreateContextFromType(p.id, t)
	if err := clerr.Check(st, "clCreateContextFromType"); err != nil {
		return nil, errors.Wrapf(err, "create context for %s devices", t)
	}
	return setup(rt, id, opts)
}

// NewContext creates a context over exactly the given devices. An empty list
// fails with CL_INVALID_VALUE.
func NewContext(rt driver.Runtime, devices []Device, opts *Options) (*Context, error) {
	if len(devices) == 0 {
		return nil, clerr.New(clerr.InvalidValue, "clCreateContext")
	}
	ids := make([]driver.DeviceID, len(devices))
	for i, d := range devices {
		ids[i] = d.id
	}
	id, st := rt.CreateContext(0, ids)
	if err := clerr.Check(st, "clCreateContext"); err != nil {
		return nil, errors.Wrapf(err, "create context over %d devices", len(devices))
	}
	return setup(rt, id, opts)
}

// NewContextForDevice creates a context over a single device.
func NewContextForDevice(d Device, opts *Options) (*Context, error) {
	return NewContext(d.rt, []Device{d}, opts)
}

// setup adopts id, reads back the device list the runtime actually bound and
// creates one queue per device in that order.
func setup(rt driver.Runtime, id driver.ContextID, opts *Options) (*Context, error) {
	if opts == nil {
		opts = &Options{}
	}
	pol := newPolicies(rt)
	c := &Context{
		rt:    rt,
		pol:   pol,
		h:     resource.New(pol.context, id),
		log:   logging.WithComponent("cl"),
		cache: opts.BuildCache,
	}
	ids, err := querySlice[driver.DeviceID](c.query(driver.ContextDevices), "clGetContextInfo")
	if err != nil {
		c.Release()
		return nil, err
	}
	c.devices = devicesOf(rt, ids)
	for i, d := range c.devices {
		q, err := newQueue(c, d, opts.QueueProperties)
		if err != nil {
			c.Release()
			return nil, errors.Wrapf(err, "create queue for device %d", i)
		}
		c.queues = append(c.queues, q)
	}
	c.log.WithFields(logrus.Fields{
		"runtime": rt.Name(),
		"context": id,
		"devices": len(c.devices),
	}).Debug("context created")
	return c, nil
}

func (c *Context) query(param driver.ContextParam) infoQuery {
	id := c.h.Value()
	return func(b []byte) (int, clerr.Status) { return c.rt.ContextInfo(id, param, b) }
}

// ID returns the native context handle.
func (c *Context) ID() driver.ContextID { return c.h.Value() }

// Runtime returns the runtime the context lives in.
func (c *Context) Runtime() driver.Runtime { return c.rt }

// NumDevices returns the number of devices in the context.
func (c *Context) NumDevices() int { return len(c.devices) }

// Device returns device i. It panics when i is out of range.
func (c *Context) Device(i int) Device {
	if i < 0 || i >= len(c.devices) {
		panic(fmt.Sprintf("cl: device index %d out of range [0,%d)", i, len(c.devices)))
	}
	return c.devices[i]
}

// Devices returns a copy of the device list.
func (c *Context) Devices() []Device {
	return append([]Device(nil), c.devices...)
}

// Queue returns the queue of device i. It panics when i is out of range.
func (c *Context) Queue(i int) *CommandQueue {
	if i < 0 || i >= len(c.queues) {
		panic(fmt.Sprintf("cl: queue index %d out of range [0,%d)", i, len(c.queues)))
	}
	return c.queues[i]
}

// CreateQueue creates an extra queue on d. The caller releases it.
func (c *Context) CreateQueue(d Device, props driver.QueueProperties) (*CommandQueue, error) {
	return newQueue(c, d, props)
}

// FinishAll finishes every device queue concurrently.
func (c *Context) FinishAll() error {
	var g errgroup.Group
	for i, q := range c.queues {
		i, q := i, q
		g.Go(func() error {
			return errors.Wrapf(q.Finish(), "finish queue %d", i)
		})
	}
	return g.Wait()
}

// Stats sums the counters of the device queues.
func (c *Context) Stats() QueueStats {
	var s QueueStats
	for _, q := range c.queues {
		s = s.Add(q.Stats())
	}
	return s
}

// Release releases the device queues and the context. Objects created from
// the context keep the native context alive until they are released.
func (c *Context) Release() {
	for _, q := range c.queues {
		q.Release()
	}
	c.h.Release()
}

func (c *Context) deviceNames() ([]string, error) {
	names := make([]string, len(c.devices))
	for i, d := range c.devices {
		n, err := d.Name()
		if err != nil {
			return nil, err
		}
		names[i] = n
	}
	return names, nil
}

func (c *Context) deviceIDs() []driver.DeviceID {
	ids := make([]driver.DeviceID, len(c.devices))
	for i, d := range c.devices {
		ids[i] = d.id
	}
	return ids
}

// CompileProgram builds source for every device of the context.
//
// A failed compilation is not an error here: the Program is returned and
// Status, BuildLog or BuildErr report per device. Every other failure, such
// as invalid options or a missing compiler, is returned.
func (c *Context) CompileProgram(source, options string) (*Program, error) {
	var names []string
	if c.cache != nil {
		var err error
		if names, err = c.deviceNames(); err != nil {
			return nil, err
		}
		if p := c.cachedProgram(source, options, names); p != nil {
			return p, nil
		}
	}

	id, st := c.rt.CreateProgramWithSource(c.h.Value(), source)
	if err := clerr.Check(st, "clCreateProgramWithSource"); err != nil {
		return nil, err
	}
	p := newProgram(c, id, source, options)
	st = c.rt.BuildProgram(id, nil, options)
	switch st {
	case clerr.Success:
	case clerr.BuildProgramFailure:
		c.log.WithField("program", id).Debug("program build failed")
		return p, nil
	default:
		p.Release()
		return nil, errors.Wrapf(clerr.Check(st, "clBuildProgram"), "build options %q", options)
	}

	if c.cache != nil {
		bins, err := p.Binaries()
		if err == nil {
			err = c.cache.Put(source, options, names, bins)
		}
		if err != nil {
			c.log.WithError(err).Warn("program not cached")
		}
	}
	return p, nil
}

// cachedProgram rebuilds a program from cached binaries. It returns nil when
// nothing usable is cached.
func (c *Context) cachedProgram(source, options string, names []string) *Program {
	bins, ok := c.cache.Get(source, options, names)
	if !ok || len(bins) != len(c.devices) {
		return nil
	}
	id, _, st := c.rt.CreateProgramWithBinary(c.h.Value(), c.deviceIDs(), bins)
	if st != clerr.Success {
		c.log.WithField("status", st.String()).Debug("cached binaries rejected")
		return nil
	}
	p := newProgram(c, id, source, options)
	p.cached = true
	if st := c.rt.BuildProgram(id, nil, options); st != clerr.Success {
		c.log.WithField("status", st.String()).Debug("cached program did not build")
		p.Release()
		return nil
	}
	c.log.WithField("program", id).Debug("program loaded from cache")
	return p
}
