package cl

import (
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/resource"
)

// Event tracks one enqueued command.
type Event struct {
	rt    driver.Runtime
	queue *CommandQueue
	h     *resource.Handle[driver.EventID]

	// keep holds the host slice of a transfer so it stays reachable while
	// the device may still access it.
	keep any
}

func newEvent(q *CommandQueue, id driver.EventID, keep any) *Event {
	return &Event{
		rt:    q.rt,
		queue: q,
		h:     resource.New(q.ctx.pol.event, id),
		keep:  keep,
	}
}

// ID returns the native event handle.
func (e *Event) ID() driver.EventID { return e.h.Value() }

// Queue returns the queue the command was enqueued on.
func (e *Event) Queue() *CommandQueue { return e.queue }

func (e *Event) query(param driver.EventParam) infoQuery {
	id := e.h.Value()
	return func(b []byte) (int, clerr.Status) { return e.rt.EventInfo(id, param, b) }
}

// Status returns the execution status. A negative status is the error code
// the command failed with.
func (e *Event) Status() (driver.ExecStatus, error) {
	v, err := queryValue[int32](e.query(driver.EventCommandExecutionStatus), "clGetEventInfo")
	return driver.ExecStatus(v), err
}

// CommandType identifies the enqueue call that produced the event.
func (e *Event) CommandType() (driver.CommandType, error) {
	v, err := queryValue[uint32](e.query(driver.EventCommandType), "clGetEventInfo")
	return driver.CommandType(v), err
}

// Wait blocks until the command is complete or failed. It may be called any
// number of times from any goroutine.
func (e *Event) Wait() error {
	st := e.rt.WaitForEvents([]driver.EventID{e.h.Value()})
	runtime.KeepAlive(e)
	return clerr.Check(st, "clWaitForEvents")
}

func (e *Event) timestamp(param driver.ProfilingParam) (uint64, error) {
	id := e.h.Value()
	return queryValue[uint64](func(b []byte) (int, clerr.Status) {
		return e.rt.EventProfilingInfo(id, param, b)
	}, "clGetEventProfilingInfo")
}

// QueuedAt and the other timestamps are device clock nanoseconds. They fail
// with CL_PROFILING_INFO_NOT_AVAILABLE unless the queue had profiling enabled
// when the command was enqueued and the command has completed.
func (e *Event) QueuedAt() (uint64, error) {
	return e.timestamp(driver.ProfilingCommandQueued)
}

func (e *Event) SubmittedAt() (uint64, error) {
	return e.timestamp(driver.ProfilingCommandSubmit)
}

func (e *Event) StartedAt() (uint64, error) {
	return e.timestamp(driver.ProfilingCommandStart)
}

func (e *Event) EndedAt() (uint64, error) {
	return e.timestamp(driver.ProfilingCommandEnd)
}

// Elapsed is EndedAt minus StartedAt.
func (e *Event) Elapsed() (time.Duration, error) {
	start, err := e.StartedAt()
	if err != nil {
		return 0, err
	}
	end, err := e.EndedAt()
	if err != nil {
		return 0, err
	}
	return time.Duration(end - start), nil
}

// Profile holds all four timestamps of a command.
type Profile struct {
	Queued    uint64
	Submitted uint64
	Started   uint64
	Ended     uint64
}

// Wait is the time from queueing to start.
func (p Profile) Wait() time.Duration { return time.Duration(p.Started - p.Queued) }

// Run is the execution time.
func (p Profile) Run() time.Duration { return time.Duration(p.Ended - p.Started) }

// Profile reads every timestamp.
func (e *Event) Profile() (Profile, error) {
	var p Profile
	var err error
	if p.Queued, err = e.QueuedAt(); err != nil {
		return p, err
	}
	if p.Submitted, err = e.SubmittedAt(); err != nil {
		return p, err
	}
	if p.Started, err = e.StartedAt(); err != nil {
		return p, err
	}
	p.Ended, err = e.EndedAt()
	return p, err
}

// Clone returns a second owner of the same event.
func (e *Event) Clone() (*Event, error) {
	h, err := e.h.Clone()
	if err != nil {
		return nil, err
	}
	return &Event{rt: e.rt, queue: e.queue, h: h, keep: e.keep}, nil
}

// Release drops this owner's reference.
func (e *Event) Release() {
	e.h.Release()
	e.keep = nil
}

// WaitAll waits for every event. Events must come from one runtime. Nil
// events are skipped.
func WaitAll(events ...*Event) error {
	ids, rt := eventIDs(events)
	if len(ids) == 0 {
		return nil
	}
	st := rt.WaitForEvents(ids)
	runtime.KeepAlive(events)
	return errors.Wrapf(clerr.Check(st, "clWaitForEvents"), "wait for %d events", len(ids))
}

func eventIDs(events []*Event) ([]driver.EventID, driver.Runtime) {
	var rt driver.Runtime
	ids := make([]driver.EventID, 0, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		rt = e.rt
		ids = append(ids, e.h.Value())
	}
	return ids, rt
}
