package hostsim

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
)

const profilingSlots = 4

type event struct {
	id        driver.EventID
	queue     *queue
	cmd       driver.CommandType
	profiling bool

	mu     sync.Mutex
	status driver.ExecStatus
	times  [profilingSlots]uint64
	done   chan struct{}
}

func newEvent(q *queue, cmd driver.CommandType, profiling bool, now uint64) *event {
	e := &event{
		queue:     q,
		cmd:       cmd,
		profiling: profiling,
		status:    driver.ExecQueued,
		done:      make(chan struct{}),
	}
	e.times[0] = now
	return e
}

// advance moves the event forward. Terminal states never change.
func (e *event) advance(s driver.ExecStatus, now uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return
	}
	switch s {
	case driver.ExecSubmitted:
		e.times[1] = now
	case driver.ExecRunning:
		e.times[2] = now
	default:
		if e.times[1] == 0 {
			e.times[1] = now
		}
		if e.times[2] == 0 {
			e.times[2] = now
		}
		e.times[3] = now
	}
	e.status = s
	if s.Terminal() {
		close(e.done)
	}
}

func (e *event) current() driver.ExecStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *event) isDone() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// wait blocks until the event is terminal and returns its final status.
func (e *event) wait() driver.ExecStatus {
	<-e.done
	return e.current()
}

// command is one unit of queued work. A failed event in deps fails the
// command. Events in after only order it.
type command struct {
	ev    *event
	deps  []*event
	after []*event
	run   func() clerr.Status
}

type queue struct {
	id  driver.QueueID
	r   *Runtime
	ctx *simContext
	dev *device

	mu       sync.Mutex
	props    driver.QueueProperties
	barrier  *event   // most recent barrier
	inflight []*event // commands not yet known to be complete
}

func (r *Runtime) CreateCommandQueue(c driver.ContextID, d driver.DeviceID, props driver.QueueProperties) (driver.QueueID, clerr.Status) {
	ctx, ok := lookup[*simContext](r, uintptr(c))
	if !ok {
		return 0, clerr.InvalidContext
	}
	dev, ok := r.devices[d]
	if !ok || !ctx.hasDevice(dev) {
		return 0, clerr.InvalidDevice
	}
	if !validQueueProps(props) {
		return 0, clerr.InvalidValue
	}
	if dev.cfg.Unavailable {
		return 0, clerr.DeviceNotAvailable
	}
	q := &queue{r: r, ctx: ctx, dev: dev, props: props}
	r.addRef(uintptr(ctx.id))
	q.id = driver.QueueID(r.insert(q))
	r.log.WithFields(logrus.Fields{"queue": q.id, "device": dev.cfg.Name}).Debug("queue created")
	return q.id, clerr.Success
}

func validQueueProps(p driver.QueueProperties) bool {
	return p&^(driver.QueueOutOfOrderExecModeEnable|driver.QueueProfilingEnable) == 0
}

func (r *Runtime) SetCommandQueueProperty(id driver.QueueID, props driver.QueueProperties, enable bool) clerr.Status {
	q, ok := lookup[*queue](r, uintptr(id))
	if !ok {
		return clerr.InvalidCommandQueue
	}
	if !validQueueProps(props) {
		return clerr.InvalidValue
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if enable {
		q.props |= props
	} else {
		q.props &^= props
	}
	return clerr.Success
}

func (r *Runtime) QueueInfo(id driver.QueueID, param driver.QueueParam, dst []byte) (int, clerr.Status) {
	q, ok := lookup[*queue](r, uintptr(id))
	if !ok {
		return 0, clerr.InvalidCommandQueue
	}
	var v []byte
	switch param {
	case driver.QueueContext:
		v = driver.Bytes(q.ctx.id)
	case driver.QueueDevice:
		v = driver.Bytes(q.dev.id)
	case driver.QueueReferenceCount:
		v = driver.Bytes(r.refCount(uintptr(id)))
	case driver.QueuePropertiesInfo:
		q.mu.Lock()
		v = driver.Bytes(uint64(q.props))
		q.mu.Unlock()
	default:
		return 0, clerr.InvalidValue
	}
	return driver.Reply(dst, v)
}

func (r *Runtime) RetainCommandQueue(q driver.QueueID) clerr.Status {
	return retain[*queue](r, uintptr(q), clerr.InvalidCommandQueue)
}

// ReleaseCommandQueue does not wait for outstanding commands. They finish on
// their own goroutines.
func (r *Runtime) ReleaseCommandQueue(q driver.QueueID) clerr.Status {
	return release[*queue](r, uintptr(q), clerr.InvalidCommandQueue)
}

func (q *queue) destroy(r *Runtime) {
	r.log.WithField("queue", q.id).Debug("queue destroyed")
	release[*simContext](r, uintptr(q.ctx.id), clerr.InvalidContext)
}

// Flush is a validity check only. Commands are issued to the device as soon
// as they are enqueued.
func (r *Runtime) Flush(id driver.QueueID) clerr.Status {
	if _, ok := lookup[*queue](r, uintptr(id)); !ok {
		return clerr.InvalidCommandQueue
	}
	return clerr.Success
}

func (r *Runtime) Finish(id driver.QueueID) clerr.Status {
	q, ok := lookup[*queue](r, uintptr(id))
	if !ok {
		return clerr.InvalidCommandQueue
	}
	q.mu.Lock()
	pending := append([]*event(nil), q.inflight...)
	q.mu.Unlock()
	for _, e := range pending {
		<-e.done
	}
	return clerr.Success
}

// resolveWaitList maps event handles to events of the queue's context.
func (r *Runtime) resolveWaitList(q *queue, ids []driver.EventID) ([]*event, clerr.Status) {
	deps := make([]*event, 0, len(ids))
	for _, id := range ids {
		e, ok := lookup[*event](r, uintptr(id))
		if !ok {
			return nil, clerr.InvalidEventWaitList
		}
		if e.queue.ctx != q.ctx {
			return nil, clerr.InvalidContext
		}
		deps = append(deps, e)
	}
	return deps, clerr.Success
}

// kind of ordering a command imposes on its queue.
type ordering int

const (
	orderCommand ordering = iota
	orderMarker
	orderBarrier
)

// enqueue creates the event for a command and starts it. Ordering follows
// the queue mode in effect right now: in-order commands wait for every
// command still in flight, out-of-order commands only for the latest
// barrier. Barriers and markers without a wait list wait for everything in
// flight too. Only the explicit wait list propagates failure.
func (q *queue) enqueue(cmd driver.CommandType, wait []*event, order ordering, run func() clerr.Status) *event {
	q.mu.Lock()
	ev := newEvent(q, cmd, q.props&driver.QueueProfilingEnable != 0, q.r.now())
	inOrder := q.props&driver.QueueOutOfOrderExecModeEnable == 0

	live := q.inflight[:0]
	for _, e := range q.inflight {
		if !e.isDone() {
			live = append(live, e)
		}
	}
	q.inflight = live

	var after []*event
	switch {
	case inOrder, order != orderCommand && len(wait) == 0:
		after = append(after, q.inflight...)
	case q.barrier != nil && !q.barrier.isDone():
		after = append(after, q.barrier)
	}

	q.inflight = append(q.inflight, ev)
	if order == orderBarrier {
		q.barrier = ev
	}
	q.mu.Unlock()

	ev.id = driver.EventID(q.r.insert(ev))
	go q.execute(&command{ev: ev, deps: append([]*event(nil), wait...), after: after, run: run})
	return ev
}

func (q *queue) execute(c *command) {
	r := q.r
	c.ev.advance(driver.ExecSubmitted, r.now())
	for _, d := range c.deps {
		if d.wait() < 0 {
			c.ev.advance(driver.ExecStatus(clerr.ExecStatusErrorForEvents), r.now())
			return
		}
	}
	for _, d := range c.after {
		<-d.done
	}
	c.ev.advance(driver.ExecRunning, r.now())

	st := clerr.Success
	if c.run != nil {
		st = c.run()
	}
	if st != clerr.Success {
		r.log.WithFields(logrus.Fields{
			"queue":   q.id,
			"command": c.ev.cmd.String(),
			"status":  st.String(),
		}).Debug("command failed")
		c.ev.advance(driver.ExecStatus(st), r.now())
		return
	}
	c.ev.advance(driver.ExecComplete, r.now())
}

// settle waits for ev when blocking is set. A failed blocking command
// releases its event and reports the command's status instead.
func (r *Runtime) settle(ev *event, blocking bool) (driver.EventID, clerr.Status) {
	if !blocking {
		return ev.id, clerr.Success
	}
	if s := ev.wait(); s < 0 {
		release[*event](r, uintptr(ev.id), clerr.InvalidEvent)
		return 0, clerr.Status(s)
	}
	return ev.id, clerr.Success
}

func (r *Runtime) EnqueueBarrier(id driver.QueueID, wait []driver.EventID) (driver.EventID, clerr.Status) {
	return r.enqueueSync(id, wait, driver.CommandBarrier, orderBarrier)
}

func (r *Runtime) EnqueueMarker(id driver.QueueID, wait []driver.EventID) (driver.EventID, clerr.Status) {
	return r.enqueueSync(id, wait, driver.CommandMarker, orderMarker)
}

func (r *Runtime) enqueueSync(id driver.QueueID, wait []driver.EventID, cmd driver.CommandType, order ordering) (driver.EventID, clerr.Status) {
	q, ok := lookup[*queue](r, uintptr(id))
	if !ok {
		return 0, clerr.InvalidCommandQueue
	}
	deps, st := r.resolveWaitList(q, wait)
	if st != clerr.Success {
		return 0, st
	}
	ev := q.enqueue(cmd, deps, order, nil)
	return ev.id, clerr.Success
}

func (r *Runtime) EventInfo(id driver.EventID, param driver.EventParam, dst []byte) (int, clerr.Status) {
	e, ok := lookup[*event](r, uintptr(id))
	if !ok {
		return 0, clerr.InvalidEvent
	}
	var v []byte
	switch param {
	case driver.EventCommandQueue:
		v = driver.Bytes(e.queue.id)
	case driver.EventCommandType:
		v = driver.Bytes(uint32(e.cmd))
	case driver.EventReferenceCount:
		v = driver.Bytes(r.refCount(uintptr(id)))
	case driver.EventCommandExecutionStatus:
		v = driver.Bytes(int32(e.current()))
	case driver.EventContext:
		v = driver.Bytes(e.queue.ctx.id)
	default:
		return 0, clerr.InvalidValue
	}
	return driver.Reply(dst, v)
}

// EventProfilingInfo fails with ProfilingInfoNotAvailable when the queue had
// profiling disabled at enqueue time or the command has not completed.
func (r *Runtime) EventProfilingInfo(id driver.EventID, param driver.ProfilingParam, dst []byte) (int, clerr.Status) {
	e, ok := lookup[*event](r, uintptr(id))
	if !ok {
		return 0, clerr.InvalidEvent
	}
	if !e.profiling || e.current() != driver.ExecComplete {
		return 0, clerr.ProfilingInfoNotAvailable
	}
	slot := int(param) - int(driver.ProfilingCommandQueued)
	if slot < 0 || slot >= profilingSlots {
		return 0, clerr.InvalidValue
	}
	e.mu.Lock()
	t := e.times[slot]
	e.mu.Unlock()
	return driver.Reply(dst, driver.Bytes(t))
}

func (r *Runtime) WaitForEvents(ids []driver.EventID) clerr.Status {
	if len(ids) == 0 {
		return clerr.InvalidValue
	}
	events := make([]*event, 0, len(ids))
	for _, id := range ids {
		e, ok := lookup[*event](r, uintptr(id))
		if !ok {
			return clerr.InvalidEvent
		}
		events = append(events, e)
	}
	st := clerr.Success
	for _, e := range events {
		if e.wait() < 0 {
			st = clerr.ExecStatusErrorForEvents
		}
	}
	return st
}

func (r *Runtime) RetainEvent(e driver.EventID) clerr.Status {
	return retain[*event](r, uintptr(e), clerr.InvalidEvent)
}

func (r *Runtime) ReleaseEvent(e driver.EventID) clerr.Status {
	return release[*event](r, uintptr(e), clerr.InvalidEvent)
}
