// Package resource provides a reference-counted ownership wrapper for native
// runtime handles.
//
// A native runtime hands out opaque handles for contexts, queues, memory
// objects, programs, kernels and events. Each handle carries a reference
// count inside the runtime. Handle[H] owns exactly one such reference, or the
// null sentinel, and a small per-kind Policy tells it how to retain and
// release.
//
// Ownership rules:
//
//   - New adopts a reference that a creation call already returned (+1). It
//     does not retain.
//   - Clone retains and returns an independent wrapper over the same handle.
//   - Assign is copy-then-swap: the source is cloned first, so a failed retain
//     leaves the destination untouched, then the previous value is released.
//   - Reset drops the current value and adopts a fresh +1 reference.
//   - Release drops the reference once. Later calls on the same wrapper do
//     nothing. Failures go to the diagnostic log and are never returned.
//
// A wrapper that becomes unreachable without Release is released by a
// finalizer.
//
// Example:
//
//	h := resource.New(policy, id) // id came from a create call
//	defer h.Release()
//
//	alias, err := h.Clone() // refcount +1
//	if err != nil {
//		return err
//	}
//	defer alias.Release()
package resource

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/shanyungyang/clpp/pkg/logging"
)

// Policy supplies the per-kind operations for a handle type.
type Policy[H comparable] interface {
	// Kind names the handle kind for diagnostics ("context", "event", ...).
	Kind() string
	// Null returns the sentinel that means "no handle".
	Null() H
	// Retain increments the native reference count.
	Retain(H) error
	// Release decrements the native reference count.
	Release(H) error
}

// PolicyFunc builds a Policy from a kind name and two functions. The null
// sentinel is the zero value of H.
func PolicyFunc[H comparable](kind string, retain, release func(H) error) Policy[H] {
	return funcPolicy[H]{kind: kind, retain: retain, release: release}
}

type funcPolicy[H comparable] struct {
	kind    string
	retain  func(H) error
	release func(H) error
}

func (p funcPolicy[H]) Kind() string      { return p.kind }
func (p funcPolicy[H]) Retain(h H) error  { return p.retain(h) }
func (p funcPolicy[H]) Release(h H) error { return p.release(h) }

func (p funcPolicy[H]) Null() H {
	var zero H
	return zero
}

var live atomic.Int64

// Live returns the number of wrappers currently holding a non-null handle.
func Live() int64 {
	return live.Load()
}

// Handle owns one native reference of kind H.
type Handle[H comparable] struct {
	mu     sync.Mutex
	policy Policy[H]
	value  H
}

// New wraps a handle returned by a successful creation call. The reference
// is adopted, not retained.
func New[H comparable](policy Policy[H], h H) *Handle[H] {
	r := &Handle[H]{policy: policy, value: policy.Null()}
	r.adopt(h)
	runtime.SetFinalizer(r, finalize[H])
	return r
}

// Null returns a wrapper that holds nothing.
func Null[H comparable](policy Policy[H]) *Handle[H] {
	return New(policy, policy.Null())
}

func finalize[H comparable](r *Handle[H]) {
	r.Release()
}

// adopt takes ownership of h. Caller holds r.mu or owns r exclusively.
func (r *Handle[H]) adopt(h H) {
	wasNull := r.value == r.policy.Null()
	r.value = h
	isNull := h == r.policy.Null()
	switch {
	case wasNull && !isNull:
		live.Add(1)
	case !wasNull && isNull:
		live.Add(-1)
	}
}

// Value returns the raw handle for passing into native calls. Ownership is
// not transferred.
func (r *Handle[H]) Value() H {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// IsNull reports whether the wrapper holds the null sentinel.
func (r *Handle[H]) IsNull() bool {
	return r.Value() == r.policy.Null()
}

// Kind returns the policy's kind name.
func (r *Handle[H]) Kind() string {
	return r.policy.Kind()
}

// Clone retains the handle and returns a second, independent wrapper. If the
// retain fails no wrapper is created and the error is returned.
func (r *Handle[H]) Clone() (*Handle[H], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.value != r.policy.Null() {
		if err := r.policy.Retain(r.value); err != nil {
			return nil, err
		}
	}
	return New(r.policy, r.value), nil
}

// Reset releases the held handle if it is non-null and different from h,
// then adopts h without retaining it.
func (r *Handle[H]) Reset(h H) {
	r.mu.Lock()
	old := r.value
	if old != r.policy.Null() && old == h {
		r.mu.Unlock()
		return
	}
	r.adopt(h)
	r.mu.Unlock()

	if old != r.policy.Null() {
		r.release(old)
	}
}

// Assign makes r refer to the same handle as src. Assigning a wrapper that
// already holds the same value issues no native calls. Otherwise src is
// cloned first; when that retain fails r is left unchanged.
func (r *Handle[H]) Assign(src *Handle[H]) error {
	if r == src || r.Value() == src.Value() {
		return nil
	}

	tmp, err := src.Clone()
	if err != nil {
		return err
	}

	r.swap(tmp)
	tmp.Release()
	return nil
}

// swap exchanges the held values of r and other.
func (r *Handle[H]) swap(other *Handle[H]) {
	r.mu.Lock()
	other.mu.Lock()
	r.value, other.value = other.value, r.value
	other.mu.Unlock()
	r.mu.Unlock()
}

// Release drops the reference held by this wrapper. It is safe to call more
// than once. Native failures are logged, never returned.
func (r *Handle[H]) Release() {
	r.mu.Lock()
	old := r.value
	r.adopt(r.policy.Null())
	r.mu.Unlock()

	runtime.SetFinalizer(r, nil)
	if old != r.policy.Null() {
		r.release(old)
	}
}

func (r *Handle[H]) release(h H) {
	defer func() {
		if p := recover(); p != nil {
			logging.Diagnostic("resource", "release panicked", fmt.Errorf("%v", p), r.fields(h))
		}
	}()
	if err := r.policy.Release(h); err != nil {
		logging.Diagnostic("resource", "release failed", err, r.fields(h))
	}
}

func (r *Handle[H]) fields(h H) logrus.Fields {
	return logrus.Fields{
		"kind":   r.policy.Kind(),
		"handle": fmt.Sprintf("%v", h),
	}
}

// String formats the wrapper for logs.
func (r *Handle[H]) String() string {
	return fmt.Sprintf("%s(%v)", r.policy.Kind(), r.Value())
}
