package resource

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanyungyang/clpp/pkg/logging"
)

type fakeID uintptr

// countingPolicy records every retain and release and keeps a per-handle
// reference count the way a native runtime would.
type countingPolicy struct {
	mu         sync.Mutex
	refs       map[fakeID]int
	retains    map[fakeID]int
	releases   map[fakeID]int
	failRetain bool
	failRel    bool
}

func newCountingPolicy() *countingPolicy {
	return &countingPolicy{
		refs:     map[fakeID]int{},
		retains:  map[fakeID]int{},
		releases: map[fakeID]int{},
	}
}

func (p *countingPolicy) create(id fakeID) fakeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[id] = 1
	return id
}

func (p *countingPolicy) Kind() string { return "fake" }
func (p *countingPolicy) Null() fakeID { return 0 }

func (p *countingPolicy) Retain(h fakeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRetain {
		return errors.New("retain refused")
	}
	p.retains[h]++
	p.refs[h]++
	return nil
}

func (p *countingPolicy) Release(h fakeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases[h]++
	if p.failRel {
		return errors.New("release refused")
	}
	p.refs[h]--
	return nil
}

func (p *countingPolicy) ref(h fakeID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[h]
}

func (p *countingPolicy) counts(h fakeID) (retains, releases int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retains[h], p.releases[h]
}

func TestHandle_New(t *testing.T) {
	p := newCountingPolicy()
	h := New[fakeID](p, p.create(7))

	assert.Equal(t, fakeID(7), h.Value())
	assert.False(t, h.IsNull())
	assert.Equal(t, "fake", h.Kind())
	retains, releases := p.counts(7)
	assert.Zero(t, retains, "New adopts without retaining")
	assert.Zero(t, releases)

	h.Release()
	assert.Equal(t, 0, p.ref(7))
	assert.True(t, h.IsNull())
}

func TestHandle_CopiesReleaseOnce(t *testing.T) {
	const copies = 16
	p := newCountingPolicy()
	orig := New[fakeID](p, p.create(1))

	all := []*Handle[fakeID]{orig}
	for i := 0; i < copies; i++ {
		c, err := orig.Clone()
		require.NoError(t, err)
		all = append(all, c)
	}
	assert.Equal(t, copies+1, p.ref(1))

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	for i, h := range all {
		h.Release()
		if i < len(all)-1 {
			assert.Positive(t, p.ref(1), "released before the last copy")
		}
	}

	assert.Equal(t, 0, p.ref(1))
	retains, releases := p.counts(1)
	assert.Equal(t, copies, retains)
	assert.Equal(t, copies+1, releases)
}

func TestHandle_ReleaseIdempotent(t *testing.T) {
	p := newCountingPolicy()
	h := New[fakeID](p, p.create(3))
	h.Release()
	h.Release()
	h.Release()
	_, releases := p.counts(3)
	assert.Equal(t, 1, releases)
}

func TestHandle_SelfAssign(t *testing.T) {
	p := newCountingPolicy()
	h := New[fakeID](p, p.create(5))
	alias, err := h.Clone()
	require.NoError(t, err)
	before := p.ref(5)

	require.NoError(t, h.Assign(h))
	require.NoError(t, h.Assign(alias))

	assert.Equal(t, before, p.ref(5))
	retains, releases := p.counts(5)
	assert.Equal(t, 1, retains, "only the explicit Clone retains")
	assert.Zero(t, releases)

	h.Release()
	alias.Release()
	assert.Equal(t, 0, p.ref(5))
}

func TestHandle_AssignDifferent(t *testing.T) {
	p := newCountingPolicy()
	a := New[fakeID](p, p.create(10))
	b := New[fakeID](p, p.create(20))

	require.NoError(t, a.Assign(b))

	assert.Equal(t, fakeID(20), a.Value())
	retainsOld, releasesOld := p.counts(10)
	retainsNew, releasesNew := p.counts(20)
	assert.Zero(t, retainsOld)
	assert.Equal(t, 1, releasesOld)
	assert.Equal(t, 1, retainsNew)
	assert.Zero(t, releasesNew)
	assert.Equal(t, 0, p.ref(10))
	assert.Equal(t, 2, p.ref(20))

	a.Release()
	b.Release()
	assert.Equal(t, 0, p.ref(20))
}

func TestHandle_AssignRetainFailure(t *testing.T) {
	p := newCountingPolicy()
	a := New[fakeID](p, p.create(10))
	b := New[fakeID](p, p.create(20))

	p.failRetain = true
	err := a.Assign(b)
	require.Error(t, err)
	p.failRetain = false

	assert.Equal(t, fakeID(10), a.Value(), "destination unchanged")
	_, releasesOld := p.counts(10)
	assert.Zero(t, releasesOld, "old handle not released on failure")
	assert.Equal(t, 1, p.ref(10))
	assert.Equal(t, 1, p.ref(20))

	a.Release()
	b.Release()
	_, releasesOld = p.counts(10)
	_, releasesNew := p.counts(20)
	assert.Equal(t, 1, releasesOld)
	assert.Equal(t, 1, releasesNew)
}

func TestHandle_Reset(t *testing.T) {
	p := newCountingPolicy()
	h := New[fakeID](p, p.create(1))

	t.Run("same value is a no-op", func(t *testing.T) {
		h.Reset(1)
		_, releases := p.counts(1)
		assert.Zero(t, releases)
		assert.Equal(t, 1, p.ref(1))
	})

	t.Run("different value releases old and adopts new", func(t *testing.T) {
		h.Reset(p.create(2))
		_, releases := p.counts(1)
		retains, _ := p.counts(2)
		assert.Equal(t, 1, releases)
		assert.Zero(t, retains)
		assert.Equal(t, fakeID(2), h.Value())
	})

	t.Run("reset to null", func(t *testing.T) {
		h.Reset(0)
		assert.True(t, h.IsNull())
		assert.Equal(t, 0, p.ref(2))
	})
}

func TestHandle_NullNeverCallsPolicy(t *testing.T) {
	p := newCountingPolicy()
	h := Null[fakeID](p)
	c, err := h.Clone()
	require.NoError(t, err)
	h.Release()
	c.Release()

	retains, releases := p.counts(0)
	assert.Zero(t, retains)
	assert.Zero(t, releases)
}

func TestHandle_ReleaseFailureIsDiagnosed(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logging.Set(logger)
	defer logging.Set(nil)

	p := newCountingPolicy()
	p.failRel = true
	h := New[fakeID](p, p.create(9))

	assert.NotPanics(t, h.Release)
	require.NotEmpty(t, hook.Entries)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "release failed", entry.Message)
	assert.Equal(t, "fake", entry.Data["kind"])
}

func TestHandle_LiveCount(t *testing.T) {
	p := newCountingPolicy()
	start := Live()

	h := New[fakeID](p, p.create(1))
	c, err := h.Clone()
	require.NoError(t, err)
	assert.Equal(t, start+2, Live())

	h.Release()
	c.Release()
	assert.Equal(t, start, Live())
}

func TestHandle_ConcurrentClones(t *testing.T) {
	p := newCountingPolicy()
	h := New[fakeID](p, p.create(4))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := h.Clone()
			if err != nil {
				t.Error(err)
				return
			}
			c.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, p.ref(4))
	h.Release()
	assert.Equal(t, 0, p.ref(4))
}

func TestPolicyFunc(t *testing.T) {
	var retained, released []int
	p := PolicyFunc[int]("int",
		func(h int) error { retained = append(retained, h); return nil },
		func(h int) error { released = append(released, h); return nil },
	)
	assert.Equal(t, 0, p.Null())

	h := New(p, 4)
	c, err := h.Clone()
	require.NoError(t, err)
	c.Release()
	h.Release()

	assert.Equal(t, []int{4}, retained)
	assert.Equal(t, []int{4, 4}, released)
}
