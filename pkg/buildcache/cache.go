// Package buildcache keeps compiled program binaries on disk so a context can
// skip compilation on later runs.
//
// Entries are keyed by a blake2b digest of the source text, the build options
// and the names of the target devices in context order, so a driver upgrade
// that renames a device or a change to a single option byte misses the cache.
//
//	cache, err := buildcache.Open(buildcache.DefaultOptions("~/.cache/clpp"))
//	if err != nil {
//		return err
//	}
//	defer cache.Close()
//	ctx, err := cl.NewContextFromType(rt, cl.Platform{}, driver.DeviceTypeGPU,
//		&cl.Options{BuildCache: cache})
package buildcache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"hash"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/shanyungyang/clpp/pkg/logging"
)

// keyPrefix namespaces entries so the database can hold other data later.
const keyPrefix = "prog/"

// Options configures a Cache.
type Options struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. Intended for tests.
	InMemory bool

	// TTL expires entries after the given duration. Zero keeps them forever.
	TTL time.Duration

	// MemEntries bounds the in-process copy of recently used entries. Zero
	// disables it.
	MemEntries int
}

// DefaultOptions stores entries under dir without expiry and keeps the 64
// most recent entries in memory.
func DefaultOptions(dir string) Options {
	return Options{Dir: dir, MemEntries: 64}
}

// Stats counts cache traffic since Open. MemHits is the part of Hits served
// without touching the database.
type Stats struct {
	Hits    int64
	MemHits int64
	Misses  int64
	Puts    int64
}

// Cache is a badger-backed store of program binaries. It is safe for
// concurrent use.
type Cache struct {
	db  *badger.DB
	mem *lru
	log *logrus.Entry
	ttl time.Duration

	hits    atomic.Int64
	memHits atomic.Int64
	misses  atomic.Int64
	puts    atomic.Int64
}

// entry is the gob-encoded value stored per key. Source and devices are kept
// to detect digest collisions.
type entry struct {
	Source   string
	Options  string
	Devices  []string
	Binaries [][]byte
	Created  time.Time
}

// Open opens or creates the cache database.
func Open(opts Options) (*Cache, error) {
	log := logging.WithComponent("buildcache")
	bopts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{log}).
		WithLoggingLevel(badger.WARNING)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	} else if opts.Dir == "" {
		return nil, errors.New("buildcache: no directory given")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrapf(err, "buildcache: open %q", opts.Dir)
	}
	log.WithFields(logrus.Fields{"dir": opts.Dir, "in_memory": opts.InMemory}).Debug("build cache opened")
	c := &Cache{db: db, log: log, ttl: opts.TTL}
	if opts.MemEntries > 0 {
		c.mem = newLRU(opts.MemEntries)
	}
	return c, nil
}

// Key returns the hex digest that identifies a build.
func Key(source, options string, devices []string) string {
	h, _ := blake2b.New256(nil)
	writeField(h, source)
	writeField(h, options)
	for _, d := range devices {
		writeField(h, d)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes s so that field boundaries cannot shift.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// Get returns the cached binaries for a build. Failures are logged and
// reported as a miss.
func (c *Cache) Get(source, options string, devices []string) ([][]byte, bool) {
	key := Key(source, options, devices)
	if e, ok := c.mem.get(key); ok {
		if c.ttl == 0 || time.Since(e.Created) < c.ttl {
			c.hits.Add(1)
			c.memHits.Add(1)
			return e.Binaries, true
		}
		c.mem.remove(key)
	}

	var e entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&e)
		})
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		c.misses.Add(1)
		return nil, false
	case err != nil:
		c.log.WithError(err).WithField("key", key).Warn("cache read failed")
		c.misses.Add(1)
		return nil, false
	}
	if e.Source != source || e.Options != options || !slices.Equal(e.Devices, devices) {
		c.log.WithField("key", key).Warn("cache key collision")
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.mem.put(key, &e)
	c.log.WithField("key", key).Debug("cache hit")
	return e.Binaries, true
}

// Put stores binaries for a build, replacing any earlier entry.
func (c *Cache) Put(source, options string, devices []string, binaries [][]byte) error {
	key := Key(source, options, devices)
	e := &entry{
		Source:   source,
		Options:  options,
		Devices:  slices.Clone(devices),
		Binaries: binaries,
		Created:  time.Now().UTC(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return errors.Wrap(err, "buildcache: encode entry")
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		be := badger.NewEntry([]byte(keyPrefix+key), buf.Bytes())
		if c.ttl > 0 {
			be = be.WithTTL(c.ttl)
		}
		return txn.SetEntry(be)
	})
	if err != nil {
		return errors.Wrapf(err, "buildcache: store %s", key)
	}
	c.mem.put(key, e)
	c.puts.Add(1)
	c.log.WithFields(logrus.Fields{"key": key, "bytes": buf.Len()}).Debug("cache stored")
	return nil
}

// Delete removes the entry for a build if present.
func (c *Cache) Delete(source, options string, devices []string) error {
	key := Key(source, options, devices)
	c.mem.remove(key)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	return errors.Wrapf(err, "buildcache: delete %s", key)
}

// Len counts the stored entries.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, errors.Wrap(err, "buildcache: count entries")
}

// Stats returns the traffic counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		MemHits: c.memHits.Load(),
		Misses:  c.misses.Load(),
		Puts:    c.puts.Load(),
	}
}

// Close flushes and closes the database.
func (c *Cache) Close() error {
	return errors.Wrap(c.db.Close(), "buildcache: close")
}

// badgerLogger routes badger's own messages into logrus.
type badgerLogger struct{ e *logrus.Entry }

func (l badgerLogger) Errorf(f string, args ...interface{})   { l.e.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...interface{}) { l.e.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...interface{})    { l.e.Debugf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...interface{})   { l.e.Debugf(f, args...) }
