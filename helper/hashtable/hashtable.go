// Package hashtable implements an open addressing hash table with caller supplied hash and
// equality functions. Deleted slots become tombstones that are reused by later inserts on the
// same probe path and reclaimed only when the table is rehashed.
package hashtable

import (
	"errors"
	"fmt"
	"sync"
)

const defaultInitialUsage = 32

var ErrItemExists = errors.New("item exists")
var ErrItemNotFound = errors.New("item not found")
var ErrViolation = errors.New("value does not match")

// HashFunc returns the hash of a key. A result of 0 is remapped to 1 by the table.
type HashFunc[K any] func(key K) uint32

// EqualsFunc reports whether two keys are the same.
type EqualsFunc[K any] func(a, b K) bool

type entry[K any, V comparable] struct {
	hashk  uint32 // 0 for blank slots and tombstones
	reused bool   // set on tombstones, never on blank slots
	key    K
	value  V
}

func (e *entry[K, V]) blank() bool {
	return e.hashk == 0 && !e.reused
}

// Stats is a snapshot of the table internals.
type Stats struct {
	Size         int
	Usage        int
	Occupancy    int
	MaxOccupancy int
	AvgHops      float64
}

// Table is safe for concurrent use. All operations take a single table-wide lock.
type Table[K any, V comparable] struct {
	mu     sync.Mutex
	hash   HashFunc[K]
	equals EqualsFunc[K]

	tbl          []entry[K, V]
	modmask      uint32
	usage        int // live entries
	occupancy    int // live entries + tombstones
	maxOccupancy int

	nbLookups int
	nbHops    int
}

// New creates a table sized for about initialUsage entries (32 when 0).
func New[K any, V comparable](initialUsage int, hash HashFunc[K], equals EqualsFunc[K]) *Table[K, V] {
	if initialUsage <= 0 {
		initialUsage = defaultInitialUsage
	}
	initialUsage <<= 1

	realSize := 1
	for realSize < initialUsage {
		realSize <<= 1
	}

	return &Table[K, V]{
		hash:         hash,
		equals:       equals,
		tbl:          make([]entry[K, V], realSize),
		modmask:      uint32(realSize - 1),
		maxOccupancy: maxOccupancyFor(realSize),
	}
}

func maxOccupancyFor(size int) int {
	return size * 7 / 10
}

func (t *Table[K, V]) hashOf(key K) uint32 {
	h := t.hash(key)
	if h == 0 {
		return 1
	}
	return h
}

func (t *Table[K, V]) countLookup(hops int) {
	t.nbLookups++
	t.nbHops += hops
	if t.nbLookups == 200 {
		// sliding average
		t.nbHops /= 2
		t.nbLookups = 100
	}
}

// findspot walks the probe path of hashk. It returns the slot holding key, or, when adding,
// the slot a new entry should go to: the earliest tombstone seen on the path, else the blank
// slot that ended the walk. A key found past a tombstone is moved into that tombstone first.
// Returns nil on a lookup miss.
func (t *Table[K, V]) findspot(hashk uint32, key K, adding bool) *entry[K, V] {
	slot := hashk & t.modmask
	increment := slot
	if slot&1 == 0 {
		increment = slot + 1
	}

	var reuse *entry[K, V]
	cur := slot
	hops := 0
	for {
		e := &t.tbl[cur]
		switch {
		case e.hashk == hashk && t.equals(e.key, key):
			t.countLookup(hops)
			if adding && reuse != nil {
				reuse.key, reuse.value, reuse.hashk, reuse.reused = e.key, e.value, hashk, false
				t.tombstone(e)
				return reuse
			}
			return e
		case e.blank():
			t.countLookup(hops)
			if !adding {
				return nil
			}
			if reuse != nil {
				return reuse
			}
			return e
		case e.hashk == 0:
			if adding && reuse == nil {
				reuse = e
			}
		}

		cur = (cur + increment) & t.modmask
		if cur == slot {
			panic(fmt.Sprintf("hashtable: probe for hash %08x wrapped around a table of %d slots (usage %d, occupancy %d)",
				hashk, len(t.tbl), t.usage, t.occupancy))
		}
		hops++
	}
}

func (t *Table[K, V]) tombstone(e *entry[K, V]) {
	var zk K
	var zv V
	e.hashk = 0
	e.reused = true
	e.key = zk
	e.value = zv
}

// grow rehashes into a table twice as big when usage is above 3/4 of the maximum occupancy,
// otherwise at the same size, which only reclaims tombstones.
func (t *Table[K, V]) grow() {
	newSize := len(t.tbl)
	if t.usage > t.maxOccupancy*3/4 {
		newSize <<= 1
	}

	old := t.tbl
	t.tbl = make([]entry[K, V], newSize)
	t.modmask = uint32(newSize - 1)
	t.maxOccupancy = maxOccupancyFor(newSize)
	t.usage = 0
	t.occupancy = 0

	for i := range old {
		e := &old[i]
		if e.hashk == 0 {
			continue
		}
		ne := t.findspot(e.hashk, e.key, true)
		ne.key, ne.value, ne.hashk, ne.reused = e.key, e.value, e.hashk, false
		t.usage++
		t.occupancy++
	}
}

// Put stores value under key and returns the value it replaced, if any. When replaceOK is
// false and the key is present, Put fails with ErrItemExists.
func (t *Table[K, V]) Put(key K, value V, replaceOK bool) (V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var old V
	hashk := t.hashOf(key)

	if t.occupancy > t.maxOccupancy {
		t.grow()
	}

	e := t.findspot(hashk, key, true)
	if e.hashk != 0 {
		if !replaceOK {
			return old, ErrItemExists
		}
		old = e.value
	} else {
		t.usage++
		if !e.reused {
			t.occupancy++
		}
	}

	e.key, e.value, e.hashk, e.reused = key, value, hashk, false
	return old, nil
}

func (t *Table[K, V]) Get(key K) (V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zv V
	e := t.findspot(t.hashOf(key), key, false)
	if e == nil {
		return zv, ErrItemNotFound
	}
	return e.value, nil
}

// Delete removes key and returns its value. The slot stays occupied by a tombstone until the
// next rehash.
func (t *Table[K, V]) Delete(key K) (V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zv V
	e := t.findspot(t.hashOf(key), key, false)
	if e == nil {
		return zv, ErrItemNotFound
	}
	v := e.value
	t.tombstone(e)
	t.usage--
	return v, nil
}

// DeleteCheck removes key only if it currently maps to expected.
func (t *Table[K, V]) DeleteCheck(key K, expected V) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.findspot(t.hashOf(key), key, false)
	if e == nil {
		return ErrItemNotFound
	}
	if e.value != expected {
		return ErrViolation
	}
	t.tombstone(e)
	t.usage--
	return nil
}

func (t *Table[K, V]) Keys() []K {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]K, 0, t.usage)
	for i := range t.tbl {
		if t.tbl[i].hashk != 0 {
			keys = append(keys, t.tbl[i].key)
		}
	}
	return keys
}

func (t *Table[K, V]) Values() []V {
	t.mu.Lock()
	defer t.mu.Unlock()

	vals := make([]V, 0, t.usage)
	for i := range t.tbl {
		if t.tbl[i].hashk != 0 {
			vals = append(vals, t.tbl[i].value)
		}
	}
	return vals
}

// Len returns the number of live entries.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

func (t *Table[K, V]) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		Size:         len(t.tbl),
		Usage:        t.usage,
		Occupancy:    t.occupancy,
		MaxOccupancy: t.maxOccupancy,
	}
	if t.nbLookups != 0 {
		s.AvgHops = float64(t.nbHops) / float64(t.nbLookups)
	}
	return s
}
