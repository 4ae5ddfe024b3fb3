// Package peer holds the state tracked for one remote peer: its id, how to reach it, its
// advertisement and the lease that binds it to us.
package peer

import (
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/helper/hashtable"
	"jxta/oid"
	"sync"
	"time"
)

// NeverExpires marks an entry that has not been leased yet.
var NeverExpires = time.Unix(1<<62, 0)

type Entry struct {
	mu      sync.Mutex
	peerID  *oid.Oid
	address *address.Address
	adv     *advertisement.Advertisement
	expires time.Time
}

func New(peerID *oid.Oid, addr *address.Address) *Entry {
	return &Entry{
		peerID:  peerID,
		address: addr,
	}
}

// Lock guards the fields of types embedding an Entry. The accessors below take the same
// lock and must not be called while it is held.
func (e *Entry) Lock() {
	e.mu.Lock()
}

func (e *Entry) Unlock() {
	e.mu.Unlock()
}

func (e *Entry) PeerID() *oid.Oid {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerID
}

func (e *Entry) SetPeerID(id *oid.Oid) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerID = id
}

func (e *Entry) Address() *address.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

func (e *Entry) SetAddress(addr *address.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.address = addr
}

func (e *Entry) Advertisement() *advertisement.Advertisement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adv
}

func (e *Entry) SetAdvertisement(adv *advertisement.Advertisement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adv = adv
}

func (e *Entry) Expires() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expires
}

func (e *Entry) SetExpires(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expires = t
}

// Remaining returns how much of the lease is left at now. It is negative or zero once the
// lease lapsed.
func (e *Entry) Remaining(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expires.IsZero() {
		return 0
	}
	return e.expires.Sub(now)
}

// Leased reports whether the entry holds a lease that is still running at now.
func (e *Entry) Leased(now time.Time) bool {
	return e.Remaining(now) > 0
}

// Equals compares two entries by id, by address when neither has an id, or as both empty.
// It locks a then b, so it must not be called with the same pair in opposite orders
// concurrently.
func Equals(a, b *Entry) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	aNull := a.peerID == nil || a.peerID.IsZero()
	bNull := b.peerID == nil || b.peerID.IsZero()

	switch {
	case !aNull && !bNull:
		return a.peerID.Equal(b.peerID)
	case aNull && bNull:
		if a.address == nil && b.address == nil {
			return true
		}
		return a.address.Equal(b.address)
	default:
		return false
	}
}

// NewTable returns a table keyed by peer id.
func NewTable[V comparable](initialUsage int) *hashtable.Table[oid.Oid, V] {
	return hashtable.New[oid.Oid, V](initialUsage,
		func(k oid.Oid) uint32 { return k.Hash() },
		func(a, b oid.Oid) bool { return a.Equal(&b) },
	)
}
