package advertisement

import (
	"errors"
	"jxta/oid"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type Kind int

const (
	KindPeer Kind = iota + 1 // Peer advertisement
	KindRdv                  // Rendezvous advertisement
)

func (k Kind) String() string {
	switch k {
	case KindPeer:
		return "peer"
	case KindRdv:
		return "rdv"
	default:
		return "unknown"
	}
}

var ErrorInvalidAdvertisement = errors.New("invalid advertisement")

type Advertisement struct {
	Kind      Kind     `cbor:"1,keyasint,omitempty"`
	PeerID    oid.Oid  `cbor:"2,keyasint"`           // Advertised peer
	GroupID   oid.Oid  `cbor:"3,keyasint"`           // Group the advertisement belongs to
	Name      string   `cbor:"4,keyasint,omitempty"` // Human readable peer name
	Addresses []string `cbor:"5,keyasint,omitempty"` // Endpoint addresses, e.g. tcp://10.0.0.1:9701
}

// Parse decodes an advertisement received in a message element.
func Parse(data []byte) (*Advertisement, error) {
	adv := &Advertisement{}
	if err := cbor.Unmarshal(data, adv); err != nil {
		return nil, err
	}
	if err := adv.Validate(); err != nil {
		return nil, err
	}
	return adv, nil
}

func (a *Advertisement) Bytes() ([]byte, error) {
	return cbor.Marshal(a)
}

func (a *Advertisement) Validate() error {
	if a.Kind != KindPeer && a.Kind != KindRdv {
		return ErrorInvalidAdvertisement
	}
	if a.PeerID.IsZero() {
		return ErrorInvalidAdvertisement
	}
	return nil
}

// AsKind returns a copy of the advertisement with another kind, e.g. the rendezvous
// advertisement of a peer.
func (a *Advertisement) AsKind(k Kind) *Advertisement {
	c := *a
	c.Kind = k
	c.Addresses = append([]string(nil), a.Addresses...)
	return &c
}

// Record is an advertisement as kept by an Index.
type Record struct {
	Advertisement *Advertisement `cbor:"1,keyasint,omitempty"`
	Expires       time.Time      `cbor:"2,keyasint,omitempty"` // Absolute expiration time
}

// Index defines the interface for caching advertisements.
type Index interface {
	// Get retrieves the advertisement of a given kind published for a peer.
	// It returns an error if none is cached. Expired records are returned until purged.
	Get(kind Kind, peerID *oid.Oid) (*Record, error)

	// Put stores or replaces an advertisement until the given expiration time.
	Put(adv *Advertisement, expires time.Time) error

	// Enumerate returns all non-expired advertisements of a kind.
	Enumerate(kind Kind, now time.Time) ([]*Record, error)

	// Purge removes every advertisement that expired before now and returns how many were removed.
	Purge(now time.Time) (int, error)
}

func IsAdvertisementEqual(a *Advertisement, b *Advertisement) bool {
	return reflect.DeepEqual(a, b)
}
