package protocol

import (
	"fmt"
	"jxta/datamodel/message"
	"jxta/oid"

	"github.com/fxamacker/cbor/v2"
)

type Direction int

const (
	DirectionBoth Direction = iota
	DirectionUp
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionBoth:
		return "both"
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// WalkHeader is the limited range walk header exchanged between rendezvous peers.
type WalkHeader struct {
	TTL         int       `cbor:"1,keyasint"`
	Direction   Direction `cbor:"2,keyasint"`
	SrcPeerID   oid.Oid   `cbor:"3,keyasint"`
	SrcSvcName  string    `cbor:"4,keyasint,omitempty"`
	SrcSvcParam string    `cbor:"5,keyasint,omitempty"`
}

func (h *WalkHeader) Validate() error {
	if h.Direction < DirectionBoth || h.Direction > DirectionDown {
		return fmt.Errorf("walk header: %s: %w", h.Direction, ErrInvalidArgument)
	}
	if h.SrcPeerID.IsZero() {
		return fmt.Errorf("walk header: null source peer: %w", ErrInvalidArgument)
	}
	return nil
}

func (h *WalkHeader) Clone() *WalkHeader {
	c := *h
	return &c
}

// GetWalkHeader parses the walk header attached to msg. It fails with ErrItemNotFound when
// there is none.
func GetWalkHeader(msg *message.Message) (*WalkHeader, error) {
	el, err := msg.Get(Namespace, LimitedRangeRdvMessage)
	if err != nil {
		return nil, ErrItemNotFound
	}

	h := &WalkHeader{}
	if err := cbor.Unmarshal(el.Value, h); err != nil {
		return nil, fmt.Errorf("walk header: %v: %w", err, ErrInvalidArgument)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// SetWalkHeader attaches h to msg, replacing any header already present.
func SetWalkHeader(msg *message.Message, h *WalkHeader) error {
	raw, err := cbor.Marshal(h)
	if err != nil {
		return fmt.Errorf("walk header: %v: %w", err, ErrFailed)
	}
	msg.Replace(message.NewElement(Namespace, LimitedRangeRdvMessage, message.MimeCBOR, raw))
	return nil
}

func RemoveWalkHeader(msg *message.Message) bool {
	return msg.Remove(Namespace, LimitedRangeRdvMessage)
}
