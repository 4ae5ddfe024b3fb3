package protocol

import (
	"fmt"
	"jxta/datamodel/message"
	"jxta/oid"

	"github.com/fxamacker/cbor/v2"
)

type Policy int

const (
	PolicyBroadcast Policy = iota
	PolicyMulticast
	PolicyTraversal
)

func (p Policy) String() string {
	switch p {
	case PolicyBroadcast:
		return "broadcast"
	case PolicyMulticast:
		return "multicast"
	case PolicyTraversal:
		return "traversal"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeLocal
	ScopeTerminal
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeLocal:
		return "local"
	case ScopeTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// DiffusionHeader describes how a flooded message continues to be routed.
type DiffusionHeader struct {
	SrcPeerID    oid.Oid `cbor:"1,keyasint"`
	Policy       Policy  `cbor:"2,keyasint"`
	Scope        Scope   `cbor:"3,keyasint"`
	TTL          uint    `cbor:"4,keyasint"`
	TargetHash   *string `cbor:"5,keyasint,omitempty"`
	DestSvcName  string  `cbor:"6,keyasint,omitempty"`
	DestSvcParam string  `cbor:"7,keyasint,omitempty"`
}

// NewDiffusionHeader returns a header with the protocol defaults: traversal, terminal, ttl 0.
func NewDiffusionHeader() *DiffusionHeader {
	return &DiffusionHeader{
		Policy: PolicyTraversal,
		Scope:  ScopeTerminal,
	}
}

func (h *DiffusionHeader) Validate() error {
	if h.SrcPeerID.IsZero() {
		return fmt.Errorf("diffusion header: null source peer: %w", ErrInvalidArgument)
	}
	if h.Policy < PolicyBroadcast || h.Policy > PolicyTraversal {
		return fmt.Errorf("diffusion header: %s: %w", h.Policy, ErrInvalidArgument)
	}
	if h.Scope < ScopeGlobal || h.Scope > ScopeTerminal {
		return fmt.Errorf("diffusion header: %s: %w", h.Scope, ErrInvalidArgument)
	}
	if h.DestSvcName == "" {
		return fmt.Errorf("diffusion header: empty destination service: %w", ErrInvalidArgument)
	}
	return nil
}

func (h *DiffusionHeader) Clone() *DiffusionHeader {
	c := *h
	if h.TargetHash != nil {
		th := *h.TargetHash
		c.TargetHash = &th
	}
	return &c
}

// SetTargetHash copies the given hash, nil clears it.
func (h *DiffusionHeader) SetTargetHash(targetHash *string) {
	if targetHash == nil {
		h.TargetHash = nil
		return
	}
	th := *targetHash
	h.TargetHash = &th
}

// GetDiffusionHeader parses the diffusion header attached to msg. It fails with
// ErrItemNotFound when there is none.
func GetDiffusionHeader(msg *message.Message) (*DiffusionHeader, error) {
	el, err := msg.Get(Namespace, RdvDiffusion)
	if err != nil {
		return nil, ErrItemNotFound
	}

	h := &DiffusionHeader{}
	if err := cbor.Unmarshal(el.Value, h); err != nil {
		return nil, fmt.Errorf("diffusion header: %v: %w", err, ErrInvalidArgument)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// SetDiffusionHeader attaches h to msg, replacing any header already present.
func SetDiffusionHeader(msg *message.Message, h *DiffusionHeader) error {
	raw, err := cbor.Marshal(h)
	if err != nil {
		return fmt.Errorf("diffusion header: %v: %w", err, ErrFailed)
	}
	msg.Replace(message.NewElement(Namespace, RdvDiffusion, message.MimeCBOR, raw))
	return nil
}

func RemoveDiffusionHeader(msg *message.Message) bool {
	return msg.Remove(Namespace, RdvDiffusion)
}
