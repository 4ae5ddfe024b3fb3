package oid

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"strings"

	"github.com/spaolacci/murmur3"

	log "github.com/sirupsen/logrus"
)

type OidType int

const (
	OidVersionV01 = 0x01

	OidTypePeer    = 0x01 // Peer within a group
	OidTypeGroup   = 0x02 // Peer group
	OidTypeService = 0x03 // Module / service assigned id

	OidPaddingByte = 0xAA

	oidLen = 35
)

var ErrorHashNot32Bytes = errors.New("hash must be 32 bytes")
var ErrorInvalidOidString = errors.New("invalid OID string")
var ErrorInvalidOidFormat = errors.New("invalid OID format")

var uniqEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Byte structure of an OID is as follows <version:1><padding:1><type:1><hash:32>
// Raw bytes are encoded by Base32. The zero value is the null id.
type Oid struct {
	b [oidLen]byte
	t OidType
	s string
}

func (o *Oid) String() string {
	if o == nil {
		return "<nil>"
	}
	return o.s
}

func (o *Oid) Type() OidType {
	return o.t
}

func (o *Oid) IsZero() bool {
	return o == nil || o.b[0] == 0
}

// UniquePortion returns the textual form of the hash part only. It is used to build
// group-scoped endpoint addresses.
func (o *Oid) UniquePortion() string {
	return strings.ToLower(uniqEncoding.EncodeToString(o.b[3:]))
}

// Hash returns a 32-bit hash of the id. Never 0.
func (o *Oid) Hash() uint32 {
	h := murmur3.Sum32(o.b[:])
	if h == 0 {
		return 1
	}
	return h
}

// Compare orders ids by their binary form.
func (o *Oid) Compare(other *Oid) int {
	return bytes.Compare(o.b[:], other.b[:])
}

func (o *Oid) MarshalBinary() ([]byte, error) {
	return o.b[:], nil
}

func (o *Oid) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrorInvalidOidFormat
	}

	switch data[0] {
	case 0x00:
		// Null id
		if len(data) != oidLen {
			return ErrorInvalidOidString
		}
		*o = Oid{}
	case OidVersionV01:
		if len(data) != oidLen {
			return ErrorInvalidOidString
		}
		if data[1] != OidPaddingByte {
			return ErrorInvalidOidString
		}
		o.t = OidType(data[2])
		o.s = base32.StdEncoding.EncodeToString(data)
		copy(o.b[:], data)
	default:
		return ErrorInvalidOidFormat
	}

	return nil
}

func (o *Oid) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Oid) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*o = Oid{}
		return nil
	}

	oid, err := FromString(s)
	if err != nil {
		return err
	}
	*o = *oid
	return nil
}

func Encode(t OidType, hash []byte) (*Oid, error) {
	if len(hash) != 32 {
		return nil, ErrorHashNot32Bytes
	}

	oidbytes := make([]byte, 0, oidLen)
	oidbytes = append(oidbytes, byte(OidVersionV01), OidPaddingByte, byte(t))
	oidbytes = append(oidbytes, hash...)

	o := &Oid{
		t: t,
		s: base32.StdEncoding.EncodeToString(oidbytes),
	}
	copy(o.b[:], oidbytes)
	return o, nil
}

// FromName derives a stable id from a name, e.g. well-known service ids.
func FromName(t OidType, name string) *Oid {
	h := sha256.Sum256([]byte(name))
	o, _ := Encode(t, h[:])
	return o
}

func FromString(s string) (*Oid, error) {
	oidBytes, err := base32.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}

	o := &Oid{}
	if err := o.UnmarshalBinary(oidBytes); err != nil {
		return nil, err
	}
	return o, nil
}

func FromStringMustParse(s string) *Oid {
	o, err := FromString(s)
	if err != nil {
		log.Fatalf("Failed to parse OID: %v", err)
	}
	return o
}

func Random(t OidType) (*Oid, error) {
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	if err != nil {
		return nil, err
	}

	return Encode(t, buf)
}

// Equal helper
func (o *Oid) Equal(other *Oid) bool {
	if o.IsZero() && other.IsZero() {
		return true
	}
	if o.IsZero() || other.IsZero() {
		return false
	}
	return o.b == other.b
}
