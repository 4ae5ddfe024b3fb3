// Package address implements endpoint addresses of the form
// protocol://protocol-address[/service-name[/service-param]].
package address

import (
	"errors"
	"strings"
)

const (
	ProtocolTCP       = "tcp"
	ProtocolMulticast = "mcast"
	ProtocolJxta      = "jxta" // local group-scoped delivery, protocol address is the group unique id
)

var ErrorInvalidAddress = errors.New("invalid endpoint address")

type Address struct {
	Protocol        string `cbor:"1,keyasint,omitempty" json:"protocol"`
	ProtocolAddress string `cbor:"2,keyasint,omitempty" json:"address"`
	ServiceName     string `cbor:"3,keyasint,omitempty" json:"service,omitempty"`
	ServiceParam    string `cbor:"4,keyasint,omitempty" json:"param,omitempty"`
}

func New(protocol, protocolAddress, serviceName, serviceParam string) *Address {
	return &Address{
		Protocol:        protocol,
		ProtocolAddress: protocolAddress,
		ServiceName:     serviceName,
		ServiceParam:    serviceParam,
	}
}

func (a *Address) String() string {
	if a == nil {
		return "<nil>"
	}

	var sb strings.Builder
	sb.WriteString(a.Protocol)
	sb.WriteString("://")
	sb.WriteString(a.ProtocolAddress)
	if a.ServiceName != "" {
		sb.WriteByte('/')
		sb.WriteString(a.ServiceName)
		if a.ServiceParam != "" {
			sb.WriteByte('/')
			sb.WriteString(a.ServiceParam)
		}
	}
	return sb.String()
}

// Parse is the inverse of String.
func Parse(s string) (*Address, error) {
	proto, rest, ok := strings.Cut(s, "://")
	if !ok || proto == "" || rest == "" {
		return nil, ErrorInvalidAddress
	}

	parts := strings.SplitN(rest, "/", 3)
	a := &Address{Protocol: proto, ProtocolAddress: parts[0]}
	if a.ProtocolAddress == "" {
		return nil, ErrorInvalidAddress
	}
	if len(parts) > 1 {
		a.ServiceName = parts[1]
	}
	if len(parts) > 2 {
		a.ServiceParam = parts[2]
	}
	return a, nil
}

// WithService returns a copy of the address pointing at another service.
func (a *Address) WithService(serviceName, serviceParam string) *Address {
	return New(a.Protocol, a.ProtocolAddress, serviceName, serviceParam)
}

// SameEndpoint reports whether both addresses reach the same transport endpoint, ignoring
// the service part.
func (a *Address) SameEndpoint(other *Address) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.Protocol == other.Protocol && a.ProtocolAddress == other.ProtocolAddress
}

func (a *Address) Equal(other *Address) bool {
	if a == nil || other == nil {
		return a == other
	}
	return *a == *other
}
