// Package protocol defines the rendezvous wire protocol: element names, the diffusion header
// used for flooding and the limited range walk header used between rendezvous peers.
package protocol

import (
	"errors"
	"jxta/helper/hashtable"
)

const (
	Namespace = "jxta"

	// Lease protocol, edge <-> rendezvous
	ConnectRequest = "Connect"        // requesting peer's advertisement
	ConnectedReply = "ConnectedPeer"  // granting peer's id, plain text
	RdvAdvReply    = "RdvAdvReply"    // granting peer's advertisement
	LeaseReply     = "ConnectedLease" // lease duration in ms, decimal string
	Disconnect     = "Disconnect"     // leaving peer's id, plain text

	// Limited range walk, rendezvous <-> rendezvous
	LimitedRangeRdvMessage = "LimitedRangeRdvMessage"
	RdvWalkSvcName         = "RdvWalkSvcName"
	RdvWalkSvcParam        = "RdvWalkSvcParam"

	// Flooding
	RdvDiffusion = "RdvDiffusion"

	// Peerview
	PeerViewProbe    = "PeerViewProbe"
	PeerViewRequest  = "PeerViewRequest"
	PeerViewResponse = "PeerViewResponse"

	// Discovery
	DiscoveryQuery    = "DiscoveryQuery"
	DiscoveryResponse = "DiscoveryResponse"
)

const (
	// Service names, completed with the group unique id where noted
	RendezvousServiceName = "jxta.service.rendezvous"
	PropagateParamPrefix  = "Propagate"  // + group unique id
	WalkerServicePrefix   = "LR-Greeter" // + group unique id
	PeerViewServiceName   = "jxta.service.peerview"
	DiscoveryServiceName  = "jxta.service.discovery"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrItemNotFound    = hashtable.ErrItemNotFound
	ErrItemExists      = hashtable.ErrItemExists
	ErrNoMemory        = errors.New("no memory")
	ErrFailed          = errors.New("failed")
	ErrNotImplemented  = errors.New("not implemented")
)
