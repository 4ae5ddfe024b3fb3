// Package provider defines what a rendezvous role provides to the rendezvous service, the
// collaborators it consumes and the state shared by all roles: the propagation handler, the
// inbound propagation listener and event publication.
package provider

import (
	"context"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/net/endpoint"
	"jxta/oid"
	"jxta/swarm/peer"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	RoleAdhoc  = "adhoc"
	RoleClient = "client"
	RoleServer = "server"
)

const (
	DefaultMaxTTL           = 2
	DefaultLeaseDuration    = 20 * time.Minute
	DefaultMaxClients       = 200
	DefaultMinConnectedRdvs = 1

	seenCacheSize = 1024
)

// Provider is one rendezvous role.
type Provider interface {
	Init(sctx *ServiceContext) error
	Start(ctx context.Context) error
	Stop() error

	Role() string

	// GetPeers returns the peers this provider holds a lease with.
	GetPeers() []*peer.Entry
	GetPeer(peerID *oid.Oid) (*peer.Entry, error)

	// Propagate floods msg to the service/param of every reachable peer in the group.
	Propagate(ctx context.Context, msg *message.Message, serviceName, serviceParam string, ttl int) error

	// Walk routes msg through the rendezvous network. A nil targetHash walks everywhere.
	Walk(ctx context.Context, msg *message.Message, serviceName, serviceParam string, targetHash *string) error
}

type Endpoint interface {
	Send(ctx context.Context, msg *message.Message, dest *address.Address) error
	Propagate(ctx context.Context, msg *message.Message, serviceName, serviceParam string) error
	AddListener(serviceName, serviceParam string, l endpoint.Listener) error
	RemoveListener(serviceName, serviceParam string) error
	Demux(msg *message.Message, src, dest *address.Address) error
}

type PeerView interface {
	UpPeer() *peer.Entry
	DownPeer() *peer.Entry
	LocalView() []*peer.Entry
	LocalViewSize() int
	Seeds() []*peer.Entry
	SendRdvProbe(ctx context.Context, addr *address.Address) error
	SendRdvRequest(ctx context.Context, addr *address.Address) error
}

type Discovery interface {
	Publish(adv *advertisement.Advertisement, lifetime time.Duration) error
	LocalAdvertisements(kind advertisement.Kind) ([]*advertisement.Advertisement, error)
	RemoteAdvertisements(ctx context.Context, kind advertisement.Kind, threshold int) ([]*advertisement.Advertisement, error)
}

// Metrics receives counters from the providers. See swarm/monitor.
type Metrics interface {
	Propagated(role string)
	Walked(role string)
	Dropped(reason string)
	SendFailed()
	Peers(role string, n int)
}

// Drop reasons reported to Metrics
const (
	DropNoHeader  = "no_header"
	DropDuplicate = "duplicate"
	DropTTL       = "ttl"
	DropRefused   = "refused"
	DropMalformed = "malformed"
)

type Config struct {
	MaxTTL           int
	LeaseDuration    time.Duration // Lease offered by a server
	MaxClients       int
	MinConnectedRdvs int
}

func DefaultConfig() Config {
	return Config{
		MaxTTL:           DefaultMaxTTL,
		LeaseDuration:    DefaultLeaseDuration,
		MaxClients:       DefaultMaxClients,
		MinConnectedRdvs: DefaultMinConnectedRdvs,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTTL <= 0 {
		c.MaxTTL = d.MaxTTL
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.MaxClients <= 0 {
		c.MaxClients = d.MaxClients
	}
	if c.MinConnectedRdvs <= 0 {
		c.MinConnectedRdvs = d.MinConnectedRdvs
	}
	return c
}

// ServiceContext carries everything a provider needs from the peer it runs in.
type ServiceContext struct {
	PeerID   *oid.Oid
	GroupID  *oid.Oid
	LocalAdv *advertisement.Advertisement

	Endpoint  Endpoint
	PeerView  PeerView  // Required by client and server
	Discovery Discovery // Optional
	Bus       *Bus      // Optional
	Metrics   Metrics   // Optional
	Clock     clock.Clock

	Config Config
}
