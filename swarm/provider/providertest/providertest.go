// Package providertest provides in-memory collaborators for testing rendezvous providers.
package providertest

import (
	"context"
	"errors"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/net/endpoint"
	"jxta/oid"
	"jxta/swarm/peer"
	"jxta/swarm/provider"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrUnreachable = errors.New("unreachable")

type Sent struct {
	Msg  *message.Message
	Dest *address.Address
}

type Propagated struct {
	Msg          *message.Message
	ServiceName  string
	ServiceParam string
}

// Endpoint records everything a provider asks of the endpoint service. Demuxed messages
// reach registered listeners like the real service does.
type Endpoint struct {
	mu          sync.Mutex
	listeners   map[string]endpoint.Listener
	sent        []Sent
	propagated  []Propagated
	demuxed     []Sent
	unreachable map[string]bool
}

func NewEndpoint() *Endpoint {
	return &Endpoint{
		listeners:   make(map[string]endpoint.Listener),
		unreachable: make(map[string]bool),
	}
}

// Unreachable makes sends to the transport endpoint of addr fail.
func (e *Endpoint) Unreachable(addr *address.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unreachable[addr.WithService("", "").String()] = true
}

func (e *Endpoint) Send(ctx context.Context, msg *message.Message, dest *address.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unreachable[dest.WithService("", "").String()] {
		return ErrUnreachable
	}
	e.sent = append(e.sent, Sent{Msg: msg.Clone(), Dest: dest})
	return nil
}

func (e *Endpoint) Propagate(ctx context.Context, msg *message.Message, serviceName, serviceParam string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.propagated = append(e.propagated, Propagated{Msg: msg.Clone(), ServiceName: serviceName, ServiceParam: serviceParam})
	return nil
}

func (e *Endpoint) AddListener(serviceName, serviceParam string, l endpoint.Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := serviceName + "/" + serviceParam
	if _, ok := e.listeners[key]; ok {
		return endpoint.ErrListenerExists
	}
	e.listeners[key] = l
	return nil
}

func (e *Endpoint) RemoveListener(serviceName, serviceParam string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := serviceName + "/" + serviceParam
	if _, ok := e.listeners[key]; !ok {
		return endpoint.ErrNoListener
	}
	delete(e.listeners, key)
	return nil
}

func (e *Endpoint) Demux(msg *message.Message, src, dest *address.Address) error {
	e.mu.Lock()
	e.demuxed = append(e.demuxed, Sent{Msg: msg.Clone(), Dest: dest})
	l, ok := e.listeners[dest.ServiceName+"/"+dest.ServiceParam]
	e.mu.Unlock()

	if !ok {
		return endpoint.ErrNoListener
	}
	l(msg, src, dest)
	return nil
}

// Deliver simulates a message arriving from the network at the given service.
func (e *Endpoint) Deliver(serviceName, serviceParam string, msg *message.Message, src *address.Address) bool {
	e.mu.Lock()
	l, ok := e.listeners[serviceName+"/"+serviceParam]
	e.mu.Unlock()

	if !ok {
		return false
	}
	l(msg, src, address.New(address.ProtocolJxta, "local", serviceName, serviceParam))
	return true
}

func (e *Endpoint) HasListener(serviceName, serviceParam string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.listeners[serviceName+"/"+serviceParam]
	return ok
}

func (e *Endpoint) Sent() []Sent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Sent(nil), e.sent...)
}

func (e *Endpoint) Propagated() []Propagated {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Propagated(nil), e.propagated...)
}

func (e *Endpoint) Demuxed() []Sent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Sent(nil), e.demuxed...)
}

func (e *Endpoint) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = nil
	e.propagated = nil
	e.demuxed = nil
}

// PeerView is a fixed view of the rendezvous network.
type PeerView struct {
	mu       sync.Mutex
	Up       *peer.Entry
	Down     *peer.Entry
	View     []*peer.Entry
	SeedList []*peer.Entry
	probes   []*address.Address
	requests []*address.Address
}

func (p *PeerView) UpPeer() *peer.Entry {
	return p.Up
}

func (p *PeerView) DownPeer() *peer.Entry {
	return p.Down
}

func (p *PeerView) LocalView() []*peer.Entry {
	return p.View
}

func (p *PeerView) LocalViewSize() int {
	return len(p.View)
}

func (p *PeerView) Seeds() []*peer.Entry {
	return p.SeedList
}

func (p *PeerView) SendRdvProbe(ctx context.Context, addr *address.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes = append(p.probes, addr)
	return nil
}

func (p *PeerView) SendRdvRequest(ctx context.Context, addr *address.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, addr)
	return nil
}

func (p *PeerView) Probes() []*address.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*address.Address(nil), p.probes...)
}

func (p *PeerView) Requests() []*address.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*address.Address(nil), p.requests...)
}

// Discovery keeps published advertisements in memory.
type Discovery struct {
	mu          sync.Mutex
	published   []*advertisement.Advertisement
	Local       []*advertisement.Advertisement
	remoteCalls int
}

func (d *Discovery) Publish(adv *advertisement.Advertisement, lifetime time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, adv)
	return nil
}

func (d *Discovery) LocalAdvertisements(kind advertisement.Kind) ([]*advertisement.Advertisement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*advertisement.Advertisement
	for _, a := range d.Local {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *Discovery) RemoteAdvertisements(ctx context.Context, kind advertisement.Kind, threshold int) ([]*advertisement.Advertisement, error) {
	d.mu.Lock()
	d.remoteCalls++
	d.mu.Unlock()
	return nil, nil
}

func (d *Discovery) Published() []*advertisement.Advertisement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*advertisement.Advertisement(nil), d.published...)
}

func (d *Discovery) RemoteCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteCalls
}

// Context wires the fakes into a service context with a mock clock.
type Context struct {
	*provider.ServiceContext
	Endpoint  *Endpoint
	PeerView  *PeerView
	Discovery *Discovery
	Clock     *clock.Mock
	Events    <-chan *provider.Event
}

func NewContext(name string) *Context {
	peerID := oid.FromName(oid.OidTypePeer, name)
	groupID := oid.FromName(oid.OidTypeGroup, "test-group")

	c := &Context{
		Endpoint:  NewEndpoint(),
		PeerView:  &PeerView{},
		Discovery: &Discovery{},
		Clock:     clock.NewMock(),
	}
	c.Clock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	bus := provider.NewBus()
	_, c.Events = bus.Subscribe(64)

	c.ServiceContext = &provider.ServiceContext{
		PeerID:  peerID,
		GroupID: groupID,
		LocalAdv: &advertisement.Advertisement{
			Kind:      advertisement.KindPeer,
			PeerID:    *peerID,
			GroupID:   *groupID,
			Name:      name,
			Addresses: []string{"tcp://127.0.0.1:9701"},
		},
		Endpoint:  c.Endpoint,
		PeerView:  c.PeerView,
		Discovery: c.Discovery,
		Bus:       bus,
		Clock:     c.Clock,
		Config:    provider.DefaultConfig(),
	}
	return c
}

// NextEvent returns the next published event or nil when none is pending.
func (c *Context) NextEvent() *provider.Event {
	select {
	case ev := <-c.Events:
		return ev
	default:
		return nil
	}
}

// Drain discards pending events.
func (c *Context) Drain() {
	for c.NextEvent() != nil {
	}
}

// RemotePeer returns a peer entry reachable over tcp.
func RemotePeer(name, hostport string) *peer.Entry {
	return peer.New(oid.FromName(oid.OidTypePeer, name), address.New(address.ProtocolTCP, hostport, "", ""))
}
