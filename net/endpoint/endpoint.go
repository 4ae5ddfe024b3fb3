// Package endpoint routes messages between local services and the transports. Services
// register a Listener under a service name and parameter; inbound frames and local
// deliveries are demultiplexed to them.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"jxta/datamodel/address"
	"jxta/datamodel/message"
	"jxta/oid"
	"sync"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// Listener receives a message addressed to a registered service. src is how to reach the
// sender and may be nil for local deliveries.
type Listener func(msg *message.Message, src, dest *address.Address)

var (
	ErrNoListener     = errors.New("no listener")
	ErrListenerExists = errors.New("listener already registered")
	ErrNoTransport    = errors.New("no transport for protocol")
)

// Frame is what the transports carry.
type Frame struct {
	SrcPeer oid.Oid          `cbor:"1,keyasint"`
	Src     *address.Address `cbor:"2,keyasint,omitempty"` // Reply address of the sender
	Dest    *address.Address `cbor:"3,keyasint"`
	Message *message.Message `cbor:"4,keyasint"`
}

// Unicast is a point to point transport, see net/tcp.
type Unicast interface {
	Send(ctx context.Context, hostport string, f *Frame) error
	Serve(ctx context.Context, deliver func(*Frame)) error
}

// Multicast reaches every peer of the local network, see net/mpubsub.
type Multicast interface {
	Publish(f *Frame) error
	Listen(ctx context.Context, deliver func(*Frame)) error
}

type Service struct {
	peerID *oid.Oid

	mu         sync.RWMutex
	listeners  map[string]Listener
	unicast    map[string]Unicast
	multicast  Multicast
	localAddrs []*address.Address
}

func New(peerID *oid.Oid) *Service {
	return &Service{
		peerID:    peerID,
		listeners: make(map[string]Listener),
		unicast:   make(map[string]Unicast),
	}
}

func listenerKey(serviceName, serviceParam string) string {
	return serviceName + "/" + serviceParam
}

func (s *Service) AddUnicast(protocol string, t Unicast) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unicast[protocol] = t
}

func (s *Service) SetMulticast(m Multicast) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multicast = m
}

// SetLocalAddresses records the transport addresses other peers reach us at.
func (s *Service) SetLocalAddresses(addrs []*address.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localAddrs = addrs
}

func (s *Service) LocalAddresses() []*address.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*address.Address(nil), s.localAddrs...)
}

// LocalAddress is the peer-id address of the local peer.
func (s *Service) LocalAddress() *address.Address {
	return address.New(address.ProtocolJxta, s.peerID.UniquePortion(), "", "")
}

// AddListener registers l. An empty serviceParam catches every parameter of the service
// that has no listener of its own.
func (s *Service) AddListener(serviceName, serviceParam string, l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := listenerKey(serviceName, serviceParam)
	if _, ok := s.listeners[key]; ok {
		return fmt.Errorf("endpoint: %s: %w", key, ErrListenerExists)
	}
	s.listeners[key] = l
	log.Debugf("endpoint: added listener %s", key)
	return nil
}

func (s *Service) RemoveListener(serviceName, serviceParam string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := listenerKey(serviceName, serviceParam)
	if _, ok := s.listeners[key]; !ok {
		return fmt.Errorf("endpoint: %s: %w", key, ErrNoListener)
	}
	delete(s.listeners, key)
	log.Debugf("endpoint: removed listener %s", key)
	return nil
}

func (s *Service) lookup(serviceName, serviceParam string) Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.listeners[listenerKey(serviceName, serviceParam)]; ok {
		return l
	}
	return s.listeners[listenerKey(serviceName, "")]
}

// Demux hands msg to the listener registered for dest. The listener runs on the caller's
// goroutine.
func (s *Service) Demux(msg *message.Message, src, dest *address.Address) error {
	l := s.lookup(dest.ServiceName, dest.ServiceParam)
	if l == nil {
		return fmt.Errorf("endpoint: %s: %w", dest, ErrNoListener)
	}
	l(msg, src, dest)
	return nil
}

func (s *Service) isLocal(dest *address.Address) bool {
	if dest.Protocol == address.ProtocolJxta {
		return dest.ProtocolAddress == s.peerID.UniquePortion()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.localAddrs {
		if a.SameEndpoint(dest) {
			return true
		}
	}
	return false
}

func (s *Service) replyAddress(protocol string) *address.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fallback *address.Address
	for _, a := range s.localAddrs {
		if a.Protocol == protocol {
			return a
		}
		if fallback == nil {
			fallback = a
		}
	}
	return fallback
}

// Send delivers msg to dest. Messages for the local peer are demultiplexed without touching
// the network.
func (s *Service) Send(ctx context.Context, msg *message.Message, dest *address.Address) error {
	if s.isLocal(dest) {
		return s.Demux(msg.Clone(), s.LocalAddress(), dest)
	}

	s.mu.RLock()
	t, ok := s.unicast[dest.Protocol]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("endpoint: %s: %w", dest, ErrNoTransport)
	}

	f := &Frame{
		SrcPeer: *s.peerID,
		Src:     s.replyAddress(dest.Protocol),
		Dest:    dest,
		Message: msg,
	}
	return t.Send(ctx, dest.ProtocolAddress, f)
}

// Propagate multicasts msg to the service of every peer on the local network. It does
// nothing without a multicast transport.
func (s *Service) Propagate(ctx context.Context, msg *message.Message, serviceName, serviceParam string) error {
	s.mu.RLock()
	m := s.multicast
	s.mu.RUnlock()
	if m == nil {
		return nil
	}

	f := &Frame{
		SrcPeer: *s.peerID,
		Src:     s.replyAddress(address.ProtocolTCP),
		Dest:    address.New(address.ProtocolMulticast, "", serviceName, serviceParam),
		Message: msg,
	}
	return m.Publish(f)
}

func (s *Service) deliver(f *Frame) {
	if f.Message == nil || f.Dest == nil {
		log.Warnf("endpoint: dropping incomplete frame from %s", &f.SrcPeer)
		return
	}
	if err := s.Demux(f.Message, f.Src, f.Dest); err != nil {
		log.Debugf("endpoint: dropping %s from %s: %v", f.Message.ID, f.Src, err)
	}
}

func (s *Service) deliverMulticast(f *Frame) {
	if f.SrcPeer.Equal(s.peerID) {
		return
	}
	s.deliver(f)
}

// Run serves every transport until ctx ends or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	s.mu.RLock()
	unicast := make([]Unicast, 0, len(s.unicast))
	for _, t := range s.unicast {
		unicast = append(unicast, t)
	}
	m := s.multicast
	s.mu.RUnlock()

	wg, cctx := errgroup.WithContext(ctx)

	for _, t := range unicast {
		t := t // per-iteration copy; go directive is < 1.22
		wg.Go(func() error {
			return t.Serve(cctx, s.deliver)
		})
	}

	if m != nil {
		wg.Go(func() error {
			return m.Listen(cctx, s.deliverMulticast)
		})
	}

	return wg.Wait()
}
