// Package server implements the rendezvous role: it grants leases to edge peers, expires
// them when they are not renewed and walks messages through the rendezvous network.
package server

import (
	"context"
	"errors"
	"fmt"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/helper/hashtable"
	"jxta/helper/timer"
	"jxta/oid"
	"jxta/swarm/peer"
	"jxta/swarm/protocol"
	"jxta/swarm/provider"
	"sync"
	"time"

	"go.uber.org/multierr"

	log "github.com/sirupsen/logrus"
)

const (
	SweepInterval = 60 * time.Second
)

var ErrTooManyClients = errors.New("too many clients")

type Provider struct {
	provider.Base

	createMu sync.Mutex // Serializes the capacity check with the insert
	clients  *hashtable.Table[oid.Oid, *peer.Entry]

	done chan struct{}
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Init(sctx *provider.ServiceContext) error {
	if err := p.InitBase(provider.RoleServer, sctx, p.GetPeers); err != nil {
		return err
	}
	if sctx.PeerView == nil {
		return fmt.Errorf("rdv.server: a peerview is required: %w", protocol.ErrInvalidArgument)
	}

	p.clients = peer.NewTable[*peer.Entry](p.Config().MaxClients)
	return nil
}

func (p *Provider) Start(ctx context.Context) error {
	runCtx, err := p.start(ctx)
	if err != nil {
		return err
	}

	p.done = make(chan struct{})
	go p.run(runCtx)
	return nil
}

func (p *Provider) run(ctx context.Context) {
	defer close(p.done)

	for timer.Sleep(ctx, p.Clock(), SweepInterval) {
		p.sweep(ctx)
	}
	log.Debugf("rdv.server: sweep worker done")
}

// start registers the listeners without launching the sweep worker.
func (p *Provider) start(ctx context.Context) (context.Context, error) {
	runCtx, err := p.StartBase(ctx)
	if err != nil {
		return nil, err
	}

	ep := p.ServiceContext().Endpoint
	if err := ep.AddListener(p.AssignedID(), p.GroupUniq(), p.leaseListener); err != nil {
		log.Errorf("rdv.server: could not register lease listener: %v", err)
		p.StopBase()
		return nil, err
	}
	if err := ep.AddListener(p.walkerServiceName(), p.walkerServiceParam(), p.walkerListener); err != nil {
		log.Errorf("rdv.server: could not register walker listener: %v", err)
		ep.RemoveListener(p.AssignedID(), p.GroupUniq())
		p.StopBase()
		return nil, err
	}

	log.Infof("rdv.server: started for group %s, offering %v leases to %d clients",
		p.GroupUniq(), p.Config().LeaseDuration, p.Config().MaxClients)
	p.Emit(provider.EventBecameRdv, p.LocalPeerID())
	return runCtx, nil
}

func (p *Provider) Stop() error {
	stopped, err := p.StopBase()
	if !stopped {
		return err
	}

	ep := p.ServiceContext().Endpoint
	err = multierr.Combine(err,
		ep.RemoveListener(p.AssignedID(), p.GroupUniq()),
		ep.RemoveListener(p.walkerServiceName(), p.walkerServiceParam()),
	)

	if p.done != nil {
		<-p.done
		p.done = nil
	}

	for _, id := range p.clients.Keys() {
		p.clients.Delete(id)
	}

	log.Infof("rdv.server: stopped")
	return err
}

func (p *Provider) GetPeers() []*peer.Entry {
	if p.clients == nil {
		return nil
	}
	return p.clients.Values()
}

func (p *Provider) GetPeer(peerID *oid.Oid) (*peer.Entry, error) {
	if peerID == nil {
		return nil, protocol.ErrInvalidArgument
	}
	e, _, err := p.getPeerEntry(peerID, false)
	return e, err
}

// getPeerEntry looks up a client, creating it when asked and MaxClients allows. created
// reports a new entry.
func (p *Provider) getPeerEntry(peerID *oid.Oid, create bool) (e *peer.Entry, created bool, err error) {
	p.createMu.Lock()
	defer p.createMu.Unlock()

	if e, err := p.clients.Get(*peerID); err == nil {
		return e, false, nil
	}
	if !create {
		return nil, false, protocol.ErrItemNotFound
	}
	if p.clients.Len() >= p.Config().MaxClients {
		return nil, false, ErrTooManyClients
	}

	e = peer.New(peerID, address.New(address.ProtocolJxta, peerID.UniquePortion(), "", ""))
	e.SetExpires(peer.NeverExpires)
	if _, err := p.clients.Put(*peerID, e, false); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Propagate walks msg through the rendezvous network, then floods it to ourselves and our
// clients.
func (p *Provider) Propagate(ctx context.Context, msg *message.Message, serviceName, serviceParam string, ttl int) error {
	if err := p.Walk(ctx, msg, serviceName, serviceParam, nil); err != nil {
		log.Warnf("rdv.server: walk of %s failed: %v", msg.ID, err)
	}

	msg = msg.Clone()
	protocol.RemoveDiffusionHeader(msg)
	protocol.RemoveWalkHeader(msg)

	h := p.PropagateHeader(serviceName, serviceParam, ttl)
	return p.PropHandler(ctx, msg, h)
}

func clientAddress(adv *advertisement.Advertisement, src *address.Address) *address.Address {
	for _, s := range adv.Addresses {
		if a, err := address.Parse(s); err == nil {
			return a
		}
	}
	if src != nil && src.Protocol != address.ProtocolJxta {
		return src.WithService("", "")
	}
	return nil
}

func (p *Provider) leaseListener(msg *message.Message, src, dest *address.Address) {
	if idStr, err := msg.GetString(protocol.Namespace, protocol.Disconnect); err == nil {
		p.handleDisconnect(idStr)
		return
	}

	el, err := msg.Get(protocol.Namespace, protocol.ConnectRequest)
	if err != nil {
		log.Debugf("rdv.server: ignoring %s from %s, not a lease request", msg.ID, src)
		return
	}

	adv, err := advertisement.Parse(el.Value)
	if err != nil {
		log.Warnf("rdv.server: bad lease request from %s: %v", src, err)
		p.Metrics().Dropped(provider.DropMalformed)
		return
	}

	lease := p.Config().LeaseDuration
	p.PublishAdvertisement(adv, lease)

	clientID := &adv.PeerID
	e, created, err := p.getPeerEntry(clientID, true)
	if err != nil {
		log.Warnf("rdv.server: refusing lease to %s: %v", clientID, err)
		p.Metrics().Dropped(provider.DropRefused)
		return
	}

	addr := clientAddress(adv, src)
	if addr != nil {
		e.SetAddress(addr)
	}
	e.SetAdvertisement(adv)
	e.SetExpires(p.Now().Add(lease))
	p.Metrics().Peers(provider.RoleServer, p.clients.Len())

	if created {
		log.WithField("client", clientID.String()).Infof("rdv.server: new client, lease %v", lease)
		p.Emit(provider.EventClientConnected, clientID)
	} else {
		log.WithField("client", clientID.String()).Debugf("rdv.server: lease renewed for %v", lease)
		p.Emit(provider.EventClientReconnected, clientID)
	}

	if addr == nil {
		log.Warnf("rdv.server: no address to reply to %s", clientID)
		return
	}

	reply, err := protocol.NewLeaseGrant(p.ServiceContext().LocalAdv.AsKind(advertisement.KindRdv), p.LocalPeerID(), lease)
	if err != nil {
		log.Errorf("rdv.server: could not build lease grant: %v", err)
		return
	}
	if err := p.ServiceContext().Endpoint.Send(p.Context(), reply, p.ServiceAddress(addr)); err != nil {
		log.Warnf("rdv.server: lease grant to %s failed: %v", addr, err)
		p.Metrics().SendFailed()
	}
}

func (p *Provider) handleDisconnect(idStr string) {
	clientID, err := oid.FromString(idStr)
	if err != nil {
		log.Warnf("rdv.server: bad disconnect %q: %v", idStr, err)
		p.Metrics().Dropped(provider.DropMalformed)
		return
	}

	if _, err := p.clients.Delete(*clientID); err != nil {
		log.Debugf("rdv.server: disconnect from unknown client %s", clientID)
		return
	}

	log.WithField("client", clientID.String()).Info("rdv.server: client disconnected")
	p.Metrics().Peers(provider.RoleServer, p.clients.Len())
	p.Emit(provider.EventClientDisconnected, clientID)
}

// sweep forgets clients whose lease lapsed. It runs every SweepInterval.
func (p *Provider) sweep(ctx context.Context) error {
	now := p.Now()

	for _, e := range p.clients.Values() {
		if e.Leased(now) {
			continue
		}
		id := e.PeerID()
		if err := p.clients.DeleteCheck(*id, e); err != nil {
			continue
		}
		log.WithField("client", id.String()).Info("rdv.server: client lease expired")
		p.Emit(provider.EventClientDisconnected, id)
	}

	p.Metrics().Peers(provider.RoleServer, p.clients.Len())
	return nil
}
