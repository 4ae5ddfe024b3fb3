package client

import (
	"context"
	"errors"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/helper/hashtable"
	"jxta/oid"
	"jxta/swarm/peer"
	"jxta/swarm/protocol"
	"jxta/swarm/provider"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/multierr"

	log "github.com/sirupsen/logrus"
)

// rdvEntry is a rendezvous we hold, or try to obtain, a lease with. The connect fields are
// guarded by the entry lock.
type rdvEntry struct {
	*peer.Entry

	lastConnectTry  time.Time
	connectInterval time.Duration
	leased          bool
}

func newRdvEntry(peerID *oid.Oid, addr *address.Address) *rdvEntry {
	return &rdvEntry{Entry: peer.New(peerID, addr)}
}

type rdvTable = hashtable.Table[oid.Oid, *rdvEntry]

func newRdvTable(initialUsage int) *rdvTable {
	return peer.NewTable[*rdvEntry](initialUsage)
}

// Candidates are rendezvous peers we only know an address of, keyed by that address.
type candidateTable = hashtable.Table[string, *rdvEntry]

func newCandidateTable() *candidateTable {
	return hashtable.New[string, *rdvEntry](8,
		func(k string) uint32 { return murmur3.Sum32([]byte(k)) },
		func(a, b string) bool { return a == b },
	)
}

func candidateKey(addr *address.Address) string {
	return addr.WithService("", "").String()
}

// addCandidate remembers addr as a rendezvous to try until CandidateLifetime elapses.
func (p *Provider) addCandidate(addr *address.Address) *rdvEntry {
	key := candidateKey(addr)
	if e, err := p.candidates.Get(key); err == nil {
		return e
	}

	e := newRdvEntry(nil, addr.WithService("", ""))
	e.SetExpires(p.Now().Add(CandidateLifetime))
	if _, err := p.candidates.Put(key, e, false); err != nil {
		if existing, err := p.candidates.Get(key); err == nil {
			return existing
		}
	}
	return e
}

// connectToPeer sends a lease request unless the previous attempt was too recent. Each
// attempt pushes the next one further away, up to MaxRetryDelay.
func (p *Provider) connectToPeer(ctx context.Context, e *rdvEntry) bool {
	now := p.Now()

	e.Lock()
	if !e.lastConnectTry.IsZero() && now.Before(e.lastConnectTry.Add(e.connectInterval)) {
		e.Unlock()
		return false
	}
	e.lastConnectTry = now
	e.connectInterval = min(e.connectInterval+MinRetryDelay, MaxRetryDelay)
	e.Unlock()

	addr := e.Address()
	if addr == nil {
		return false
	}

	if err := p.sendLeaseRequest(ctx, addr); err != nil {
		log.Warnf("rdv.client: lease request to %s failed: %v", addr, err)
		p.Metrics().SendFailed()
		return false
	}
	return true
}

func (p *Provider) sendLeaseRequest(ctx context.Context, addr *address.Address) error {
	msg, err := protocol.NewConnectRequest(p.ServiceContext().LocalAdv)
	if err != nil {
		return err
	}
	log.Debugf("rdv.client: sending lease request to %s", addr)
	return p.ServiceContext().Endpoint.Send(ctx, msg, p.ServiceAddress(addr))
}

// disconnectAll gives up every lease we hold.
func (p *Provider) disconnectAll(ctx context.Context) error {
	var err error
	now := p.Now()
	for _, id := range p.rdvs.Keys() {
		e, gerr := p.rdvs.Delete(id)
		if gerr != nil {
			continue
		}
		addr := e.Address()
		if !e.Leased(now) || addr == nil {
			continue
		}
		msg := protocol.NewDisconnect(p.LocalPeerID())
		if serr := p.ServiceContext().Endpoint.Send(ctx, msg, p.ServiceAddress(addr)); serr != nil {
			log.Warnf("rdv.client: disconnect from %s failed: %v", addr, serr)
			err = multierr.Append(err, serr)
		}
	}
	return err
}

// replyAddress picks where to reach a rendezvous: its advertised address first, then the
// address the reply came from.
func replyAddress(adv *advertisement.Advertisement, src *address.Address) *address.Address {
	if adv != nil {
		for _, s := range adv.Addresses {
			if a, err := address.Parse(s); err == nil {
				return a
			}
		}
	}
	if src != nil && src.Protocol != address.ProtocolJxta {
		return src.WithService("", "")
	}
	return nil
}

func (p *Provider) leaseListener(msg *message.Message, src, dest *address.Address) {
	if err := p.handleLeaseReply(msg, src); err != nil {
		log.Warnf("rdv.client: dropping lease reply %s from %s: %v", msg.ID, src, err)
		p.Metrics().Dropped(provider.DropMalformed)
	}
}

func (p *Provider) handleLeaseReply(msg *message.Message, src *address.Address) error {
	idStr, err := msg.GetString(protocol.Namespace, protocol.ConnectedReply)
	if err != nil {
		return protocol.ErrItemNotFound
	}
	rdvID, err := oid.FromString(idStr)
	if err != nil {
		return protocol.ErrInvalidArgument
	}

	leaseStr, err := msg.GetString(protocol.Namespace, protocol.LeaseReply)
	if err != nil {
		return protocol.ErrItemNotFound
	}
	lease, err := protocol.ParseLease(leaseStr)
	if err != nil {
		return err
	}

	var rdvAdv *advertisement.Advertisement
	if el, err := msg.Get(protocol.Namespace, protocol.RdvAdvReply); err == nil {
		rdvAdv, err = advertisement.Parse(el.Value)
		if err != nil {
			log.Warnf("rdv.client: bad advertisement from %s: %v", rdvID, err)
			rdvAdv = nil
		}
	}

	if lease <= 0 {
		if e, err := p.rdvs.Get(*rdvID); err == nil {
			e.SetExpires(time.Time{})
		}
		log.WithField("rdv", rdvID.String()).Info("rdv.client: disconnected by rendezvous")
		p.Emit(provider.EventDisconnected, rdvID)
		return nil
	}

	if rdvAdv != nil {
		p.PublishAdvertisement(rdvAdv, lease)
	}

	addr := replyAddress(rdvAdv, src)

	e, err := p.rdvs.Get(*rdvID)
	if err != nil {
		if p.rdvs.Len() >= p.Config().MinConnectedRdvs*2 {
			log.Warnf("rdv.client: ignoring lease from %s, already tracking %d rendezvous", rdvID, p.rdvs.Len())
			p.Metrics().Dropped(provider.DropRefused)
			return nil
		}
		e = newRdvEntry(rdvID, addr)
		e.SetExpires(peer.NeverExpires)
		if _, err := p.rdvs.Put(*rdvID, e, false); err != nil {
			if !errors.Is(err, hashtable.ErrItemExists) {
				return err
			}
			if e, err = p.rdvs.Get(*rdvID); err != nil {
				return err
			}
		}
	}

	e.Lock()
	reconnected := e.leased
	e.leased = true
	e.connectInterval = 0
	e.Unlock()

	if addr != nil {
		e.SetAddress(addr)
		p.candidates.Delete(candidateKey(addr))
	}
	if src != nil && src.Protocol != address.ProtocolJxta {
		p.candidates.Delete(candidateKey(src))
	}
	if rdvAdv != nil {
		e.SetAdvertisement(rdvAdv)
	}
	e.SetExpires(p.Now().Add(lease))

	// A lapsed entry may have been swept while we were renewing it
	if _, err := p.rdvs.Get(*rdvID); errors.Is(err, hashtable.ErrItemNotFound) {
		if _, err := p.rdvs.Put(*rdvID, e, false); err != nil && !errors.Is(err, hashtable.ErrItemExists) {
			return err
		}
	}

	log.WithField("rdv", rdvID.String()).Infof("rdv.client: lease of %v granted", lease)

	if reconnected {
		p.Emit(provider.EventReconnected, rdvID)
	} else {
		p.Emit(provider.EventConnected, rdvID)
	}
	return nil
}
