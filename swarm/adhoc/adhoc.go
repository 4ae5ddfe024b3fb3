// Package adhoc implements the rendezvous role of a peer that floods its local network
// directly and keeps no leases.
package adhoc

import (
	"context"
	"errors"
	"jxta/datamodel/message"
	"jxta/oid"
	"jxta/swarm/peer"
	"jxta/swarm/protocol"
	"jxta/swarm/provider"

	log "github.com/sirupsen/logrus"
)

// MaxTTL bounds ad-hoc propagation to the local network.
const MaxTTL = 2

type Provider struct {
	provider.Base
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Init(sctx *provider.ServiceContext) error {
	if sctx != nil && (sctx.Config.MaxTTL <= 0 || sctx.Config.MaxTTL > MaxTTL) {
		cfg := *sctx
		cfg.Config.MaxTTL = MaxTTL
		sctx = &cfg
	}
	return p.InitBase(provider.RoleAdhoc, sctx, p.GetPeers)
}

func (p *Provider) Start(ctx context.Context) error {
	if _, err := p.StartBase(ctx); err != nil {
		return err
	}
	log.Infof("rdv.adhoc: started")
	p.Emit(provider.EventBecameRdv, p.LocalPeerID())
	return nil
}

func (p *Provider) Stop() error {
	stopped, err := p.StopBase()
	if !stopped {
		return err
	}
	log.Infof("rdv.adhoc: stopped")
	p.Emit(provider.EventFailed, p.LocalPeerID())
	return err
}

// GetPeers is always empty, ad-hoc peers hold no leases.
func (p *Provider) GetPeers() []*peer.Entry {
	return nil
}

func (p *Provider) GetPeer(peerID *oid.Oid) (*peer.Entry, error) {
	return nil, protocol.ErrNotImplemented
}

func (p *Provider) Propagate(ctx context.Context, msg *message.Message, serviceName, serviceParam string, ttl int) error {
	msg = msg.Clone()
	protocol.RemoveDiffusionHeader(msg)

	h := p.PropagateHeader(serviceName, serviceParam, ttl)
	return p.PropHandler(ctx, msg, h)
}

func (p *Provider) Walk(ctx context.Context, msg *message.Message, serviceName, serviceParam string, targetHash *string) error {
	msg = msg.Clone()

	h, err := protocol.GetDiffusionHeader(msg)
	switch {
	case err == nil:
		if err := provider.CheckDestination(h, serviceName, serviceParam); err != nil {
			return err
		}
	case errors.Is(err, protocol.ErrItemNotFound):
		h = p.PropagateHeader(serviceName, serviceParam, 1)
	default:
		return err
	}

	h.SetTargetHash(targetHash)
	p.Metrics().Walked(provider.RoleAdhoc)

	if h.Scope == protocol.ScopeTerminal {
		return nil
	}
	return p.PropHandler(ctx, msg, h)
}
