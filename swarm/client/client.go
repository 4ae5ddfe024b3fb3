// Package client implements the rendezvous role of an edge peer: it holds leases with one
// or more rendezvous peers, renews them before they lapse and looks for new rendezvous
// peers while it has too few.
package client

import (
	"context"
	"errors"
	"jxta/datamodel/message"
	"jxta/oid"
	"jxta/swarm/peer"
	"jxta/swarm/protocol"
	"jxta/swarm/provider"
	"time"

	"go.uber.org/multierr"

	log "github.com/sirupsen/logrus"
)

const (
	MinRetryDelay     = 15 * time.Second // Step of the per rendezvous connect backoff
	MaxRetryDelay     = 45 * time.Second
	LeaseRenewalDelay = 5 * time.Minute // Renew when less than this is left
	CandidateLifetime = 10 * time.Minute

	FastNap   = 2 * time.Second
	NormalNap = 60 * time.Second
	StartNap  = time.Second

	WalkTTL = 2

	remoteQueryTimeout = 5 * time.Second
	disconnectTimeout  = 5 * time.Second
)

type Provider struct {
	provider.Base

	rdvs       *rdvTable
	candidates *candidateTable

	// Worker state
	done       chan struct{}
	delayCount int
	seedIdx    int
	advIdx     int
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Init(sctx *provider.ServiceContext) error {
	if err := p.InitBase(provider.RoleClient, sctx, p.GetPeers); err != nil {
		return err
	}
	if sctx.PeerView == nil {
		return errors.New("rdv.client: a peerview is required")
	}

	p.rdvs = newRdvTable(p.Config().MinConnectedRdvs * 2)
	p.candidates = newCandidateTable()
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

// start registers the listeners without launching the maintain worker.
func (p *Provider) start(ctx context.Context) (context.Context, error) {
	runCtx, err := p.StartBase(ctx)
	if err != nil {
		return nil, err
	}

	sctx := p.ServiceContext()
	if err := sctx.Endpoint.AddListener(p.AssignedID(), p.GroupUniq(), p.leaseListener); err != nil {
		log.Errorf("rdv.client: could not register lease listener: %v", err)
		p.StopBase()
		return nil, err
	}

	log.Infof("rdv.client: started for group %s", p.GroupUniq())
	p.Emit(provider.EventBecameEdge, p.LocalPeerID())
	return runCtx, nil
}

func (p *Provider) Stop() error {
	stopped, err := p.StopBase()
	if !stopped {
		return err
	}

	sctx := p.ServiceContext()
	err = multierr.Append(err, sctx.Endpoint.RemoveListener(p.AssignedID(), p.GroupUniq()))

	if p.done != nil {
		<-p.done
		p.done = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	err = multierr.Append(err, p.disconnectAll(ctx))

	log.Infof("rdv.client: stopped")
	return err
}

func (p *Provider) GetPeers() []*peer.Entry {
	if p.rdvs == nil {
		return nil
	}
	entries := p.rdvs.Values()
	peers := make([]*peer.Entry, 0, len(entries))
	for _, e := range entries {
		peers = append(peers, e.Entry)
	}
	return peers
}

func (p *Provider) GetPeer(peerID *oid.Oid) (*peer.Entry, error) {
	if peerID == nil {
		return nil, protocol.ErrInvalidArgument
	}
	e, err := p.rdvs.Get(*peerID)
	if err != nil {
		return nil, protocol.ErrItemNotFound
	}
	return e.Entry, nil
}

// Propagate delivers msg locally and sends it to every rendezvous we hold a lease with.
func (p *Provider) Propagate(ctx context.Context, msg *message.Message, serviceName, serviceParam string, ttl int) error {
	msg = msg.Clone()
	protocol.RemoveDiffusionHeader(msg)

	h := p.PropagateHeader(serviceName, serviceParam, ttl)
	return p.PropHandler(ctx, msg, h)
}

// Walk hands msg to our rendezvous peers, which walk it through the rendezvous network. It
// is not delivered locally.
func (p *Provider) Walk(ctx context.Context, msg *message.Message, serviceName, serviceParam string, targetHash *string) error {
	msg = msg.Clone()

	h, err := protocol.GetDiffusionHeader(msg)
	switch {
	case err == nil:
		if err := provider.CheckDestination(h, serviceName, serviceParam); err != nil {
			return err
		}
	case errors.Is(err, protocol.ErrItemNotFound):
		h = protocol.NewDiffusionHeader()
		h.SrcPeerID = *p.LocalPeerID()
		h.Policy = protocol.PolicyMulticast
		if targetHash != nil {
			h.Policy = protocol.PolicyTraversal
		}
		h.Scope = protocol.ScopeGlobal
		h.TTL = WalkTTL
		h.DestSvcName = serviceName
		h.DestSvcParam = serviceParam
	default:
		return err
	}

	h.SetTargetHash(targetHash)

	if h.Scope == protocol.ScopeTerminal {
		return nil
	}

	if err := protocol.SetDiffusionHeader(msg, h); err != nil {
		return err
	}

	p.Metrics().Walked(provider.RoleClient)
	return p.PropToPeers(ctx, msg)
}
