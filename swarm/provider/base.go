package provider

import (
	"context"
	"fmt"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/oid"
	"jxta/swarm/peer"
	"jxta/swarm/protocol"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	log "github.com/sirupsen/logrus"
)

// Base is the state shared by every role. Roles embed it and pass their GetPeers to Init so
// that propagation reaches the peers the role holds leases with.
type Base struct {
	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	role       string
	sctx       *ServiceContext
	cfg        Config
	clk        clock.Clock
	metrics    Metrics
	assignedID string
	groupUniq  string

	seen     *lru.Cache[uuid.UUID, struct{}]
	getPeers func() []*peer.Entry
}

type noopMetrics struct{}

func (noopMetrics) Propagated(string) {}
func (noopMetrics) Walked(string)     {}
func (noopMetrics) Dropped(string)    {}
func (noopMetrics) SendFailed()       {}
func (noopMetrics) Peers(string, int) {}

func (b *Base) InitBase(role string, sctx *ServiceContext, getPeers func() []*peer.Entry) error {
	if sctx == nil || sctx.PeerID.IsZero() || sctx.GroupID.IsZero() || sctx.Endpoint == nil {
		return fmt.Errorf("rdv.%s: incomplete service context: %w", role, protocol.ErrInvalidArgument)
	}

	seen, err := lru.New[uuid.UUID, struct{}](seenCacheSize)
	if err != nil {
		return err
	}

	b.role = role
	b.sctx = sctx
	b.cfg = sctx.Config.withDefaults()
	b.clk = sctx.Clock
	if b.clk == nil {
		b.clk = clock.New()
	}
	b.metrics = sctx.Metrics
	if b.metrics == nil {
		b.metrics = noopMetrics{}
	}
	b.assignedID = protocol.RendezvousServiceName
	b.groupUniq = sctx.GroupID.UniquePortion()
	b.seen = seen
	b.getPeers = getPeers
	b.ctx = context.Background()
	return nil
}

func (b *Base) Role() string {
	return b.role
}

func (b *Base) ServiceContext() *ServiceContext {
	return b.sctx
}

func (b *Base) Config() Config {
	return b.cfg
}

func (b *Base) Clock() clock.Clock {
	return b.clk
}

func (b *Base) Metrics() Metrics {
	return b.metrics
}

func (b *Base) Now() time.Time {
	return b.clk.Now()
}

func (b *Base) LocalPeerID() *oid.Oid {
	return b.sctx.PeerID
}

func (b *Base) GroupUniq() string {
	return b.groupUniq
}

func (b *Base) AssignedID() string {
	return b.assignedID
}

func (b *Base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Context is cancelled when the provider stops. Listeners use it for the messages they send.
func (b *Base) Context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

// StartBase marks the provider running and registers the inbound propagation listener. The
// returned context lives until StopBase.
func (b *Base) StartBase(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil, fmt.Errorf("rdv.%s: already running: %w", b.role, protocol.ErrFailed)
	}
	b.running = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	runCtx := b.ctx
	b.mu.Unlock()

	if err := b.sctx.Endpoint.AddListener(b.assignedID, b.PropagateParam(), b.propagateListener); err != nil {
		log.Errorf("rdv.%s: could not register propagate listener: %v", b.role, err)
		b.mu.Lock()
		b.running = false
		b.cancel()
		b.mu.Unlock()
		return nil, err
	}

	return runCtx, nil
}

// StopBase reverts StartBase. It returns false when the provider was not running.
func (b *Base) StopBase() (bool, error) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		log.Warnf("rdv.%s: stop requested while not running", b.role)
		return false, nil
	}
	b.running = false
	b.cancel()
	b.mu.Unlock()

	if err := b.sctx.Endpoint.RemoveListener(b.assignedID, b.PropagateParam()); err != nil {
		log.Errorf("rdv.%s: could not remove propagate listener: %v", b.role, err)
		return true, err
	}
	return true, nil
}

func (b *Base) PropagateParam() string {
	return protocol.PropagateParamPrefix + b.groupUniq
}

// ServiceAddress is where the rendezvous service of the peer reachable at addr listens.
func (b *Base) ServiceAddress(addr *address.Address) *address.Address {
	return addr.WithService(b.assignedID, b.groupUniq)
}

// PropagateAddress is where the peer reachable at addr receives propagated messages.
func (b *Base) PropagateAddress(addr *address.Address) *address.Address {
	return addr.WithService(b.assignedID, b.PropagateParam())
}

// GroupAddress is the local destination of a service within the group.
func (b *Base) GroupAddress(serviceName, serviceParam string) *address.Address {
	return address.New(address.ProtocolJxta, b.groupUniq, serviceName, serviceParam)
}

func (b *Base) Emit(t EventType, peerID *oid.Oid) {
	log.Debugf("rdv.%s: event %s for %s", b.role, t, peerID)
	b.sctx.Bus.Publish(&Event{Type: t, PeerID: peerID, Time: b.Now()})
}

// PublishAdvertisement stores adv with discovery. Failures are only logged.
func (b *Base) PublishAdvertisement(adv *advertisement.Advertisement, lifetime time.Duration) {
	if b.sctx.Discovery == nil || adv == nil {
		return
	}
	if err := b.sctx.Discovery.Publish(adv, lifetime); err != nil {
		log.Warnf("rdv.%s: failed to publish advertisement of %s: %v", b.role, &adv.PeerID, err)
	}
}

// PropagateHeader returns a flooding header from the local peer to the given service.
func (b *Base) PropagateHeader(serviceName, serviceParam string, ttl int) *protocol.DiffusionHeader {
	h := protocol.NewDiffusionHeader()
	h.SrcPeerID = *b.LocalPeerID()
	h.Policy = protocol.PolicyBroadcast
	h.Scope = protocol.ScopeGlobal
	h.TTL = b.clampTTL(ttl)
	h.DestSvcName = serviceName
	h.DestSvcParam = serviceParam
	return h
}

func (b *Base) clampTTL(ttl int) uint {
	if ttl < 0 {
		return 0
	}
	return uint(min(ttl, b.cfg.MaxTTL))
}

// CheckDestination fails with ErrInvalidArgument when a walk continues towards another
// service than the one it started for.
func CheckDestination(h *protocol.DiffusionHeader, serviceName, serviceParam string) error {
	if h.DestSvcName != serviceName || h.DestSvcParam != serviceParam {
		return fmt.Errorf("walk to %s/%s continued as %s/%s: %w",
			h.DestSvcName, h.DestSvcParam, serviceName, serviceParam, protocol.ErrInvalidArgument)
	}
	return nil
}

// PropHandler attaches h to msg, delivers it locally and floods it further unless the
// header forbids it.
func (b *Base) PropHandler(ctx context.Context, msg *message.Message, h *protocol.DiffusionHeader) error {
	if err := protocol.SetDiffusionHeader(msg, h); err != nil {
		return err
	}
	b.seen.Add(msg.ID, struct{}{})

	dest := b.GroupAddress(h.DestSvcName, h.DestSvcParam)
	if err := b.sctx.Endpoint.Demux(msg, nil, dest); err != nil {
		log.Debugf("rdv.%s: no local listener for %s: %v", b.role, dest, err)
	}

	if h.Policy == protocol.PolicyTraversal {
		return nil
	}
	if h.TTL == 0 {
		return nil
	}

	b.metrics.Propagated(b.role)

	if h.SrcPeerID.Equal(b.LocalPeerID()) {
		if err := b.sctx.Endpoint.Propagate(ctx, msg, b.assignedID, b.PropagateParam()); err != nil {
			log.Warnf("rdv.%s: LAN propagation of %s failed: %v", b.role, msg.ID, err)
		}
	}

	return b.PropToPeers(ctx, msg)
}

// PropToPeers sends a copy of msg to every peer returned by the role whose lease is running.
// A peer that cannot be reached loses its lease.
func (b *Base) PropToPeers(ctx context.Context, msg *message.Message) error {
	msg = msg.Clone()

	if b.getPeers == nil {
		return nil
	}

	now := b.Now()
	count := 0
	for _, p := range b.getPeers() {
		if !p.Leased(now) {
			continue
		}
		addr := p.Address()
		if addr == nil {
			continue
		}

		if err := b.sctx.Endpoint.Send(ctx, msg, b.PropagateAddress(addr)); err != nil {
			log.Warnf("rdv.%s: failed to propagate %s, expiring %s: %v", b.role, msg.ID, addr, err)
			b.metrics.SendFailed()
			p.SetExpires(time.Time{})
			continue
		}
		count++
	}

	log.Debugf("rdv.%s: propagated %s to %d peers", b.role, msg.ID, count)
	return nil
}

func (b *Base) propagateListener(msg *message.Message, src, dest *address.Address) {
	h, err := protocol.GetDiffusionHeader(msg)
	if err != nil {
		log.Warnf("rdv.%s: header unavailable, dropping %s from %s: %v", b.role, msg.ID, src, err)
		b.metrics.Dropped(DropNoHeader)
		return
	}

	if b.seen.Contains(msg.ID) {
		log.Debugf("rdv.%s: already seen %s, dropping", b.role, msg.ID)
		b.metrics.Dropped(DropDuplicate)
		return
	}

	log.Debugf("rdv.%s: received propagated %s -> %s/%s", b.role, msg.ID, h.DestSvcName, h.DestSvcParam)

	protocol.RemoveDiffusionHeader(msg)
	if h.TTL > 0 {
		h.TTL--
	}
	h.TTL = min(h.TTL, uint(b.cfg.MaxTTL))

	if err := b.PropHandler(b.Context(), msg, h); err != nil {
		log.Warnf("rdv.%s: propagation of %s failed: %v", b.role, msg.ID, err)
	}
}
