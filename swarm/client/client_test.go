package client

import (
	"context"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/oid"
	"jxta/swarm/peer"
	"jxta/swarm/protocol"
	"jxta/swarm/provider"
	"jxta/swarm/provider/providertest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type rdv struct {
	id   *oid.Oid
	addr *address.Address
	adv  *advertisement.Advertisement
}

func newRdv(name, hostport string) *rdv {
	id := oid.FromName(oid.OidTypePeer, name)
	addr := address.New(address.ProtocolTCP, hostport, "", "")
	return &rdv{
		id:   id,
		addr: addr,
		adv: &advertisement.Advertisement{
			Kind:      advertisement.KindRdv,
			PeerID:    *id,
			GroupID:   *oid.FromName(oid.OidTypeGroup, "test-group"),
			Addresses: []string{addr.String()},
		},
	}
}

// newClient returns an initialized client with its listeners registered but no worker.
func newClient(t *testing.T) (*Provider, *providertest.Context) {
	tc := providertest.NewContext("edge")
	p := New()
	require.NoError(t, p.Init(tc.ServiceContext))
	_, err := p.start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop() })

	ev := tc.NextEvent()
	require.NotNil(t, ev)
	require.Equal(t, provider.EventBecameEdge, ev.Type)
	return p, tc
}

func grant(t *testing.T, p *Provider, tc *providertest.Context, r *rdv, lease time.Duration) {
	msg, err := protocol.NewLeaseGrant(r.adv, r.id, lease)
	require.NoError(t, err)
	require.True(t, tc.Endpoint.Deliver(p.AssignedID(), p.GroupUniq(), msg, r.addr.WithService(p.AssignedID(), p.GroupUniq())))
}

func leaseRequests(tc *providertest.Context) []providertest.Sent {
	var out []providertest.Sent
	for _, s := range tc.Endpoint.Sent() {
		if _, err := s.Msg.Get(protocol.Namespace, protocol.ConnectRequest); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func TestLeaseGranted(t *testing.T) {
	p, tc := newClient(t)
	r := newRdv("rdv1", "10.0.0.2:9701")

	start := tc.Clock.Now()
	grant(t, p, tc, r, 20*time.Minute)

	e, err := p.GetPeer(r.id)
	require.NoError(t, err)
	require.Equal(t, start.Add(1200000*time.Millisecond), e.Expires())
	require.True(t, e.Address().Equal(r.addr))
	require.True(t, advertisement.IsAdvertisementEqual(r.adv, e.Advertisement()))

	ev := tc.NextEvent()
	require.NotNil(t, ev)
	require.Equal(t, provider.EventConnected, ev.Type)
	require.True(t, ev.PeerID.Equal(r.id))

	published := tc.Discovery.Published()
	require.Len(t, published, 1)
	require.True(t, published[0].PeerID.Equal(r.id))

	// Renewal
	tc.Clock.Add(16 * time.Minute)
	grant(t, p, tc, r, 20*time.Minute)
	ev = tc.NextEvent()
	require.NotNil(t, ev)
	require.Equal(t, provider.EventReconnected, ev.Type)
	require.Equal(t, tc.Clock.Now().Add(20*time.Minute), e.Expires())
	require.Len(t, p.GetPeers(), 1)
}

func TestLeaseReplyMalformed(t *testing.T) {
	p, tc := newClient(t)

	msg := message.New()
	msg.Add(message.NewStringElement(protocol.Namespace, protocol.ConnectedReply, "garbage"))
	msg.Add(message.NewStringElement(protocol.Namespace, protocol.LeaseReply, "1000"))
	require.True(t, tc.Endpoint.Deliver(p.AssignedID(), p.GroupUniq(), msg, nil))

	r := newRdv("rdv1", "10.0.0.2:9701")
	msg = message.New()
	msg.Add(message.NewStringElement(protocol.Namespace, protocol.ConnectedReply, r.id.String()))
	msg.Add(message.NewStringElement(protocol.Namespace, protocol.LeaseReply, "soon"))
	require.True(t, tc.Endpoint.Deliver(p.AssignedID(), p.GroupUniq(), msg, nil))

	require.Empty(t, p.GetPeers())
	require.Nil(t, tc.NextEvent())
}

func TestDisconnectedByRendezvous(t *testing.T) {
	p, tc := newClient(t)
	r := newRdv("rdv1", "10.0.0.2:9701")

	grant(t, p, tc, r, 20*time.Minute)
	tc.Drain()

	grant(t, p, tc, r, 0)
	ev := tc.NextEvent()
	require.NotNil(t, ev)
	require.Equal(t, provider.EventDisconnected, ev.Type)

	e, err := p.GetPeer(r.id)
	require.NoError(t, err)
	require.True(t, e.Expires().IsZero())

	// The next pass forgets it
	p.maintain(context.Background())
	ev = tc.NextEvent()
	require.NotNil(t, ev)
	require.Equal(t, provider.EventFailed, ev.Type)
	_, err = p.GetPeer(r.id)
	require.ErrorIs(t, err, protocol.ErrItemNotFound)
}

func TestGrantSurvivesConcurrentExpiry(t *testing.T) {
	p, tc := newClient(t)
	r := newRdv("rdv1", "10.0.0.2:9701")

	stop := make(chan struct{})
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		for {
			select {
			case <-stop:
				return
			default:
				p.expireLeases(tc.Clock.Now())
			}
		}
	}()

	lost := 0
	for i := 0; i < 10000; i++ {
		grant(t, p, tc, r, 20*time.Minute)
		if _, err := p.rdvs.Get(*r.id); err != nil {
			lost++
		}
		p.rdvs.Delete(*r.id)
	}
	close(stop)
	<-swept

	require.Zero(t, lost, "granted leases lost to the expiry sweep")
}

func TestGrantAfterLeaseExpired(t *testing.T) {
	p, tc := newClient(t)
	r := newRdv("rdv1", "10.0.0.2:9701")

	grant(t, p, tc, r, time.Minute)
	tc.Clock.Add(2 * time.Minute)
	require.Zero(t, p.expireLeases(tc.Clock.Now()))
	_, err := p.GetPeer(r.id)
	require.ErrorIs(t, err, protocol.ErrItemNotFound)

	grant(t, p, tc, r, 20*time.Minute)
	e, err := p.GetPeer(r.id)
	require.NoError(t, err)
	require.True(t, e.Leased(tc.Clock.Now()))
	require.Equal(t, 1, p.expireLeases(tc.Clock.Now()))
}

func TestTrackedRendezvousCap(t *testing.T) {
	p, tc := newClient(t)

	// MinConnectedRdvs is 1, so at most two are tracked
	grant(t, p, tc, newRdv("rdv1", "10.0.0.1:9701"), 20*time.Minute)
	grant(t, p, tc, newRdv("rdv2", "10.0.0.2:9701"), 20*time.Minute)
	grant(t, p, tc, newRdv("rdv3", "10.0.0.3:9701"), 20*time.Minute)

	require.Len(t, p.GetPeers(), 2)
}

func TestMaintainProbesSeed(t *testing.T) {
	p, tc := newClient(t)
	seed := address.New(address.ProtocolTCP, "10.0.0.9:9701", "", "")
	tc.PeerView.SeedList = []*peer.Entry{peer.New(nil, seed)}

	require.Equal(t, 0, p.delayCount)
	nap := p.maintain(context.Background())
	require.Equal(t, FastNap, nap)
	require.Equal(t, 1, p.delayCount)

	probes := tc.PeerView.Probes()
	require.Len(t, probes, 1)
	require.True(t, probes[0].Equal(seed))

	// The seed became a candidate and was asked for a lease
	reqs := leaseRequests(tc)
	require.Len(t, reqs, 1)
	require.True(t, reqs[0].Dest.SameEndpoint(seed))
	require.Equal(t, p.AssignedID(), reqs[0].Dest.ServiceName)
	require.Equal(t, p.GroupUniq(), reqs[0].Dest.ServiceParam)

	// Nothing cached, so the network was asked
	require.Equal(t, 1, tc.Discovery.RemoteCalls())

	// Naps grow while nobody answers
	require.Equal(t, 2*FastNap, p.maintain(context.Background()))
	require.Equal(t, 4*FastNap, p.maintain(context.Background()))
	for i := 0; i < 10; i++ {
		nap = p.maintain(context.Background())
	}
	require.Equal(t, NormalNap, nap)

	// Once connected the fast naps reset
	grant(t, p, tc, newRdv("rdv1", "10.0.0.2:9701"), 20*time.Minute)
	require.Equal(t, NormalNap, p.maintain(context.Background()))
	require.Equal(t, 0, p.delayCount)
}

func TestMaintainProbesCachedAdvertisement(t *testing.T) {
	p, tc := newClient(t)
	r := newRdv("rdv1", "10.0.0.2:9701")
	tc.Discovery.Local = []*advertisement.Advertisement{r.adv}

	p.maintain(context.Background())

	probes := tc.PeerView.Probes()
	require.Len(t, probes, 1)
	require.True(t, probes[0].Equal(r.addr))
	require.Zero(t, tc.Discovery.RemoteCalls())
}

func TestMaintainConnectsToPeerView(t *testing.T) {
	p, tc := newClient(t)
	member := providertest.RemotePeer("rdv1", "10.0.0.2:9701")
	tc.PeerView.View = []*peer.Entry{member}

	p.maintain(context.Background())

	reqs := leaseRequests(tc)
	require.Len(t, reqs, 1)
	require.True(t, reqs[0].Dest.SameEndpoint(member.Address()))
}

func TestConnectBackoff(t *testing.T) {
	p, tc := newClient(t)
	e := p.addCandidate(address.New(address.ProtocolTCP, "10.0.0.2:9701", "", ""))
	ctx := context.Background()

	require.True(t, p.connectToPeer(ctx, e))
	tc.Clock.Add(5 * time.Second)
	require.False(t, p.connectToPeer(ctx, e))
	require.Len(t, leaseRequests(tc), 1)

	tc.Clock.Add(10 * time.Second)
	require.True(t, p.connectToPeer(ctx, e))
	require.Len(t, leaseRequests(tc), 2)

	// The interval is now 30s
	tc.Clock.Add(29 * time.Second)
	require.False(t, p.connectToPeer(ctx, e))
	tc.Clock.Add(time.Second)
	require.True(t, p.connectToPeer(ctx, e))

	// and stops growing at MaxRetryDelay
	for i := 0; i < 5; i++ {
		tc.Clock.Add(MaxRetryDelay)
		require.True(t, p.connectToPeer(ctx, e))
	}
	e.Lock()
	require.Equal(t, MaxRetryDelay, e.connectInterval)
	e.Unlock()
}

func TestLeaseRenewalAndExpiry(t *testing.T) {
	p, tc := newClient(t)
	r := newRdv("rdv1", "10.0.0.2:9701")
	grant(t, p, tc, r, 20*time.Minute)
	tc.Drain()
	ctx := context.Background()

	// Plenty of lease left
	require.Equal(t, NormalNap, p.maintain(ctx))
	require.Empty(t, leaseRequests(tc))

	// Under the renewal threshold
	tc.Clock.Add(16 * time.Minute)
	require.Equal(t, NormalNap, p.maintain(ctx))
	reqs := leaseRequests(tc)
	require.Len(t, reqs, 1)
	require.True(t, reqs[0].Dest.SameEndpoint(r.addr))

	// No answer, the lease lapses
	tc.Clock.Add(5 * time.Minute)
	p.maintain(ctx)
	ev := tc.NextEvent()
	require.NotNil(t, ev)
	require.Equal(t, provider.EventFailed, ev.Type)
	require.True(t, ev.PeerID.Equal(r.id))
	require.Empty(t, p.GetPeers())
}

func TestPropagate(t *testing.T) {
	p, tc := newClient(t)
	r := newRdv("rdv1", "10.0.0.2:9701")
	grant(t, p, tc, r, 20*time.Minute)

	require.NoError(t, p.Propagate(context.Background(), message.New(), "Svc", "Param", 5))

	// Delivered to ourselves first
	demuxed := tc.Endpoint.Demuxed()
	require.Len(t, demuxed, 1)
	require.Equal(t, "Svc", demuxed[0].Dest.ServiceName)

	sent := tc.Endpoint.Sent()
	require.Len(t, sent, 1)
	require.True(t, sent[0].Dest.SameEndpoint(r.addr))
	require.Equal(t, p.PropagateParam(), sent[0].Dest.ServiceParam)

	h, err := protocol.GetDiffusionHeader(sent[0].Msg)
	require.NoError(t, err)
	require.Equal(t, uint(2), h.TTL)
	require.Equal(t, protocol.PolicyBroadcast, h.Policy)
}

func TestPropagateExpiresUnreachable(t *testing.T) {
	p, tc := newClient(t)
	r := newRdv("rdv1", "10.0.0.2:9701")
	grant(t, p, tc, r, 20*time.Minute)
	tc.Endpoint.Unreachable(r.addr)

	require.NoError(t, p.Propagate(context.Background(), message.New(), "Svc", "", 1))

	e, err := p.GetPeer(r.id)
	require.NoError(t, err)
	require.False(t, e.Leased(tc.Clock.Now()))
}

func TestWalk(t *testing.T) {
	p, tc := newClient(t)
	r := newRdv("rdv1", "10.0.0.2:9701")
	grant(t, p, tc, r, 20*time.Minute)

	require.NoError(t, p.Walk(context.Background(), message.New(), "Svc", "Param", nil))
	require.Empty(t, tc.Endpoint.Demuxed())

	sent := tc.Endpoint.Sent()
	require.Len(t, sent, 1)
	h, err := protocol.GetDiffusionHeader(sent[0].Msg)
	require.NoError(t, err)
	require.Equal(t, uint(WalkTTL), h.TTL)
	require.Equal(t, protocol.PolicyMulticast, h.Policy)
	require.Equal(t, protocol.ScopeGlobal, h.Scope)
	require.Nil(t, h.TargetHash)

	th := "beef"
	tc.Endpoint.Reset()
	require.NoError(t, p.Walk(context.Background(), message.New(), "Svc", "Param", &th))
	sent = tc.Endpoint.Sent()
	require.Len(t, sent, 1)
	h, err = protocol.GetDiffusionHeader(sent[0].Msg)
	require.NoError(t, err)
	require.Equal(t, protocol.PolicyTraversal, h.Policy)
	require.Equal(t, "beef", *h.TargetHash)

	// Continuing a walk for another service is refused
	err = p.Walk(context.Background(), sent[0].Msg, "Other", "Param", nil)
	require.ErrorIs(t, err, protocol.ErrInvalidArgument)
}

func TestStopDisconnects(t *testing.T) {
	tc := providertest.NewContext("edge")
	p := New()
	require.NoError(t, p.Init(tc.ServiceContext))
	require.NoError(t, p.Start(context.Background()))

	r := newRdv("rdv1", "10.0.0.2:9701")
	grant(t, p, tc, r, 20*time.Minute)
	tc.Endpoint.Reset()

	require.NoError(t, p.Stop())
	require.False(t, tc.Endpoint.HasListener(p.AssignedID(), p.GroupUniq()))
	require.False(t, tc.Endpoint.HasListener(p.AssignedID(), p.PropagateParam()))

	sent := tc.Endpoint.Sent()
	require.Len(t, sent, 1)
	id, err := sent[0].Msg.GetString(protocol.Namespace, protocol.Disconnect)
	require.NoError(t, err)
	require.Equal(t, tc.PeerID.String(), id)
	require.Empty(t, p.GetPeers())

	// Stopping again is harmless
	require.NoError(t, p.Stop())
}

func TestWorkerRunsOnClock(t *testing.T) {
	tc := providertest.NewContext("edge")
	seed := address.New(address.ProtocolTCP, "10.0.0.9:9701", "", "")
	tc.PeerView.SeedList = []*peer.Entry{peer.New(nil, seed)}

	p := New()
	require.NoError(t, p.Init(tc.ServiceContext))
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool {
		tc.Clock.Add(StartNap)
		return len(tc.PeerView.Probes()) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
}
