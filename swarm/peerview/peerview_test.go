package peerview

import (
	"context"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/oid"
	"jxta/swarm/protocol"
	"jxta/swarm/provider/providertest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

var group = oid.FromName(oid.OidTypeGroup, "test-group")

func newAdv(id *oid.Oid, kind advertisement.Kind, hostport string) *advertisement.Advertisement {
	return &advertisement.Advertisement{
		Kind:      kind,
		PeerID:    *id,
		GroupID:   *group,
		Addresses: []string{"tcp://" + hostport},
	}
}

func newView(t *testing.T, local *oid.Oid, rendezvous bool) (*PeerView, *providertest.Endpoint, *clock.Mock) {
	ep := providertest.NewEndpoint()
	clk := clock.NewMock()
	pv := New(newAdv(local, advertisement.KindPeer, "127.0.0.1:9701"), ep, clk, Config{
		Rendezvous: rendezvous,
		Seeds:      []*address.Address{address.New(address.ProtocolTCP, "10.0.0.1:9701", "", "")},
	})
	require.NoError(t, pv.Start())
	t.Cleanup(func() { pv.Stop() })
	return pv, ep, clk
}

func deliver(t *testing.T, pv *PeerView, ep *providertest.Endpoint, kind string, adv *advertisement.Advertisement) {
	raw, err := adv.Bytes()
	require.NoError(t, err)
	msg := message.New()
	msg.Add(message.NewElement(protocol.Namespace, kind, message.MimeCBOR, raw))
	require.True(t, ep.Deliver(protocol.PeerViewServiceName, pv.groupUniq, msg, nil))
}

// ids returns n peer ids sorted ascending.
func ids(n int) []*oid.Oid {
	out := make([]*oid.Oid, n)
	for i := range out {
		hash := make([]byte, 32)
		hash[0] = byte(i + 1)
		id, err := oid.Encode(oid.OidTypePeer, hash)
		if err != nil {
			panic(err)
		}
		out[i] = id
	}
	return out
}

func TestUpDown(t *testing.T) {
	all := ids(5)
	pv, ep, _ := newView(t, all[2], true)

	require.Nil(t, pv.UpPeer())
	require.Nil(t, pv.DownPeer())

	for i, id := range all {
		if i == 2 {
			continue
		}
		deliver(t, pv, ep, protocol.PeerViewResponse, newAdv(id, advertisement.KindRdv, "10.0.0.1:970"+string(rune('0'+i))))
	}

	require.Equal(t, 4, pv.LocalViewSize())
	require.True(t, pv.UpPeer().PeerID().Equal(all[3]))
	require.True(t, pv.DownPeer().PeerID().Equal(all[1]))

	view := pv.LocalView()
	for i := 1; i < len(view); i++ {
		require.Negative(t, view[i-1].PeerID().Compare(view[i].PeerID()))
	}
}

func TestEdgePeersAreNotMembers(t *testing.T) {
	all := ids(2)
	pv, ep, _ := newView(t, all[0], true)

	deliver(t, pv, ep, protocol.PeerViewProbe, newAdv(all[1], advertisement.KindPeer, "10.0.0.5:9701"))
	require.Zero(t, pv.LocalViewSize())

	// A rendezvous still answers the edge
	sent := ep.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "10.0.0.5:9701", sent[0].Dest.ProtocolAddress)
	require.Equal(t, protocol.PeerViewServiceName, sent[0].Dest.ServiceName)
	el, err := sent[0].Msg.Get(protocol.Namespace, protocol.PeerViewResponse)
	require.NoError(t, err)
	adv, err := advertisement.Parse(el.Value)
	require.NoError(t, err)
	require.Equal(t, advertisement.KindRdv, adv.Kind)
}

func TestEdgeDoesNotAnswer(t *testing.T) {
	all := ids(2)
	pv, ep, _ := newView(t, all[0], false)

	deliver(t, pv, ep, protocol.PeerViewProbe, newAdv(all[1], advertisement.KindRdv, "10.0.0.5:9701"))
	require.Equal(t, 1, pv.LocalViewSize())
	require.Empty(t, ep.Sent())
}

func TestMembersExpire(t *testing.T) {
	all := ids(2)
	pv, ep, clk := newView(t, all[0], false)

	deliver(t, pv, ep, protocol.PeerViewResponse, newAdv(all[1], advertisement.KindRdv, "10.0.0.5:9701"))
	require.Equal(t, 1, pv.LocalViewSize())

	clk.Add(MemberLifetime - time.Second)
	deliver(t, pv, ep, protocol.PeerViewResponse, newAdv(all[1], advertisement.KindRdv, "10.0.0.5:9701"))
	clk.Add(MemberLifetime - 2*time.Second)
	require.Equal(t, 1, pv.LocalViewSize())

	clk.Add(2 * time.Second)
	require.Zero(t, pv.LocalViewSize())
	pv.expire()
	require.Zero(t, pv.members.Len())
}

func TestRefreshProbesSeeds(t *testing.T) {
	all := ids(2)
	pv, ep, _ := newView(t, all[0], true)
	deliver(t, pv, ep, protocol.PeerViewResponse, newAdv(all[1], advertisement.KindRdv, "10.0.0.5:9701"))

	require.NoError(t, pv.refresh(context.Background()))

	var probes, requests int
	for _, s := range ep.Sent() {
		if _, err := s.Msg.Get(protocol.Namespace, protocol.PeerViewProbe); err == nil {
			require.Equal(t, "10.0.0.1:9701", s.Dest.ProtocolAddress)
			probes++
		}
		if _, err := s.Msg.Get(protocol.Namespace, protocol.PeerViewRequest); err == nil {
			require.Equal(t, "10.0.0.5:9701", s.Dest.ProtocolAddress)
			requests++
		}
	}
	require.Equal(t, 1, probes)
	require.Equal(t, 1, requests)

	seeds := pv.Seeds()
	require.Len(t, seeds, 1)
	require.Nil(t, seeds[0].PeerID())
}

func TestIgnoresSelf(t *testing.T) {
	all := ids(1)
	pv, ep, _ := newView(t, all[0], true)
	deliver(t, pv, ep, protocol.PeerViewProbe, newAdv(all[0], advertisement.KindRdv, "127.0.0.1:9701"))
	require.Zero(t, pv.LocalViewSize())
	require.Empty(t, ep.Sent())
}
