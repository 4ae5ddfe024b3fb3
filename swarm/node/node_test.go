package node

import (
	"context"
	"jxta/config"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/datastore/leveldb"
	"jxta/oid"
	"jxta/swarm/provider"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T, role string, seeds ...string) *Node {
	id, err := oid.Random(oid.OidTypePeer)
	require.NoError(t, err)
	return newNodeWithID(t, id, role, seeds...)
}

func newNodeWithID(t *testing.T, id *oid.Oid, role string, seeds ...string) *Node {
	cfg := config.NewEmptyConfig("unused")
	cfg.Node.PeerID = id
	cfg.Node.Name = role
	cfg.Network.Multicast = ""
	cfg.Rendezvous.Role = role
	cfg.Rendezvous.Seeds = seeds

	idx, err := leveldb.NewAdvIndex(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	n, err := New(cfg, idx, l, nil)
	require.NoError(t, err)
	return n
}

func run(t *testing.T, n *Node) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("node did not stop")
		}
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.NewEmptyConfig("unused")
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, err = New(cfg, nil, l, nil)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestProviderForRole(t *testing.T) {
	for _, role := range []string{config.RoleAdhoc, config.RoleClient, config.RoleServer} {
		n := newNode(t, role)
		require.Equal(t, role, n.Provider.Role())
		require.Equal(t, "tcp://"+n.TCP.Addrs()[0].ProtocolAddress, n.LocalAdv.Addresses[0])
	}
}

func TestEdgeLeasesFromRendezvous(t *testing.T) {
	if testing.Short() {
		t.Skip("runs two peers over loopback")
	}

	rdv := newNode(t, config.RoleServer)
	edge := newNode(t, config.RoleClient, rdv.LocalAdv.Addresses[0])

	received := make(chan *message.Message, 1)
	require.NoError(t, rdv.AddListener("App", "Param", func(msg *message.Message, src, dest *address.Address) {
		received <- msg
	}))

	events, unsubscribe := edge.Events(16)
	defer unsubscribe()

	run(t, rdv)
	run(t, edge)

	deadline := time.After(30 * time.Second)
	for connected := false; !connected; {
		select {
		case ev := <-events:
			connected = ev.Type == provider.EventConnected && ev.PeerID.Equal(rdv.PeerID)
		case <-deadline:
			t.Fatal("edge never leased from the rendezvous")
		}
	}

	require.Len(t, edge.Peers(), 1)
	require.Eventually(t, func() bool { return len(rdv.Peers()) == 1 }, 5*time.Second, 50*time.Millisecond)

	msg := message.New()
	msg.Add(message.NewStringElement("app", "body", "hello"))
	require.NoError(t, edge.Propagate(context.Background(), msg, "App", "Param", 2))

	select {
	case got := <-received:
		require.Equal(t, msg.ID, got.ID)
		body, err := got.GetString("app", "body")
		require.NoError(t, err)
		require.Equal(t, "hello", body)
	case <-time.After(10 * time.Second):
		t.Fatal("propagated message never reached the rendezvous")
	}
}

func TestWalkedQueryReachesThirdRendezvous(t *testing.T) {
	if testing.Short() {
		t.Skip("runs four peers over loopback")
	}

	// Ids ascend with the index, so the first rendezvous has only an Up neighbour
	rdvs := make([]*Node, 4)
	for i := range rdvs {
		hash := make([]byte, 32)
		hash[0] = byte(i + 1)
		id, err := oid.Encode(oid.OidTypePeer, hash)
		require.NoError(t, err)
		rdvs[i] = newNodeWithID(t, id, config.RoleServer)
	}
	for _, n := range rdvs {
		run(t, n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		complete := true
		for _, n := range rdvs {
			if n.PeerView.LocalViewSize() == len(rdvs)-1 {
				continue
			}
			complete = false
			for _, other := range rdvs {
				if other == n {
					continue
				}
				if addr, err := address.Parse(other.LocalAdv.Addresses[0]); err == nil {
					n.PeerView.SendRdvProbe(ctx, addr)
				}
			}
		}
		return complete
	}, 20*time.Second, 200*time.Millisecond)

	// A view of 3 gives the walk a ttl of 2: first -> second -> third
	_, err := rdvs[0].Discovery.RemoteAdvertisements(ctx, advertisement.KindPeer, 3)
	require.NoError(t, err)

	cached := func(id *oid.Oid) bool {
		advs, _ := rdvs[0].Discovery.LocalAdvertisements(advertisement.KindPeer)
		for _, adv := range advs {
			if adv.PeerID.Equal(id) {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		return cached(rdvs[1].PeerID) && cached(rdvs[2].PeerID)
	}, 10*time.Second, 50*time.Millisecond)
}
