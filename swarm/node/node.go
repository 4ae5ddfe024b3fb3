// Package node wires a peer together: transports, endpoint, peerview, discovery, metrics
// and the rendezvous provider of the configured role.
package node

import (
	"context"
	"errors"
	"fmt"
	"jxta/config"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/helper/timer"
	"jxta/net/endpoint"
	"jxta/net/mpubsub"
	"jxta/net/tcp"
	"jxta/oid"
	"jxta/swarm/adhoc"
	"jxta/swarm/client"
	"jxta/swarm/discovery"
	"jxta/swarm/monitor"
	"jxta/swarm/peer"
	"jxta/swarm/peerview"
	"jxta/swarm/provider"
	"jxta/swarm/server"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const advertisementRefresh = 5 * time.Minute

type Node struct {
	// Identity
	PeerID   *oid.Oid
	GroupID  *oid.Oid
	LocalAdv *advertisement.Advertisement

	// Networking
	Endpoint *endpoint.Service
	TCP      *tcp.Transport
	PubSub   *mpubsub.PubSub

	// Services
	PeerView  *peerview.PeerView
	Discovery *discovery.Discovery
	Monitor   *monitor.Monitor
	Bus       *provider.Bus
	Provider  provider.Provider

	role          string
	maxTTL        int
	metricsListen string
}

func newProvider(role string) provider.Provider {
	switch role {
	case config.RoleAdhoc:
		return adhoc.New()
	case config.RoleServer:
		return server.New()
	default:
		return client.New()
	}
}

// New builds a node around the given advertisement index, TCP listener and multicast
// group. pubsub may be nil to run without multicast.
func New(cfg *config.Config, index advertisement.Index, listener net.Listener, pubsub *mpubsub.PubSub) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seeds, err := cfg.SeedAddresses()
	if err != nil {
		return nil, err
	}

	n := &Node{
		PeerID:        cfg.Node.PeerID,
		GroupID:       cfg.Node.GroupID,
		PubSub:        pubsub,
		role:          cfg.Rendezvous.Role,
		maxTTL:        cfg.Rendezvous.MaxTTL,
		metricsListen: cfg.Metrics.Listen,
	}

	n.TCP, err = tcp.New(listener, tcp.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	var addrs []*address.Address
	if cfg.Network.TCPAdvertised != "" {
		addrs = append(addrs, address.New(address.ProtocolTCP, cfg.Network.TCPAdvertised, "", ""))
	} else {
		addrs = n.TCP.Addrs()
	}
	if len(addrs) == 0 {
		return nil, errors.New("no addresses to advertise")
	}

	n.Endpoint = endpoint.New(n.PeerID)
	n.Endpoint.AddUnicast(address.ProtocolTCP, n.TCP)
	if pubsub != nil {
		n.Endpoint.SetMulticast(pubsub)
	}
	n.Endpoint.SetLocalAddresses(addrs)

	n.LocalAdv = &advertisement.Advertisement{
		Kind:    advertisement.KindPeer,
		PeerID:  *n.PeerID,
		GroupID: *n.GroupID,
		Name:    cfg.Node.Name,
	}
	for _, a := range addrs {
		n.LocalAdv.Addresses = append(n.LocalAdv.Addresses, a.String())
	}

	clk := clock.New()
	n.PeerView = peerview.New(n.LocalAdv, n.Endpoint, clk, peerview.Config{
		Seeds:      seeds,
		Rendezvous: n.role == config.RoleServer,
	})
	n.Discovery = discovery.New(n.LocalAdv, n.Endpoint, index, clk)
	n.Monitor = monitor.New(prometheus.NewRegistry())
	n.Bus = provider.NewBus()

	n.Provider = newProvider(n.role)
	err = n.Provider.Init(&provider.ServiceContext{
		PeerID:    n.PeerID,
		GroupID:   n.GroupID,
		LocalAdv:  n.LocalAdv,
		Endpoint:  n.Endpoint,
		PeerView:  n.PeerView,
		Discovery: n.Discovery,
		Bus:       n.Bus,
		Metrics:   n.Monitor,
		Clock:     clk,
		Config: provider.Config{
			MaxTTL:           cfg.Rendezvous.MaxTTL,
			LeaseDuration:    cfg.LeaseDuration(),
			MaxClients:       cfg.Rendezvous.MaxClients,
			MinConnectedRdvs: cfg.Rendezvous.MinConnectedRdvs,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("node: %s provider: %w", n.role, err)
	}

	// Discovery queries travel through the rendezvous network
	n.Discovery.SetPropagator(func(ctx context.Context, msg *message.Message, serviceName, serviceParam string) error {
		return n.Provider.Propagate(ctx, msg, serviceName, serviceParam, n.maxTTL)
	})

	if n.role == config.RoleServer {
		n.Discovery.SetWalker(func(ctx context.Context, msg *message.Message, serviceName, serviceParam string) error {
			return n.Provider.Walk(ctx, msg, serviceName, serviceParam, nil)
		})
	}

	log.Infof("I am %s (%s) in group %s, reachable at %s", n.PeerID, n.role, n.GroupID, n.LocalAdv.Addresses)

	return n, nil
}

// This is run via the RunWithTicker() helper
func (n *Node) publishAdvertisements(ctx context.Context) error {
	lifetime := 2 * advertisementRefresh
	if err := n.Discovery.Publish(n.LocalAdv, lifetime); err != nil {
		log.Errorf("Failed to publish peer advertisement: %v", err)
	}
	if n.role == config.RoleServer {
		if err := n.Discovery.Publish(n.LocalAdv.AsKind(advertisement.KindRdv), lifetime); err != nil {
			log.Errorf("Failed to publish rendezvous advertisement: %v", err)
		}
	}
	return nil
}

func (n *Node) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.Monitor.Handler())
	srv := &http.Server{Addr: n.metricsListen, Handler: mux}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Infof("Serving metrics on %s", n.metricsListen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (n *Node) runProvider(ctx context.Context) error {
	if err := n.Provider.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return n.Provider.Stop()
}

// Run serves the node until ctx ends or a component fails.
func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Endpoint.Run(cctx)
	})

	wg.Go(func() error {
		return n.PeerView.Run(cctx)
	})

	wg.Go(func() error {
		return n.Discovery.Run(cctx)
	})

	wg.Go(func() error {
		return n.Monitor.Observe(cctx, n.Bus)
	})

	if n.metricsListen != "" {
		wg.Go(func() error {
			return n.serveMetrics(cctx)
		})
	}

	wg.Go(func() error {
		n.publishAdvertisements(cctx)
		interval := &timer.Interval{
			Duration: advertisementRefresh,
			Jitter:   10 * time.Second,
		}
		if err := timer.RunWithTicker(cctx, interval, n.publishAdvertisements); cctx.Err() == nil {
			return err
		}
		return nil
	})

	wg.Go(func() error {
		return n.runProvider(cctx)
	})

	err := wg.Wait()
	return multierr.Combine(err, n.TCP.Close())
}

// Propagate floods msg to serviceName/serviceParam on every peer of the group.
func (n *Node) Propagate(ctx context.Context, msg *message.Message, serviceName, serviceParam string, ttl int) error {
	return n.Provider.Propagate(ctx, msg, serviceName, serviceParam, ttl)
}

func (n *Node) Walk(ctx context.Context, msg *message.Message, serviceName, serviceParam string, targetHash *string) error {
	return n.Provider.Walk(ctx, msg, serviceName, serviceParam, targetHash)
}

// Peers returns the rendezvous (edge role) or clients (rendezvous role) we hold leases with.
func (n *Node) Peers() []*peer.Entry {
	return n.Provider.GetPeers()
}

// Events subscribes to rendezvous events. Call the returned function to unsubscribe.
func (n *Node) Events(buffer int) (<-chan *provider.Event, func()) {
	id, ch := n.Bus.Subscribe(buffer)
	return ch, func() { n.Bus.Unsubscribe(id) }
}

// AddListener registers an application listener on the group.
func (n *Node) AddListener(serviceName, serviceParam string, l endpoint.Listener) error {
	return n.Endpoint.AddListener(serviceName, serviceParam, l)
}

func (n *Node) RemoveListener(serviceName, serviceParam string) error {
	return n.Endpoint.RemoveListener(serviceName, serviceParam)
}
