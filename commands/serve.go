package commands

import (
	"context"
	"jxta/config"
	"jxta/datastore/leveldb"
	"jxta/net/mpubsub"
	"jxta/swarm/node"
	"net"

	log "github.com/sirupsen/logrus"
)

// openNode creates the storage and the transports of a node. release closes the storage.
func openNode(cfg *config.Config) (n *node.Node, release func()) {
	idx, err := leveldb.NewAdvIndex(cfg.DataStore.Advertisements)
	if err != nil {
		log.Fatalf("Failed to create advertisement index: %v", err)
	}

	l, err := net.Listen("tcp", cfg.Network.TCPListen)
	if err != nil {
		log.Fatalf("Failed to create TCP listener: %v", err)
	}
	log.Infof("TCP transport listening on %s", l.Addr())

	var pubsub *mpubsub.PubSub
	if cfg.Network.Multicast != "" {
		pubsub, err = mpubsub.Join(cfg.Network.Multicast)
		if err != nil {
			log.Fatalf("Failed to join multicast group: %v", err)
		}
	}

	n, err = node.New(cfg, idx, l, pubsub)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	return n, func() {
		if err := idx.Close(); err != nil {
			log.Errorf("Failed to close advertisement index: %v", err)
		}
	}
}

func RunServe(ctx context.Context, cfg *config.Config) {
	n, release := openNode(cfg)
	defer release()

	events, unsubscribe := n.Events(64)
	defer unsubscribe()
	go func() {
		for ev := range events {
			log.Infof("Rendezvous event: %s %s", ev.Type, ev.PeerID)
		}
	}()

	if err := n.Run(ctx); err != nil {
		log.Fatalf("Failed to run node: %v", err)
	}
	log.Info("Node stopped")
}
