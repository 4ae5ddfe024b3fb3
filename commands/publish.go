package commands

import (
	"context"
	"jxta/config"
	"jxta/datamodel/message"
	"jxta/swarm/provider"
	"time"

	log "github.com/sirupsen/logrus"
)

type PublishOptions struct {
	Service string
	Param   string
	Text    string
	TTL     int
	Wait    time.Duration // How long to wait for a rendezvous
}

// RunPublish joins the group, propagates one text message and leaves.
func RunPublish(ctx context.Context, cfg *config.Config, opts PublishOptions) {
	n, release := openNode(cfg)
	defer release()

	events, unsubscribe := n.Events(16)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	ready := cfg.Rendezvous.Role != config.RoleClient
	timeout := time.After(opts.Wait)
	for !ready {
		select {
		case ev := <-events:
			ready = ev.Type == provider.EventConnected || ev.Type == provider.EventReconnected
		case <-timeout:
			log.Warnf("No rendezvous after %v, publishing anyway", opts.Wait)
			ready = true
		case <-ctx.Done():
			cancel()
			<-done
			return
		}
	}

	msg := message.New()
	msg.Add(message.NewStringElement("app", "text", opts.Text))
	if err := n.Propagate(ctx, msg, opts.Service, opts.Param, opts.TTL); err != nil {
		log.Errorf("Failed to propagate: %v", err)
	} else {
		log.Infof("Propagated %s to %s/%s", msg.ID, opts.Service, opts.Param)
	}

	// Give the transports a moment to flush
	time.Sleep(500 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		log.Errorf("Node stopped with error: %v", err)
	}
}
