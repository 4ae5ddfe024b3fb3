// Package discovery caches advertisements and looks for more on the network.
package discovery

import (
	"context"
	"fmt"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/helper/timer"
	"jxta/oid"
	"jxta/swarm/protocol"
	"jxta/swarm/provider"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const (
	PurgePeriod = 5 * time.Minute

	// Lifetime of advertisements learned from responses
	DefaultLifetime = 20 * time.Minute
)

type query struct {
	Querier   oid.Oid            `cbor:"1,keyasint"`
	Kind      advertisement.Kind `cbor:"2,keyasint"`
	Threshold int                `cbor:"3,keyasint,omitempty"`
	ReplyTo   string             `cbor:"4,keyasint,omitempty"`
}

type response struct {
	Advertisements []*advertisement.Advertisement `cbor:"1,keyasint"`
	LifetimeMs     int64                          `cbor:"2,keyasint,omitempty"`
}

// PropagateFunc floods a message to the group, usually through the rendezvous provider.
type PropagateFunc func(ctx context.Context, msg *message.Message, serviceName, serviceParam string) error

// WalkFunc carries a walked query on to the next rendezvous.
type WalkFunc func(ctx context.Context, msg *message.Message, serviceName, serviceParam string) error

type Discovery struct {
	localAdv  *advertisement.Advertisement
	groupUniq string
	endpoint  provider.Endpoint
	index     advertisement.Index
	clk       clock.Clock

	mu        sync.Mutex
	propagate PropagateFunc
	walk      WalkFunc
	arrived   chan struct{} // Closed and replaced when a response is stored

	sg singleflight.Group
}

func New(localAdv *advertisement.Advertisement, endpoint provider.Endpoint, index advertisement.Index, clk clock.Clock) *Discovery {
	if clk == nil {
		clk = clock.New()
	}
	d := &Discovery{
		localAdv:  localAdv,
		groupUniq: localAdv.GroupID.UniquePortion(),
		endpoint:  endpoint,
		index:     index,
		clk:       clk,
		arrived:   make(chan struct{}),
	}
	d.propagate = endpoint.Propagate
	return d
}

// SetPropagator replaces the endpoint multicast used to send queries.
func (d *Discovery) SetPropagator(f PropagateFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.propagate = f
}

// SetWalker makes a rendezvous continue the walk of every walked query it answers. Without
// one, walked queries are only answered.
func (d *Discovery) SetWalker(f WalkFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.walk = f
}

func (d *Discovery) Start() error {
	return d.endpoint.AddListener(protocol.DiscoveryServiceName, d.groupUniq, d.listener)
}

func (d *Discovery) Stop() error {
	return d.endpoint.RemoveListener(protocol.DiscoveryServiceName, d.groupUniq)
}

// Run answers queries and purges expired advertisements until ctx ends.
func (d *Discovery) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	interval := &timer.Interval{
		Duration: PurgePeriod,
		Jitter:   10 * time.Second,
	}
	err := timer.RunWithTicker(ctx, interval, d.purge)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Discovery) purge(ctx context.Context) error {
	n, err := d.index.Purge(d.clk.Now())
	if err != nil {
		return fmt.Errorf("discovery: purge: %w", err)
	}
	if n > 0 {
		log.Debugf("discovery: purged %d advertisements", n)
	}
	return nil
}

func (d *Discovery) Publish(adv *advertisement.Advertisement, lifetime time.Duration) error {
	return d.index.Put(adv, d.clk.Now().Add(lifetime))
}

func (d *Discovery) LocalAdvertisements(kind advertisement.Kind) ([]*advertisement.Advertisement, error) {
	records, err := d.index.Enumerate(kind, d.clk.Now())
	if err != nil {
		return nil, err
	}
	advs := make([]*advertisement.Advertisement, 0, len(records))
	for _, r := range records {
		advs = append(advs, r.Advertisement)
	}
	return advs, nil
}

// RemoteAdvertisements queries the group and waits until threshold advertisements of kind
// are cached or ctx ends. Concurrent queries for the same kind share one round trip.
func (d *Discovery) RemoteAdvertisements(ctx context.Context, kind advertisement.Kind, threshold int) ([]*advertisement.Advertisement, error) {
	v, err, shared := d.sg.Do(kind.String(), func() (interface{}, error) {
		return d.remote(ctx, kind, threshold)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debugf("discovery: joined a running %s query", kind)
	}
	return v.([]*advertisement.Advertisement), nil
}

func (d *Discovery) remote(ctx context.Context, kind advertisement.Kind, threshold int) ([]*advertisement.Advertisement, error) {
	if threshold < 1 {
		threshold = 1
	}

	q := &query{
		Querier:   d.localAdv.PeerID,
		Kind:      kind,
		Threshold: threshold,
	}
	if len(d.localAdv.Addresses) > 0 {
		q.ReplyTo = d.localAdv.Addresses[0]
	}
	raw, err := cbor.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("discovery: %v: %w", err, protocol.ErrFailed)
	}

	msg := message.New()
	msg.Add(message.NewElement(protocol.Namespace, protocol.DiscoveryQuery, message.MimeCBOR, raw))

	d.mu.Lock()
	propagate := d.propagate
	d.mu.Unlock()

	if err := propagate(ctx, msg, protocol.DiscoveryServiceName, d.groupUniq); err != nil {
		return nil, fmt.Errorf("discovery: query: %w", err)
	}

	for {
		d.mu.Lock()
		arrived := d.arrived
		d.mu.Unlock()

		advs, err := d.LocalAdvertisements(kind)
		if err != nil {
			return nil, err
		}
		if len(advs) >= threshold {
			return advs, nil
		}

		select {
		case <-arrived:
		case <-ctx.Done():
			if len(advs) > 0 {
				return advs, nil
			}
			return nil, ctx.Err()
		}
	}
}

func (d *Discovery) listener(msg *message.Message, src, dest *address.Address) {
	if el, err := msg.Get(protocol.Namespace, protocol.DiscoveryQuery); err == nil {
		q := &query{}
		if err := cbor.Unmarshal(el.Value, q); err != nil {
			log.Warnf("discovery: bad query from %s: %v", src, err)
			return
		}
		d.answer(q, src)
		d.continueWalk(msg)
		return
	}

	if el, err := msg.Get(protocol.Namespace, protocol.DiscoveryResponse); err == nil {
		r := &response{}
		if err := cbor.Unmarshal(el.Value, r); err != nil {
			log.Warnf("discovery: bad response from %s: %v", src, err)
			return
		}
		d.store(r)
	}
}

func (d *Discovery) continueWalk(msg *message.Message) {
	if _, err := msg.Get(protocol.Namespace, protocol.LimitedRangeRdvMessage); err != nil {
		return
	}

	d.mu.Lock()
	walk := d.walk
	d.mu.Unlock()
	if walk == nil {
		return
	}

	if err := walk(context.Background(), msg, protocol.DiscoveryServiceName, d.groupUniq); err != nil {
		log.Debugf("discovery: walk of %s stopped: %v", msg.ID, err)
	}
}

func (d *Discovery) answer(q *query, src *address.Address) {
	if q.Querier.Equal(&d.localAdv.PeerID) {
		return
	}

	var to *address.Address
	if q.ReplyTo != "" {
		to, _ = address.Parse(q.ReplyTo)
	}
	if to == nil && src != nil && src.Protocol != address.ProtocolJxta {
		to = src
	}
	if to == nil {
		log.Debugf("discovery: no reply address for query of %s", &q.Querier)
		return
	}

	advs, err := d.LocalAdvertisements(q.Kind)
	if err != nil {
		log.Warnf("discovery: %v", err)
		return
	}
	if q.Threshold > 0 && len(advs) > q.Threshold {
		advs = advs[:q.Threshold]
	}
	if len(advs) == 0 {
		return
	}

	raw, err := cbor.Marshal(&response{Advertisements: advs, LifetimeMs: DefaultLifetime.Milliseconds()})
	if err != nil {
		log.Errorf("discovery: %v", err)
		return
	}
	reply := message.New()
	reply.Add(message.NewElement(protocol.Namespace, protocol.DiscoveryResponse, message.MimeCBOR, raw))
	if err := d.endpoint.Send(context.Background(), reply, to.WithService(protocol.DiscoveryServiceName, d.groupUniq)); err != nil {
		log.Debugf("discovery: response to %s failed: %v", to, err)
	}
}

func (d *Discovery) store(r *response) {
	lifetime := time.Duration(r.LifetimeMs) * time.Millisecond
	if lifetime <= 0 || lifetime > DefaultLifetime {
		lifetime = DefaultLifetime
	}

	stored := 0
	for _, adv := range r.Advertisements {
		if adv == nil || adv.Validate() != nil {
			continue
		}
		if adv.PeerID.Equal(&d.localAdv.PeerID) {
			continue
		}
		if err := d.Publish(adv, lifetime); err != nil {
			log.Warnf("discovery: could not cache %s: %v", &adv.PeerID, err)
			continue
		}
		stored++
	}
	if stored == 0 {
		return
	}

	d.mu.Lock()
	close(d.arrived)
	d.arrived = make(chan struct{})
	d.mu.Unlock()
}
