// Package peerview keeps track of the rendezvous peers of a group. It orders them by id so
// a rendezvous knows its neighbours for the limited range walk, and feeds edge peers with
// rendezvous they can lease from.
package peerview

import (
	"context"
	"fmt"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/helper/hashtable"
	"jxta/helper/timer"
	"jxta/oid"
	"jxta/swarm/peer"
	"jxta/swarm/protocol"
	"jxta/swarm/provider"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

const (
	MemberLifetime = 20 * time.Minute
	RefreshPeriod  = 30 * time.Second
	refreshJitter  = 5 * time.Second
)

type Config struct {
	// Seeds are rendezvous addresses probed to join the view
	Seeds []*address.Address

	// Rendezvous peers answer probes and count themselves in the view
	Rendezvous bool
}

type PeerView struct {
	localAdv  *advertisement.Advertisement
	groupUniq string
	endpoint  provider.Endpoint
	clk       clock.Clock
	cfg       Config

	members *hashtable.Table[oid.Oid, *peer.Entry]
}

func New(localAdv *advertisement.Advertisement, endpoint provider.Endpoint, clk clock.Clock, cfg Config) *PeerView {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerView{
		localAdv:  localAdv,
		groupUniq: localAdv.GroupID.UniquePortion(),
		endpoint:  endpoint,
		clk:       clk,
		cfg:       cfg,
		members:   peer.NewTable[*peer.Entry](16),
	}
}

func (pv *PeerView) localID() *oid.Oid {
	return &pv.localAdv.PeerID
}

func (pv *PeerView) serviceAddress(addr *address.Address) *address.Address {
	return addr.WithService(protocol.PeerViewServiceName, pv.groupUniq)
}

// Start registers the peerview listener.
func (pv *PeerView) Start() error {
	return pv.endpoint.AddListener(protocol.PeerViewServiceName, pv.groupUniq, pv.listener)
}

func (pv *PeerView) Stop() error {
	return pv.endpoint.RemoveListener(protocol.PeerViewServiceName, pv.groupUniq)
}

// Run keeps the view fresh until ctx ends: it expires silent members and, on a
// rendezvous, probes the seeds and asks the members for news.
func (pv *PeerView) Run(ctx context.Context) error {
	if err := pv.Start(); err != nil {
		return err
	}
	defer pv.Stop()

	pv.refresh(ctx)

	interval := &timer.Interval{
		Duration: RefreshPeriod,
		Jitter:   refreshJitter,
	}
	err := timer.RunWithTicker(ctx, interval, pv.refresh)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (pv *PeerView) refresh(ctx context.Context) error {
	pv.expire()

	if !pv.cfg.Rendezvous {
		return nil
	}

	for _, s := range pv.cfg.Seeds {
		if err := pv.SendRdvProbe(ctx, s); err != nil {
			log.Debugf("peerview: probe of seed %s failed: %v", s, err)
		}
	}
	for _, m := range pv.members.Values() {
		if addr := m.Address(); addr != nil {
			if err := pv.SendRdvRequest(ctx, addr); err != nil {
				log.Debugf("peerview: request to %s failed: %v", addr, err)
			}
		}
	}
	return nil
}

func (pv *PeerView) expire() {
	now := pv.clk.Now()
	for _, m := range pv.members.Values() {
		if m.Expires().After(now) {
			continue
		}
		id := m.PeerID()
		if err := pv.members.DeleteCheck(*id, m); err == nil {
			log.WithField("rdv", id.String()).Info("peerview: member expired")
		}
	}
}

// sorted returns the live members ordered by id.
func (pv *PeerView) sorted() []*peer.Entry {
	now := pv.clk.Now()
	var out []*peer.Entry
	for _, m := range pv.members.Values() {
		if m.Expires().After(now) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b *peer.Entry) int {
		return a.PeerID().Compare(b.PeerID())
	})
	return out
}

// UpPeer is the member with the smallest id above ours, nil if there is none.
func (pv *PeerView) UpPeer() *peer.Entry {
	for _, m := range pv.sorted() {
		if m.PeerID().Compare(pv.localID()) > 0 {
			return m
		}
	}
	return nil
}

// DownPeer is the member with the largest id below ours, nil if there is none.
func (pv *PeerView) DownPeer() *peer.Entry {
	var down *peer.Entry
	for _, m := range pv.sorted() {
		if m.PeerID().Compare(pv.localID()) >= 0 {
			break
		}
		down = m
	}
	return down
}

func (pv *PeerView) LocalView() []*peer.Entry {
	return pv.sorted()
}

func (pv *PeerView) LocalViewSize() int {
	return len(pv.sorted())
}

// Seeds returns the configured seeds as entries without ids.
func (pv *PeerView) Seeds() []*peer.Entry {
	out := make([]*peer.Entry, 0, len(pv.cfg.Seeds))
	for _, s := range pv.cfg.Seeds {
		out = append(out, peer.New(nil, s))
	}
	return out
}

func (pv *PeerView) SendRdvProbe(ctx context.Context, addr *address.Address) error {
	return pv.send(ctx, protocol.PeerViewProbe, addr)
}

func (pv *PeerView) SendRdvRequest(ctx context.Context, addr *address.Address) error {
	return pv.send(ctx, protocol.PeerViewRequest, addr)
}

func (pv *PeerView) localAdvertisement() *advertisement.Advertisement {
	if pv.cfg.Rendezvous {
		return pv.localAdv.AsKind(advertisement.KindRdv)
	}
	return pv.localAdv.AsKind(advertisement.KindPeer)
}

func (pv *PeerView) send(ctx context.Context, kind string, addr *address.Address) error {
	raw, err := pv.localAdvertisement().Bytes()
	if err != nil {
		return fmt.Errorf("peerview: %v: %w", err, protocol.ErrFailed)
	}

	msg := message.New()
	msg.Add(message.NewElement(protocol.Namespace, kind, message.MimeCBOR, raw))
	return pv.endpoint.Send(ctx, msg, pv.serviceAddress(addr))
}

func (pv *PeerView) listener(msg *message.Message, src, dest *address.Address) {
	for _, kind := range []string{protocol.PeerViewProbe, protocol.PeerViewRequest, protocol.PeerViewResponse} {
		el, err := msg.Get(protocol.Namespace, kind)
		if err != nil {
			continue
		}

		adv, err := advertisement.Parse(el.Value)
		if err != nil {
			log.Warnf("peerview: bad %s from %s: %v", kind, src, err)
			return
		}
		pv.handle(kind, adv, src)
		return
	}
	log.Debugf("peerview: ignoring %s from %s", msg.ID, src)
}

func (pv *PeerView) handle(kind string, adv *advertisement.Advertisement, src *address.Address) {
	if adv.PeerID.Equal(pv.localID()) {
		return
	}

	addr := replyAddress(adv, src)
	if adv.Kind == advertisement.KindRdv && addr != nil {
		pv.addMember(adv, addr)
	}

	if kind == protocol.PeerViewResponse || !pv.cfg.Rendezvous || addr == nil {
		return
	}

	raw, err := pv.localAdv.AsKind(advertisement.KindRdv).Bytes()
	if err != nil {
		log.Errorf("peerview: %v", err)
		return
	}
	reply := message.New()
	reply.Add(message.NewElement(protocol.Namespace, protocol.PeerViewResponse, message.MimeCBOR, raw))
	if err := pv.endpoint.Send(context.Background(), reply, pv.serviceAddress(addr)); err != nil {
		log.Debugf("peerview: response to %s failed: %v", addr, err)
	}
}

func replyAddress(adv *advertisement.Advertisement, src *address.Address) *address.Address {
	for _, s := range adv.Addresses {
		if a, err := address.Parse(s); err == nil {
			return a.WithService("", "")
		}
	}
	if src != nil && src.Protocol != address.ProtocolJxta {
		return src.WithService("", "")
	}
	return nil
}

func (pv *PeerView) addMember(adv *advertisement.Advertisement, addr *address.Address) {
	id := adv.PeerID
	e, err := pv.members.Get(id)
	if err != nil {
		e = peer.New(&id, addr)
		if _, err := pv.members.Put(id, e, false); err != nil {
			// Lost a race with another listener call
			if e, err = pv.members.Get(id); err != nil {
				return
			}
		} else {
			log.WithField("rdv", id.String()).Infof("peerview: new member at %s", addr)
		}
	}

	e.SetAddress(addr)
	e.SetAdvertisement(adv)
	e.SetExpires(pv.clk.Now().Add(MemberLifetime))
}
