package client

import (
	"context"
	"jxta/datamodel/address"
	"jxta/datamodel/advertisement"
	"jxta/helper/timer"
	"jxta/swarm/provider"
	"time"

	log "github.com/sirupsen/logrus"
)

func (p *Provider) run(ctx context.Context) {
	defer close(p.done)

	nap := StartNap
	for timer.Sleep(ctx, p.Clock(), nap) {
		nap = p.maintain(ctx)
	}
	log.Debugf("rdv.client: maintain worker done")
}

// maintain runs one pass of lease upkeep and returns how long to wait before the next.
func (p *Provider) maintain(ctx context.Context) time.Duration {
	now := p.Now()
	connected := p.expireLeases(now)

	// Renew leases about to lapse
	for _, e := range p.rdvs.Values() {
		if e.Remaining(now) < LeaseRenewalDelay {
			p.connectToPeer(ctx, e)
		}
	}

	p.Metrics().Peers(provider.RoleClient, connected)

	if connected >= p.Config().MinConnectedRdvs {
		p.delayCount = 0
		return NormalNap
	}

	log.Debugf("rdv.client: %d of %d rendezvous connected, looking for more", connected, p.Config().MinConnectedRdvs)

	p.probeSeed(ctx)
	p.probeAdvertisement(ctx)
	p.connectCandidate(ctx, now)

	nap := FastNap << min(p.delayCount, 5)
	p.delayCount++
	return min(nap, NormalNap)
}

// expireLeases drops the rendezvous whose lease lapsed and returns how many are left.
func (p *Provider) expireLeases(now time.Time) int {
	connected := 0
	for _, e := range p.rdvs.Values() {
		if e.Leased(now) {
			connected++
			continue
		}
		id := e.PeerID()
		if err := p.rdvs.DeleteCheck(*id, e); err != nil {
			continue
		}
		log.WithField("rdv", id.String()).Info("rdv.client: lease expired")
		p.Emit(provider.EventFailed, id)
	}
	return connected
}

// probeSeed probes the next configured seed and remembers it as a candidate.
func (p *Provider) probeSeed(ctx context.Context) {
	seeds := p.ServiceContext().PeerView.Seeds()
	if len(seeds) == 0 {
		return
	}

	seed := seeds[p.seedIdx%len(seeds)]
	p.seedIdx++

	addr := seed.Address()
	if addr == nil {
		return
	}
	if err := p.ServiceContext().PeerView.SendRdvProbe(ctx, addr); err != nil {
		log.Warnf("rdv.client: probe of seed %s failed: %v", addr, err)
	}
	p.addCandidate(addr)
}

// probeAdvertisement probes the next cached rendezvous advertisement, asking the network
// for some when none is cached.
func (p *Provider) probeAdvertisement(ctx context.Context) {
	disco := p.ServiceContext().Discovery
	if disco == nil {
		return
	}

	advs, err := disco.LocalAdvertisements(advertisement.KindRdv)
	if err != nil {
		log.Warnf("rdv.client: local rendezvous advertisements: %v", err)
	}

	if len(advs) == 0 {
		qctx, cancel := context.WithTimeout(ctx, remoteQueryTimeout)
		advs, err = disco.RemoteAdvertisements(qctx, advertisement.KindRdv, 1)
		cancel()
		if err != nil {
			log.Debugf("rdv.client: remote rendezvous advertisements: %v", err)
		}
	}

	var others []*advertisement.Advertisement
	for _, adv := range advs {
		if !adv.PeerID.Equal(p.LocalPeerID()) && len(adv.Addresses) > 0 {
			others = append(others, adv)
		}
	}
	if len(others) == 0 {
		return
	}

	adv := others[p.advIdx%len(others)]
	p.advIdx++

	addr, err := address.Parse(adv.Addresses[0])
	if err != nil {
		log.Warnf("rdv.client: advertisement of %s has a bad address: %v", &adv.PeerID, err)
		return
	}
	if err := p.ServiceContext().PeerView.SendRdvProbe(ctx, addr); err != nil {
		log.Warnf("rdv.client: probe of %s failed: %v", addr, err)
	}
	p.addCandidate(addr)
}

// connectCandidate sends one lease request to a known rendezvous that is not waiting out
// its retry delay: peerview members first, then candidates.
func (p *Provider) connectCandidate(ctx context.Context, now time.Time) {
	for _, member := range p.ServiceContext().PeerView.LocalView() {
		id := member.PeerID()
		if id == nil || id.Equal(p.LocalPeerID()) {
			continue
		}
		if _, err := p.rdvs.Get(*id); err == nil {
			continue
		}
		addr := member.Address()
		if addr == nil {
			continue
		}
		if p.connectToPeer(ctx, p.addCandidate(addr)) {
			return
		}
	}

	for _, key := range p.candidates.Keys() {
		e, err := p.candidates.Get(key)
		if err != nil {
			continue
		}
		if !e.Leased(now) {
			p.candidates.DeleteCheck(key, e)
			continue
		}
		if p.connectToPeer(ctx, e) {
			return
		}
	}
}
