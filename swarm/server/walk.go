package server

import (
	"context"
	"errors"
	"jxta/datamodel/address"
	"jxta/datamodel/message"
	"jxta/swarm/peer"
	"jxta/swarm/protocol"
	"jxta/swarm/provider"

	log "github.com/sirupsen/logrus"
)

func (p *Provider) walkerServiceName() string {
	return protocol.WalkerServicePrefix + p.GroupUniq()
}

func (p *Provider) walkerServiceParam() string {
	return p.AssignedID() + p.GroupUniq()
}

// Walk sends msg along the peerview, towards the rendezvous above and below us. A message
// without a walk header starts a new walk reaching the whole view; one with a header
// continues the walk it belongs to, one hop shorter.
func (p *Provider) Walk(ctx context.Context, msg *message.Message, serviceName, serviceParam string, targetHash *string) error {
	pv := p.ServiceContext().PeerView
	viewSize := pv.LocalViewSize()

	msg = msg.Clone()
	wh, err := protocol.GetWalkHeader(msg)
	switch {
	case errors.Is(err, protocol.ErrItemNotFound):
		wh = &protocol.WalkHeader{
			TTL:         viewSize,
			Direction:   protocol.DirectionBoth,
			SrcPeerID:   *p.LocalPeerID(),
			SrcSvcName:  serviceName,
			SrcSvcParam: serviceParam,
		}
		msg.Replace(message.NewStringElement(protocol.Namespace, protocol.RdvWalkSvcName, serviceName))
		msg.Replace(message.NewStringElement(protocol.Namespace, protocol.RdvWalkSvcParam, serviceParam))
	case err != nil:
		p.Metrics().Dropped(provider.DropMalformed)
		return err
	default:
		protocol.RemoveWalkHeader(msg)
	}

	if targetHash != nil {
		h := protocol.NewDiffusionHeader()
		h.SrcPeerID = *p.LocalPeerID()
		h.Scope = protocol.ScopeGlobal
		h.DestSvcName = serviceName
		h.DestSvcParam = serviceParam
		h.SetTargetHash(targetHash)
		if err := protocol.SetDiffusionHeader(msg, h); err != nil {
			return err
		}
	}

	ttl := min(wh.TTL-1, viewSize-1)
	if ttl < 1 {
		log.Debugf("rdv.server: walk of %s ends here, ttl %d view %d", msg.ID, wh.TTL, viewSize)
		p.Metrics().Dropped(provider.DropTTL)
		return nil
	}

	p.Metrics().Walked(provider.RoleServer)

	var sent int
	if wh.Direction == protocol.DirectionBoth || wh.Direction == protocol.DirectionUp {
		if p.walkTo(ctx, msg, wh, ttl, protocol.DirectionUp, pv.UpPeer()) {
			sent++
		}
	}
	if wh.Direction == protocol.DirectionBoth || wh.Direction == protocol.DirectionDown {
		if p.walkTo(ctx, msg, wh, ttl, protocol.DirectionDown, pv.DownPeer()) {
			sent++
		}
	}

	log.Debugf("rdv.server: walked %s to %d rendezvous, ttl %d", msg.ID, sent, ttl)
	return nil
}

func (p *Provider) walkTo(ctx context.Context, msg *message.Message, wh *protocol.WalkHeader, ttl int, dir protocol.Direction, to *peer.Entry) bool {
	if to == nil {
		return false
	}
	addr := to.Address()
	if addr == nil {
		return false
	}

	h := wh.Clone()
	h.TTL = ttl
	h.Direction = dir

	c := msg.Clone()
	if err := protocol.SetWalkHeader(c, h); err != nil {
		log.Errorf("rdv.server: %v", err)
		return false
	}

	dest := addr.WithService(p.walkerServiceName(), p.walkerServiceParam())
	if err := p.ServiceContext().Endpoint.Send(ctx, c, dest); err != nil {
		log.Warnf("rdv.server: walk %s to %s failed: %v", dir, dest, err)
		p.Metrics().SendFailed()
		return false
	}
	return true
}

// walkerListener hands a walked message to the local service it is addressed to. The walk
// header stays attached so that service can continue the walk by calling Walk with the
// message, as discovery does for queries.
func (p *Provider) walkerListener(msg *message.Message, src, dest *address.Address) {
	wh, err := protocol.GetWalkHeader(msg)
	if err != nil {
		log.Warnf("rdv.server: dropping walk %s from %s: %v", msg.ID, src, err)
		p.Metrics().Dropped(provider.DropNoHeader)
		return
	}
	if wh.TTL <= 0 {
		log.Warnf("rdv.server: dropping walk %s from %s, ttl %d", msg.ID, src, wh.TTL)
		p.Metrics().Dropped(provider.DropTTL)
		return
	}

	svc, err := msg.GetString(protocol.Namespace, protocol.RdvWalkSvcName)
	if err != nil {
		// Older peers only name the destination in the walk header
		svc = wh.SrcSvcName
	}
	param, err := msg.GetString(protocol.Namespace, protocol.RdvWalkSvcParam)
	if err != nil {
		param = wh.SrcSvcParam
	}
	if svc == "" {
		log.Warnf("rdv.server: dropping walk %s from %s, no destination", msg.ID, src)
		p.Metrics().Dropped(provider.DropMalformed)
		return
	}

	if err := p.ServiceContext().Endpoint.Demux(msg, src, p.GroupAddress(svc, param)); err != nil {
		log.Debugf("rdv.server: walk %s for %s/%s not delivered: %v", msg.ID, svc, param, err)
	}
}
