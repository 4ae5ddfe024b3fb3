package commands

import (
	"context"
	"jxta/config"
	"jxta/datamodel/advertisement"
	"jxta/datastore/leveldb"
	"time"

	log "github.com/sirupsen/logrus"
)

func RunInfo(ctx context.Context, cfg *config.Config) {
	log.Infof("Peer: %s (%s)", cfg.Node.PeerID, cfg.Node.Name)
	log.Infof("Group: %s", cfg.Node.GroupID)
	log.Infof("Role: %s, seeds: %v", cfg.Rendezvous.Role, cfg.Rendezvous.Seeds)

	idx, err := leveldb.NewAdvIndex(cfg.DataStore.Advertisements)
	if err != nil {
		log.Fatalf("Failed to open advertisement index: %v", err)
	}
	defer idx.Close()

	now := time.Now()
	for _, kind := range []advertisement.Kind{advertisement.KindRdv, advertisement.KindPeer} {
		records, err := idx.Enumerate(kind, now)
		if err != nil {
			log.Errorf("Failed to enumerate %s advertisements: %v", kind, err)
			continue
		}
		log.Infof("%d %s advertisements cached", len(records), kind)
		for _, r := range records {
			adv := r.Advertisement
			log.Infof("  %s %q at %v, expires in %v", &adv.PeerID, adv.Name, adv.Addresses, r.Expires.Sub(now).Round(time.Second))
		}
	}
}
