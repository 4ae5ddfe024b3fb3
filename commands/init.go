package commands

import (
	"context"
	"errors"
	"jxta/config"
	"jxta/oid"
	"os"

	log "github.com/sirupsen/logrus"
)

// RunInit writes a fresh configuration with a new peer id. An existing file is kept
// unless force is set.
func RunInit(ctx context.Context, cfg *config.Config, configFile string, force bool) {
	if _, err := os.Stat(configFile); err == nil && !force {
		log.Fatalf("Config %s already exists, use -force to overwrite it", configFile)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to check config: %v", err)
	}

	peerID, err := oid.Random(oid.OidTypePeer)
	if err != nil {
		log.Fatalf("Failed to generate peer id: %v", err)
	}
	cfg.Node.PeerID = peerID

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	log.Infof("Initialized peer %s (%s) in group %s", peerID, cfg.Rendezvous.Role, cfg.Node.GroupID)
}
