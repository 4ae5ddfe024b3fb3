package advertisement

import (
	"jxta/oid"
	"testing"
)

func TestAdvertisementParse(t *testing.T) {
	pid, _ := oid.Random(oid.OidTypePeer)
	adv := &Advertisement{
		Kind:      KindPeer,
		PeerID:    *pid,
		GroupID:   *oid.FromName(oid.OidTypeGroup, "NetPeerGroup"),
		Name:      "edge-1",
		Addresses: []string{"tcp://10.0.0.1:9701"},
	}

	b, err := adv.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	adv2, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if !IsAdvertisementEqual(adv, adv2) {
		t.Fatalf("advertisements do not match: %+v != %+v", adv, adv2)
	}

	rdv := adv.AsKind(KindRdv)
	if rdv.Kind != KindRdv || adv.Kind != KindPeer {
		t.Fatalf("AsKind modified the original")
	}
}

func TestAdvertisementValidate(t *testing.T) {
	if err := (&Advertisement{Kind: KindPeer}).Validate(); err != ErrorInvalidAdvertisement {
		t.Fatalf("expected ErrorInvalidAdvertisement for a null peer id, got %v", err)
	}

	b, _ := (&Advertisement{Kind: 7, PeerID: *oid.FromName(oid.OidTypePeer, "x")}).Bytes()
	if _, err := Parse(b); err != ErrorInvalidAdvertisement {
		t.Fatalf("expected ErrorInvalidAdvertisement for a bad kind, got %v", err)
	}
}
