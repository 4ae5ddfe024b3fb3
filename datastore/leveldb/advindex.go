package leveldb

import (
	"fmt"
	"jxta/datamodel/advertisement"
	"jxta/oid"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixAdv = "ADV" // Advertisement record. Followed by kind digit and textual peer OID
	keyPrefixExp = "EXP" // Expiration index. Followed by 16-digit hex unix millis, kind digit and textual peer OID. Empty value
)

var _ advertisement.Index = (*AdvIndex)(nil)

type storedRecord struct {
	Advertisement *advertisement.Advertisement `cbor:"1,keyasint,omitempty"`
	ExpiresMs     int64                        `cbor:"2,keyasint,omitempty"`
}

func (r *storedRecord) record() *advertisement.Record {
	return &advertisement.Record{
		Advertisement: r.Advertisement,
		Expires:       time.UnixMilli(r.ExpiresMs),
	}
}

func keyFromAdv(kind advertisement.Kind, peerID *oid.Oid) []byte {
	return []byte(fmt.Sprintf("%s%d%s", keyPrefixAdv, kind, peerID.String()))
}

func keyFromExp(ms int64, kind advertisement.Kind, peerID *oid.Oid) []byte {
	k := keyFromMillis(keyPrefixExp, ms)
	return append(k, []byte(fmt.Sprintf("%d%s", kind, peerID.String()))...)
}

type AdvIndex struct {
	LevelDB
}

func NewAdvIndex(path string) (*AdvIndex, error) {
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &AdvIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

// get reads a record. Lock is assumed to be acquired by caller.
func (l *AdvIndex) get(kind advertisement.Kind, peerID *oid.Oid) (*storedRecord, error) {
	raw, err := l.db.Get(keyFromAdv(kind, peerID), nil)
	if err != nil {
		return nil, err
	}

	rec := &storedRecord{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	// Compare the peer id just in case
	if rec.Advertisement == nil || !rec.Advertisement.PeerID.Equal(peerID) {
		log.Errorf("AdvIndex.Get: peer id mismatch for %s", peerID.String())
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (l *AdvIndex) Get(kind advertisement.Kind, peerID *oid.Oid) (*advertisement.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(kind, peerID)
	if err != nil {
		return nil, err
	}
	return rec.record(), nil
}

func (l *AdvIndex) Put(adv *advertisement.Advertisement, expires time.Time) error {
	if err := adv.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &storedRecord{
		Advertisement: adv,
		ExpiresMs:     expires.UnixMilli(),
	}
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}

	// Create a batch for atomic update
	batch := new(leveldb.Batch)

	// Drop the expiration entry of the record we replace
	existing, err := l.get(adv.Kind, &adv.PeerID)
	switch {
	case err == nil:
		batch.Delete(keyFromExp(existing.ExpiresMs, adv.Kind, &adv.PeerID))
	case err != errors.ErrNotFound:
		log.Warnf("AdvIndex.Put: replacing unreadable record for %s: %v", adv.PeerID.String(), err)
	}

	batch.Put(keyFromAdv(adv.Kind, &adv.PeerID), raw)
	batch.Put(keyFromExp(rec.ExpiresMs, adv.Kind, &adv.PeerID), nil)

	return l.db.Write(batch, nil)
}

func (l *AdvIndex) Enumerate(kind advertisement.Kind, now time.Time) ([]*advertisement.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*advertisement.Record

	iter := l.db.NewIterator(util.BytesPrefix([]byte(fmt.Sprintf("%s%d", keyPrefixAdv, kind))), nil)
	defer iter.Release()

	for iter.Next() {
		rec := &storedRecord{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		if rec.ExpiresMs <= now.UnixMilli() {
			continue
		}
		results = append(results, rec.record())
	}

	return results, iter.Error()
}

func (l *AdvIndex) Purge(now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Everything at or before now, in expiration order
	iter := l.db.NewIterator(&util.Range{
		Start: []byte(keyPrefixExp),
		Limit: keyFromMillis(keyPrefixExp, now.UnixMilli()+1),
	}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		key := iter.Key()
		if _, err := millisFromKey(keyPrefixExp, key); err != nil {
			return 0, err
		}

		// <prefix><16 hex digits><kind digit><oid>
		rest := key[len(keyPrefixExp)+16:]
		batch.Delete(append([]byte(keyPrefixAdv), rest...))
		batch.Delete(append([]byte(nil), key...))
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}

	n := batch.Len() / 2
	if n == 0 {
		return 0, nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, err
	}

	log.Debugf("AdvIndex.Purge: removed %d expired advertisements", n)
	return n, nil
}
