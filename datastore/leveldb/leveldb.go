// Package leveldb implements the advertisement.Index interface on top of LevelDB
package leveldb

import (
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"
)

var ErrCorrupted = fmt.Errorf("corrupted")

type LevelDB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

// keyFromMillis renders a timestamp so that lexical key order is time order.
func keyFromMillis(prefix string, ms int64) []byte {
	if ms < 0 {
		ms = 0
	}
	return append([]byte(prefix), []byte(fmt.Sprintf("%016x", uint64(ms)))...)
}

func millisFromKey(prefix string, key []byte) (int64, error) {
	if len(key) < len(prefix)+16 {
		return 0, fmt.Errorf("millisFromKey: invalid key length: %d", len(key))
	}
	if string(key[:len(prefix)]) != prefix {
		return 0, fmt.Errorf("millisFromKey: invalid key prefix: %s", string(key[:len(prefix)]))
	}
	var ms uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):len(prefix)+16]), "%016x", &ms); err != nil {
		return 0, err
	}
	return int64(ms), nil
}

func initLevelDb(path string) (*leveldb.DB, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, recovering", path)
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return db, nil
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
