package protostore

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// KV is the byte-blob store used to persist protocol records. Get returns
// an error wrapping ratchet.ErrNotFound for missing keys.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error

	// Keys returns every key with the given prefix, sorted.
	Keys(prefix string) ([]string, error)
	Close() error
}

type memKV struct {
	mtx sync.RWMutex
	m   map[string][]byte
}

// NewMemKV returns a KV backed by a map.
func NewMemKV() KV {
	return &memKV{m: make(map[string][]byte)}
}

func (kv *memKV) Get(key string) ([]byte, error) {
	kv.mtx.RLock()
	v, ok := kv.m[key]
	kv.mtx.RUnlock()
	if !ok {
		return nil, errNotFound
	}
	return append([]byte(nil), v...), nil
}

func (kv *memKV) Put(key string, value []byte) error {
	kv.mtx.Lock()
	kv.m[key] = append([]byte(nil), value...)
	kv.mtx.Unlock()
	return nil
}

func (kv *memKV) Delete(key string) error {
	kv.mtx.Lock()
	delete(kv.m, key)
	kv.mtx.Unlock()
	return nil
}

func (kv *memKV) Keys(prefix string) ([]string, error) {
	kv.mtx.RLock()
	var res []string
	for k := range kv.m {
		if strings.HasPrefix(k, prefix) {
			res = append(res, k)
		}
	}
	kv.mtx.RUnlock()
	sort.Strings(res)
	return res, nil
}

func (kv *memKV) Close() error { return nil }

type levelKV struct {
	db *leveldb.DB
}

// OpenLevelKV opens (creating if needed) a leveldb database at path.
func OpenLevelKV(path string) (KV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelKV{db: db}, nil
}

func (kv *levelKV) Get(key string) ([]byte, error) {
	v, err := kv.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, errNotFound
	}
	return v, err
}

func (kv *levelKV) Put(key string, value []byte) error {
	return kv.db.Put([]byte(key), value, nil)
}

func (kv *levelKV) Delete(key string) error {
	return kv.db.Delete([]byte(key), nil)
}

func (kv *levelKV) Keys(prefix string) ([]string, error) {
	iter := kv.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	var res []string
	for iter.Next() {
		res = append(res, string(iter.Key()))
	}
	return res, iter.Error()
}

func (kv *levelKV) Close() error {
	return kv.db.Close()
}
