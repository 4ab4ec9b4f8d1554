package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jeremy-morren/purees-sub002/ports/kv"
)

const defaultBucket = "purees_kv"

type KvConfig struct {
	Connect Connector
	Bucket  string
	Storage jetstream.StorageType
	// Now is the clock used for entry expiry. Defaults to time.Now.
	Now func() time.Time
}

// KvStore is a kv.Store on a JetStream key/value bucket. Expiry is kept in
// the stored entry so it works per key.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
	now     func() time.Time
}

type kvEntry struct {
	Data    []byte         `json:"data"`
	Meta    map[string]any `json:"meta,omitempty"`
	Expires *time.Time     `json:"expires,omitempty"`
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}
	bkt, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: cfg.Storage,
		History: 1,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nats: key value bucket %s: %w", bucket, err)
	}
	return &KvStore{kv: bkt, closeNc: closeNc, now: now}, nil
}

func (k *KvStore) Close() error {
	k.closeNc()
	return nil
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	e := kvEntry{Data: entry.Data, Meta: entry.Meta}
	if opts.TTL > 0 {
		exp := k.now().Add(opts.TTL).UTC()
		e.Expires = &exp
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := k.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("nats: put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("nats: get %s: %w", key, err)
	}
	var e kvEntry
	if err := json.Unmarshal(v.Value(), &e); err != nil {
		return kv.Entry{}, fmt.Errorf("nats: decode %s: %w", key, err)
	}
	if e.Expires != nil && !k.now().Before(*e.Expires) {
		return kv.Entry{}, kv.ErrNotFound
	}
	return kv.Entry{Data: e.Data, Meta: e.Meta}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("nats: delete %s: %w", key, err)
	}
	return nil
}

var _ kv.Store = (*KvStore)(nil)
