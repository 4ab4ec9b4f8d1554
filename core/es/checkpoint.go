package es

import (
	"context"
	"errors"
	"strings"

	"github.com/jeremy-morren/purees-sub002/ports/kv"
)

// CheckpointStore remembers, per handler and stream, the last stream
// position a handler has processed.
type CheckpointStore interface {
	Get(ctx context.Context, handler, streamID string) (pos Revision, ok bool, err error)
	Set(ctx context.Context, handler, streamID string, pos Revision) error
}

// KVCheckpointStore keeps checkpoints in a key/value store.
type KVCheckpointStore struct {
	kv     kv.Store
	prefix string
}

func NewKVCheckpointStore(store kv.Store, prefix string) *KVCheckpointStore {
	if prefix == "" {
		prefix = "cp"
	}
	return &KVCheckpointStore{kv: store, prefix: prefix}
}

func (s *KVCheckpointStore) key(handler, streamID string) string {
	return strings.NewReplacer(":", "-", " ", "_").Replace(s.prefix + "." + handler + "." + streamID)
}

func (s *KVCheckpointStore) Get(ctx context.Context, handler, streamID string) (Revision, bool, error) {
	pos, err := kv.Get[Revision](ctx, s.kv, s.key(handler, streamID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pos, true, nil
}

func (s *KVCheckpointStore) Set(ctx context.Context, handler, streamID string, pos Revision) error {
	return kv.Put(ctx, s.kv, s.key(handler, streamID), pos, kv.PutOptions{})
}

var _ CheckpointStore = (*KVCheckpointStore)(nil)
