package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/store"
)

type entry struct {
	value   []byte
	deleted bool
}

// Txn is the write overlay of one call or savepoint.
type Txn struct {
	chain  *Chain
	parent *Txn
	writes map[string]entry
	events []events.Event
}

func newTxn(c *Chain, parent *Txn) *Txn {
	return &Txn{chain: c, parent: parent, writes: make(map[string]entry)}
}

// Get reads key through the savepoint stack and then the store.
func (t *Txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	for cur := t; cur != nil; cur = cur.parent {
		if e, ok := cur.writes[string(key)]; ok {
			if e.deleted {
				return nil, false, nil
			}
			return e.value, true, nil
		}
	}

	value, err := t.chain.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.KindStorage, err, "read state")
	}
	return value, true, nil
}

// Put stages a write.
func (t *Txn) Put(key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	t.writes[string(key)] = entry{value: v}
}

// Delete stages a removal.
func (t *Txn) Delete(key []byte) {
	t.writes[string(key)] = entry{deleted: true}
}

// GetUint64 reads a big-endian counter; a missing key reads as zero.
func (t *Txn) GetUint64(ctx context.Context, key []byte) (uint64, error) {
	value, ok, err := t.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	if len(value) != 8 {
		return 0, errs.New(errs.KindStorage, "value at %q is not a uint64", key)
	}
	return binary.BigEndian.Uint64(value), nil
}

// PutUint64 stages a big-endian counter.
func (t *Txn) PutUint64(key []byte, v uint64) {
	t.Put(key, binary.BigEndian.AppendUint64(nil, v))
}

// Emit queues an event that is published if the outermost call commits.
func (t *Txn) Emit(ev events.Event) {
	t.events = append(t.events, ev)
}

// Events returns the events queued in this savepoint.
func (t *Txn) Events() []events.Event {
	return t.events
}

func (t *Txn) mergeIntoParent() {
	for k, e := range t.writes {
		t.parent.writes[k] = e
	}
	t.parent.events = append(t.parent.events, t.events...)
}

// flatten returns the writes in key order so every backend applies them identically.
func (t *Txn) flatten() []store.Write {
	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writes := make([]store.Write, 0, len(keys))
	for _, k := range keys {
		e := t.writes[k]
		writes = append(writes, store.Write{Key: []byte(k), Value: e.value, Delete: e.deleted})
	}
	return writes
}
