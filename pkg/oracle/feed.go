package oracle

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
)

var (
	publisherPrefix = []byte("oracle:pub:")
	valuePrefix     = []byte("oracle:val:")
)

func publisherKey(ref uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, publisherPrefix...), ref)
}

func valueKey(ref uint64, key []byte) []byte {
	k := binary.BigEndian.AppendUint64(append([]byte{}, valuePrefix...), ref)
	return append(k, key...)
}

// Feed stores oracle values in ledger state. Each oracle reference has one
// publisher, appointed by the feed admin; execution calls read the values
// through the call in progress.
type Feed struct {
	chain *ledger.Chain
	admin common.Address
}

func NewFeed(chain *ledger.Chain, admin common.Address) *Feed {
	return &Feed{chain: chain, admin: admin}
}

// Authorize appoints publisher for ref.
func (f *Feed) Authorize(ctx context.Context, sender common.Address, ref uint64, publisher common.Address) error {
	if sender != f.admin {
		return errs.New(errs.KindUnauthorized, "only the feed admin may appoint publishers")
	}
	if ref == 0 {
		return errs.New(errs.KindInvalidConfig, "oracle reference 0 is reserved")
	}
	return f.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		tx.Put(publisherKey(ref), publisher.Bytes())
		return nil
	})
}

// Publisher returns the appointed publisher of ref.
func (f *Feed) Publisher(ctx context.Context, ref uint64) (common.Address, error) {
	var publisher common.Address
	err := f.chain.View(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		raw, ok, err := tx.Get(ctx, publisherKey(ref))
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.KindNotFound, "oracle %d has no publisher", ref)
		}
		publisher = common.BytesToAddress(raw)
		return nil
	})
	return publisher, err
}

// Publish records value under (ref, key). Only the appointed publisher may call it.
func (f *Feed) Publish(ctx context.Context, sender common.Address, ref uint64, key []byte, value uint64) error {
	if len(key) == 0 {
		return errs.New(errs.KindInvalidConfig, "oracle key must not be empty")
	}
	return f.chain.Atomic(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		raw, ok, err := tx.Get(ctx, publisherKey(ref))
		if err != nil {
			return err
		}
		if !ok || common.BytesToAddress(raw) != sender {
			return errs.New(errs.KindUnauthorized, "%s is not the publisher of oracle %d", sender.Hex(), ref)
		}
		tx.PutUint64(valueKey(ref, key), value)
		tx.Emit(events.New(events.TopicOracleUpdated, 0, sender, map[string]string{
			"oracle": strconv.FormatUint(ref, 10),
			"key":    string(key),
			"value":  strconv.FormatUint(value, 10),
		}))
		return nil
	})
}

func (f *Feed) Read(ctx context.Context, ref uint64, key []byte) (uint64, error) {
	var value uint64
	err := f.chain.View(ctx, func(ctx context.Context, tx *ledger.Txn) error {
		raw, ok, err := tx.Get(ctx, valueKey(ref, key))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("oracle %d key %q: %w", ref, key, ErrNoValue)
		}
		if len(raw) != 8 {
			return fmt.Errorf("oracle %d key %q: corrupt value", ref, key)
		}
		value = binary.BigEndian.Uint64(raw)
		return nil
	})
	return value, err
}
