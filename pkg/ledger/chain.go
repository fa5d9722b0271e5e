package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/logger"
	"github.com/speedrun-hq/intentflow/pkg/store"
)

// Chain serializes atomic calls over a store. Every call either commits all of
// its writes and events or none of them.
type Chain struct {
	mu     sync.Mutex
	store  store.Store
	sink   events.Sink
	logger logger.Logger
	round  atomic.Uint64
}

type txnKey struct{}

// New creates a chain over s. sink may be nil.
func New(s store.Store, sink events.Sink, log logger.Logger) *Chain {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Chain{store: s, sink: sink, logger: log}
}

// TxnFrom returns the call in progress on ctx, if any.
func TxnFrom(ctx context.Context) *Txn {
	tx, _ := ctx.Value(txnKey{}).(*Txn)
	return tx
}

func withTxn(ctx context.Context, tx *Txn) context.Context {
	return context.WithValue(ctx, txnKey{}, tx)
}

// Atomic runs fn as one all-or-nothing call. When ctx already carries a call,
// fn runs in a savepoint of it: an error discards only the savepoint's writes
// and events, and success merges them into the enclosing call.
func (c *Chain) Atomic(ctx context.Context, fn func(ctx context.Context, tx *Txn) error) error {
	if parent := TxnFrom(ctx); parent != nil {
		child := newTxn(c, parent)
		if err := fn(withTxn(ctx, child), child); err != nil {
			return err
		}
		child.mergeIntoParent()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	root := newTxn(c, nil)
	if err := fn(withTxn(ctx, root), root); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.store.Apply(ctx, root.flatten()); err != nil {
		return errs.Wrap(errs.KindStorage, err, "commit call")
	}
	round := c.round.Add(1)

	if c.sink != nil && len(root.events) > 0 {
		if err := c.sink.Publish(ctx, root.events); err != nil {
			c.logger.Error("Failed to publish %d events of round %d: %v", len(root.events), round, err)
		}
	}
	return nil
}

// View runs fn against a consistent snapshot and discards any writes it makes.
func (c *Chain) View(ctx context.Context, fn func(ctx context.Context, tx *Txn) error) error {
	if parent := TxnFrom(ctx); parent != nil {
		scratch := newTxn(c, parent)
		return fn(withTxn(ctx, scratch), scratch)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tx := newTxn(c, nil)
	return fn(withTxn(ctx, tx), tx)
}

// Round returns the number of committed calls since the chain was created.
func (c *Chain) Round() uint64 {
	return c.round.Load()
}

// Ping checks the backing store.
func (c *Chain) Ping(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}
