package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/intentflow/pkg/circuitbreaker"
	"github.com/speedrun-hq/intentflow/pkg/dispatcher"
	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/registry"
)

var (
	keeperAddr = common.HexToAddress("0x0200000000000000000000000000000000000001")
	otherAddr  = common.HexToAddress("0x0300000000000000000000000000000000000001")
)

// scriptedExecutor returns the scripted errors in order, then succeeds.
type scriptedExecutor struct {
	mu      sync.Mutex
	script  map[uint64][]error
	calls   map[uint64]int
	senders []common.Address
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{script: make(map[uint64][]error), calls: make(map[uint64]int)}
}

func (e *scriptedExecutor) ExecuteIntent(_ context.Context, sender common.Address, id uint64, _ []byte, feeRecipient common.Address) (*dispatcher.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.calls[id]
	e.calls[id]++
	e.senders = append(e.senders, sender)
	if n < len(e.script[id]) && e.script[id][n] != nil {
		return nil, e.script[id][n]
	}
	return &dispatcher.Receipt{IntentID: id, Status: registry.StatusSuccess, FeeRecipient: feeRecipient}, nil
}

func (e *scriptedExecutor) callCount(id uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func fastConfig() Config {
	return Config{
		Address:   keeperAddr,
		Workers:   2,
		QueueSize: 10,
		RetryTick: 5 * time.Millisecond,
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  10 * time.Millisecond,
		},
	}
}

func startService(t *testing.T, cfg Config, exec Executor, source IntentSource) (*Service, <-chan Result) {
	t.Helper()
	results := make(chan Result, 10)
	s := NewService(cfg, exec, source, nil)
	s.OnResult(func(r Result) { results <- r })
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, results
}

func waitResult(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for keeper result")
		return Result{}
	}
}

func TestKeeperExecutes(t *testing.T) {
	exec := newScriptedExecutor()
	s, results := startService(t, fastConfig(), exec, nil)

	require.NoError(t, s.Submit(Job{IntentID: 1}))
	r := waitResult(t, results)
	require.NoError(t, r.Err)
	assert.Equal(t, uint64(1), r.Receipt.IntentID)
	assert.Equal(t, keeperAddr, r.Receipt.FeeRecipient, "fees default to the keeper")
	assert.Equal(t, []common.Address{keeperAddr}, exec.senders)
	assert.False(t, s.Queued(1))
}

func TestKeeperRetries(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		exec := newScriptedExecutor()
		exec.script[1] = []error{
			errs.New(errs.KindTriggerNotSatisfied, "price below threshold"),
			errs.New(errs.KindStorage, "store busy"),
		}
		s, results := startService(t, fastConfig(), exec, nil)

		require.NoError(t, s.Submit(Job{IntentID: 1}))
		r := waitResult(t, results)
		require.NoError(t, r.Err)
		assert.Equal(t, 3, exec.callCount(1))
		assert.Equal(t, 2, r.Job.Attempt)
		assert.Equal(t, string(errs.KindStorage), r.Job.ErrorKind)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		exec := newScriptedExecutor()
		exec.script[1] = []error{errs.New(errs.KindPlanIntegrity, "digest mismatch")}
		s, results := startService(t, fastConfig(), exec, nil)

		require.NoError(t, s.Submit(Job{IntentID: 1}))
		r := waitResult(t, results)
		assert.True(t, errors.Is(r.Err, errs.ErrPlanIntegrity))
		assert.Equal(t, 1, exec.callCount(1))
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		exec := newScriptedExecutor()
		notYet := errs.New(errs.KindTriggerNotSatisfied, "price below threshold")
		exec.script[1] = []error{notYet, notYet, notYet, notYet, notYet}
		s, results := startService(t, fastConfig(), exec, nil)

		require.NoError(t, s.Submit(Job{IntentID: 1}))
		r := waitResult(t, results)
		assert.True(t, errors.Is(r.Err, errs.ErrTriggerNotSatisfied))
		assert.Equal(t, 4, exec.callCount(1))
	})

	t.Run("finalized intents are done", func(t *testing.T) {
		exec := newScriptedExecutor()
		exec.script[1] = []error{errs.New(errs.KindAlreadyFinalized, "intent 1 is Success")}
		s, results := startService(t, fastConfig(), exec, nil)

		require.NoError(t, s.Submit(Job{IntentID: 1}))
		r := waitResult(t, results)
		assert.True(t, errors.Is(r.Err, errs.ErrAlreadyFinalized))
		assert.Equal(t, 1, exec.callCount(1))
	})
}

func TestKeeperCircuitBreaker(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script[1] = []error{errs.New(errs.KindOracleUnavailable, "rpc down")}
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.CircuitBreaker = circuitbreaker.Config{Enabled: true, Threshold: 1, WindowDuration: time.Minute, ResetTimeout: time.Hour}
	s, results := startService(t, cfg, exec, nil)

	require.NoError(t, s.Submit(Job{IntentID: 1}))
	r := waitResult(t, results)
	assert.True(t, errors.Is(r.Err, errs.ErrOracleUnavailable))
	assert.True(t, s.Breaker().IsOpen())

	require.NoError(t, s.Submit(Job{IntentID: 2}))
	r = waitResult(t, results)
	assert.ErrorContains(t, r.Err, "circuit breaker open")
	assert.Zero(t, exec.callCount(2))

	s.Breaker().Reset()
	require.NoError(t, s.Submit(Job{IntentID: 2}))
	r = waitResult(t, results)
	assert.NoError(t, r.Err)
}

func TestKeeperSubmit(t *testing.T) {
	s := NewService(fastConfig(), newScriptedExecutor(), nil, nil)
	assert.ErrorIs(t, s.Submit(Job{IntentID: 1}), ErrStopped)

	// accept jobs without consuming them
	s.running = true
	require.NoError(t, s.Submit(Job{IntentID: 1}))
	assert.ErrorIs(t, s.Submit(Job{IntentID: 1}), ErrAlreadyQueued)
	assert.True(t, s.Queued(1))
	for id := uint64(2); id <= 10; id++ {
		require.NoError(t, s.Submit(Job{IntentID: id}))
	}
	assert.ErrorIs(t, s.Submit(Job{IntentID: 11}), ErrQueueFull)
}

func TestBackoff(t *testing.T) {
	c := DefaultRetryConfig()
	assert.Equal(t, 10*time.Second, c.CalculateBackoff(0))
	assert.Equal(t, 20*time.Second, c.CalculateBackoff(1))
	assert.Equal(t, 80*time.Second, c.CalculateBackoff(3))
	assert.Equal(t, 2*time.Minute, c.CalculateBackoff(4))
	assert.Equal(t, 2*time.Minute, c.CalculateBackoff(100))
}

type fakeSource struct {
	records map[uint64]registry.IntentRecord
}

func (f *fakeSource) NextIntentID(context.Context) (uint64, error) {
	return uint64(len(f.records) + 1), nil
}

func (f *fakeSource) ExportIntent(_ context.Context, id uint64) (registry.IntentRecord, error) {
	r, ok := f.records[id]
	if !ok {
		return registry.IntentRecord{}, errs.New(errs.KindNotFound, "intent %d not registered", id)
	}
	return r, nil
}

func TestKeeperScan(t *testing.T) {
	blob := []byte{0x01}
	source := &fakeSource{records: map[uint64]registry.IntentRecord{
		1: {Status: registry.StatusSuccess, WorkflowBlob: blob},
		2: {Status: registry.StatusActive, WorkflowBlob: blob, Keeper: keeperAddr},
		3: {Status: registry.StatusActive, WorkflowBlob: blob, Keeper: otherAddr},
		4: {Status: registry.StatusActive},
		5: {Status: registry.StatusActive, WorkflowBlob: blob},
	}}
	exec := newScriptedExecutor()
	s, results := startService(t, fastConfig(), exec, source)

	require.NoError(t, s.Scan(context.Background()))
	got := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		r := waitResult(t, results)
		require.NoError(t, r.Err)
		got[r.Job.IntentID] = true
	}
	assert.Equal(t, map[uint64]bool{2: true, 5: true}, got)
	assert.Zero(t, exec.callCount(3))
	assert.Zero(t, exec.callCount(4))

	s.mu.Lock()
	assert.Equal(t, uint64(2), s.scanFrom, "finished intents below the first open one are skipped")
	s.mu.Unlock()
}

func TestReleaseDue(t *testing.T) {
	t.Run("full work queue keeps due jobs for the next tick", func(t *testing.T) {
		cfg := fastConfig()
		cfg.QueueSize = 1
		s := NewService(cfg, newScriptedExecutor(), nil, nil)
		s.pending <- Job{IntentID: 9}

		past := time.Now().Add(-time.Second)
		queue := []retryJob{
			{Job: Job{IntentID: 1, Attempt: 1}, NextAttempt: past},
			{Job: Job{IntentID: 2, Attempt: 1}, NextAttempt: past},
		}

		done := make(chan []retryJob, 1)
		go func() { done <- s.releaseDue(context.Background(), queue) }()
		var remaining []retryJob
		select {
		case remaining = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("releaseDue blocked on a full work queue")
		}
		assert.Equal(t, queue, remaining)

		assert.Equal(t, uint64(9), (<-s.pending).IntentID)
		remaining = s.releaseDue(context.Background(), remaining)
		require.Len(t, remaining, 1)
		assert.Equal(t, uint64(2), remaining[0].IntentID)
		assert.Equal(t, uint64(1), (<-s.pending).IntentID)
	})
}
