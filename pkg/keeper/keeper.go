package keeper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/circuitbreaker"
	"github.com/speedrun-hq/intentflow/pkg/dispatcher"
	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/logger"
	"github.com/speedrun-hq/intentflow/pkg/metrics"
	"github.com/speedrun-hq/intentflow/pkg/registry"
)

var (
	ErrAlreadyQueued = errors.New("intent already queued")
	ErrQueueFull     = errors.New("keeper queue is full")
	ErrStopped       = errors.New("keeper is not running")
)

const (
	maxRetryQueueSize = 1000
	maxRetriesPerTick = 10
)

// Executor runs an intent plan; *dispatcher.Dispatcher implements it.
type Executor interface {
	ExecuteIntent(ctx context.Context, sender common.Address, id uint64, planBytes []byte, feeRecipient common.Address) (*dispatcher.Receipt, error)
}

// IntentSource lists registered intents; *registry.Registry implements it.
type IntentSource interface {
	NextIntentID(ctx context.Context) (uint64, error)
	ExportIntent(ctx context.Context, id uint64) (registry.IntentRecord, error)
}

// Config holds the keeper settings
type Config struct {
	// Address is the identity the keeper executes as.
	Address      common.Address
	FeeRecipient common.Address
	Workers      int
	QueueSize    int
	// PollInterval of the intent scanner; zero disables scanning.
	PollInterval   time.Duration
	RetryTick      time.Duration
	Retry          RetryConfig
	CircuitBreaker circuitbreaker.Config
}

// Job is a request to execute one intent.
type Job struct {
	IntentID     uint64         `json:"intent_id"`
	Plan         []byte         `json:"plan,omitempty"`
	FeeRecipient common.Address `json:"fee_recipient"`
	Attempt      int            `json:"attempt"`
	ErrorKind    string         `json:"error_kind,omitempty"`
}

type retryJob struct {
	Job
	NextAttempt time.Time
}

// Result is the final outcome of a job.
type Result struct {
	Job     Job
	Receipt *dispatcher.Receipt
	Err     error
}

// Service executes intents in the background with a worker pool, retrying
// transient failures with exponential backoff.
type Service struct {
	cfg      Config
	executor Executor
	source   IntentSource
	breaker  *circuitbreaker.CircuitBreaker
	logger   logger.Logger

	pending   chan Job
	retryJobs chan retryJob
	onResult  func(Result)
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[uint64]bool
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	scanFrom uint64
}

// NewService creates a keeper. source may be nil, which disables scanning.
func NewService(cfg Config, executor Executor, source IntentSource, log logger.Logger) *Service {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetryTick <= 0 {
		cfg.RetryTick = 10 * time.Second
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.FeeRecipient == (common.Address{}) {
		cfg.FeeRecipient = cfg.Address
	}
	return &Service{
		cfg:       cfg,
		executor:  executor,
		source:    source,
		breaker:   circuitbreaker.NewCircuitBreaker("oracle", cfg.CircuitBreaker, log),
		logger:    log,
		pending:   make(chan Job, cfg.QueueSize),
		retryJobs: make(chan retryJob, cfg.QueueSize),
		now:       time.Now,
		inFlight:  make(map[uint64]bool),
		scanFrom:  1,
	}
}

// OnResult registers a callback for final job outcomes. Call before Start.
func (s *Service) OnResult(fn func(Result)) {
	s.onResult = fn
}

// Breaker exposes the oracle circuit breaker for health reporting.
func (s *Service) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// Address returns the identity the keeper executes as.
func (s *Service) Address() common.Address {
	return s.cfg.Address
}

// Start launches the workers, the retry handler and the scanner.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.logger.Info("Starting %d keeper workers as %s", s.cfg.Workers, s.cfg.Address.Hex())
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.wg.Add(1)
	go s.retryHandler(ctx)

	if s.source != nil && s.cfg.PollInterval > 0 {
		s.wg.Add(1)
		go s.scanner(ctx)
	}
}

// Stop cancels all goroutines and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Keeper stopped")
}

// Submit queues a job without blocking.
func (s *Service) Submit(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrStopped
	}
	if s.inFlight[job.IntentID] {
		return ErrAlreadyQueued
	}
	if job.FeeRecipient == (common.Address{}) {
		job.FeeRecipient = s.cfg.FeeRecipient
	}

	select {
	case s.pending <- job:
		s.inFlight[job.IntentID] = true
		metrics.KeeperQueueSize.Set(float64(len(s.pending)))
		return nil
	default:
		metrics.KeeperDroppedJobs.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// Queued reports whether an intent is waiting, running or scheduled for retry.
func (s *Service) Queued(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[id]
}

func (s *Service) finish(res Result) {
	s.mu.Lock()
	delete(s.inFlight, res.Job.IntentID)
	s.mu.Unlock()
	if s.onResult != nil {
		s.onResult(res)
	}
}

// worker executes jobs from the queue
func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	s.logger.Debug("Starting worker %d", id)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Worker %d shutting down", id)
			return
		case job := <-s.pending:
			metrics.KeeperQueueSize.Set(float64(len(s.pending)))
			s.process(ctx, id, job)
		}
	}
}

func (s *Service) process(ctx context.Context, worker int, job Job) {
	if s.breaker.IsOpen() {
		state := s.breaker.GetState()
		s.logger.InfoWithIntent(job.IntentID, "Worker %d: circuit breaker %s open (last failure: %v, failure count: %d), skipping",
			worker, state.Name, state.LastFailure, state.FailureCount)
		metrics.KeeperDroppedJobs.WithLabelValues("circuit_open").Inc()
		s.finish(Result{Job: job, Err: errors.New("circuit breaker open")})
		return
	}

	s.logger.DebugWithIntent(job.IntentID, "Worker %d executing (attempt %d)", worker, job.Attempt+1)
	receipt, err := s.executor.ExecuteIntent(ctx, s.cfg.Address, job.IntentID, job.Plan, job.FeeRecipient)
	if err == nil {
		s.logger.InfoWithIntent(job.IntentID, "Worker %d executed intent, fee %d", worker, receipt.Fee)
		s.finish(Result{Job: job, Receipt: receipt})
		return
	}

	shouldRetry, errorType := shouldRetryError(err)
	if errorType == classAlreadyProcessed {
		s.logger.InfoWithIntent(job.IntentID, "Intent already finalized, nothing to do")
		s.finish(Result{Job: job, Err: err})
		return
	}
	// a recorded failure is final
	if receipt != nil {
		shouldRetry = false
	}
	s.logger.ErrorWithIntent(job.IntentID, "Worker %d execution failed, classified as %s (retry: %v): %v", worker, errorType, shouldRetry, err)

	circuitTripped := false
	if errorType == string(errs.KindOracleUnavailable) {
		circuitTripped = s.breaker.RecordFailure()
	}

	switch {
	case !shouldRetry:
		metrics.KeeperPermanentErrors.WithLabelValues(errorType).Inc()
		s.finish(Result{Job: job, Receipt: receipt, Err: err})
	case circuitTripped:
		s.logger.InfoWithIntent(job.IntentID, "Skipping retry due to tripped circuit breaker")
		s.finish(Result{Job: job, Err: err})
	case job.Attempt >= s.cfg.Retry.MaxRetries:
		s.logger.InfoWithIntent(job.IntentID, "Max retries reached, giving up (error: %s)", errorType)
		metrics.KeeperMaxRetriesReached.Inc()
		s.finish(Result{Job: job, Err: err})
	default:
		backoff := s.cfg.Retry.CalculateBackoff(job.Attempt)
		next := job
		next.Attempt++
		next.ErrorKind = errorType
		metrics.KeeperRetries.WithLabelValues(errorType).Inc()
		s.logger.InfoWithIntent(job.IntentID, "Scheduling retry in %v (error: %s)", backoff, errorType)
		select {
		case s.retryJobs <- retryJob{Job: next, NextAttempt: s.now().Add(backoff)}:
		case <-ctx.Done():
		}
	}
}

// retryHandler manages the retry queue
func (s *Service) retryHandler(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RetryTick)
	defer ticker.Stop()

	var retryQueue []retryJob
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.retryJobs:
			if len(retryQueue) >= maxRetryQueueSize {
				s.logger.ErrorWithIntent(job.IntentID, "Retry queue at capacity (%d jobs), dropping retry", maxRetryQueueSize)
				metrics.KeeperDroppedJobs.WithLabelValues("retry_queue_full").Inc()
				s.finish(Result{Job: job.Job, Err: ErrQueueFull})
				continue
			}
			retryQueue = append(retryQueue, job)
			sort.Slice(retryQueue, func(i, j int) bool {
				return retryQueue[i].NextAttempt.Before(retryQueue[j].NextAttempt)
			})
			metrics.KeeperRetryQueueSize.Set(float64(len(retryQueue)))
		case <-ticker.C:
			retryQueue = s.releaseDue(ctx, retryQueue)
			metrics.KeeperRetryQueueSize.Set(float64(len(retryQueue)))
		}
	}
}

// releaseDue moves due jobs back to the work queue, at most maxRetriesPerTick
// per tick, and returns the jobs still waiting. It never blocks on a full
// work queue since workers may themselves be blocked handing jobs back.
func (s *Service) releaseDue(ctx context.Context, queue []retryJob) []retryJob {
	now := s.now()
	var remaining []retryJob
	processed := 0
	for _, job := range queue {
		if job.NextAttempt.After(now) || processed >= maxRetriesPerTick {
			remaining = append(remaining, job)
			continue
		}
		if !s.stillOpen(ctx, job.IntentID) {
			s.logger.InfoWithIntent(job.IntentID, "No longer executable, removing from retry queue")
			metrics.KeeperDroppedJobs.WithLabelValues("not_pending").Inc()
			s.finish(Result{Job: job.Job})
			continue
		}
		select {
		case s.pending <- job.Job:
			s.logger.InfoWithIntent(job.IntentID, "Retrying (attempt #%d, error type: %s)", job.Attempt+1, job.ErrorKind)
			processed++
		default:
			// work queue full, try again next tick
			remaining = append(remaining, job)
		}
	}
	return remaining
}

func (s *Service) stillOpen(ctx context.Context, id uint64) bool {
	if s.source == nil {
		return true
	}
	record, err := s.source.ExportIntent(ctx, id)
	if err != nil {
		// keep the job when the lookup itself fails
		return true
	}
	return record.Status == registry.StatusActive || record.Status == registry.StatusExecuting
}

// scanner polls the registry for intents this keeper may execute
func (s *Service) scanner(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info("Starting intent scanner with polling interval %v", s.cfg.PollInterval)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				s.logger.Error("Error scanning intents: %v", err)
			}
		}
	}
}

// Scan submits every open intent with an inline plan whose keeper is this
// keeper or the wildcard.
func (s *Service) Scan(ctx context.Context) error {
	next, err := s.source.NextIntentID(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	from := s.scanFrom
	s.mu.Unlock()

	lowestOpen := next
	queued := 0
	for id := from; id < next; id++ {
		record, err := s.source.ExportIntent(ctx, id)
		if err != nil {
			return err
		}
		if record.Status != registry.StatusActive && record.Status != registry.StatusExecuting && record.Status != registry.StatusCreated {
			continue
		}
		if id < lowestOpen {
			lowestOpen = id
		}
		if !s.viable(id, record) {
			continue
		}
		switch err := s.Submit(Job{IntentID: id}); {
		case err == nil:
			queued++
		case errors.Is(err, ErrAlreadyQueued):
		default:
			return err
		}
	}

	s.mu.Lock()
	s.scanFrom = lowestOpen
	s.mu.Unlock()
	if queued > 0 {
		s.logger.Info("Queued %d intents for execution", queued)
	}
	return nil
}

func (s *Service) viable(id uint64, record registry.IntentRecord) bool {
	if record.Status == registry.StatusCreated {
		return false
	}
	if record.Keeper != (common.Address{}) && record.Keeper != s.cfg.Address {
		return false
	}
	if len(record.WorkflowBlob) == 0 {
		s.logger.DebugWithIntent(id, "Skipping: plan is not stored inline")
		return false
	}
	return true
}
