// Package node wires the engine components from configuration.
package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/speedrun-hq/intentflow/pkg/api"
	"github.com/speedrun-hq/intentflow/pkg/circuitbreaker"
	"github.com/speedrun-hq/intentflow/pkg/config"
	"github.com/speedrun-hq/intentflow/pkg/dispatcher"
	"github.com/speedrun-hq/intentflow/pkg/events"
	"github.com/speedrun-hq/intentflow/pkg/keeper"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/logger"
	"github.com/speedrun-hq/intentflow/pkg/metrics"
	"github.com/speedrun-hq/intentflow/pkg/network"
	"github.com/speedrun-hq/intentflow/pkg/oracle"
	"github.com/speedrun-hq/intentflow/pkg/registry"
	"github.com/speedrun-hq/intentflow/pkg/store"
	"github.com/speedrun-hq/intentflow/pkg/trigger"
	"github.com/speedrun-hq/intentflow/pkg/venue"
)

// defaultMaxAge bounds aggregator answers when the network file sets none
const defaultMaxAge = time.Hour

// Node is one running intent engine with its API and optional keeper
type Node struct {
	cfg    *config.Config
	logger logger.Logger

	store store.Store
	amqp  *events.AMQPSink
	rpc   *ethclient.Client

	Chain      *ledger.Chain
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Feed       *oracle.Feed
	Oracle     *oracle.Router
	Keeper     *keeper.Service
	Server     *api.Server
}

// New builds every component and writes the genesis configuration if the ledger is fresh
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*Node, error) {
	if log == nil {
		log = logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)
	}
	n := &Node{cfg: cfg, logger: log}

	var err error
	if n.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	sinks := events.Fanout{events.LogSink{Logger: log}, metrics.Sink{}}
	if cfg.Events.AMQPURL != "" {
		n.amqp, err = events.NewAMQPSink(events.AMQPConfig{URL: cfg.Events.AMQPURL, Exchange: cfg.Events.AMQPExchange})
		if err != nil {
			n.close()
			return nil, err
		}
		sinks = append(sinks, n.amqp)
	}
	n.Chain = ledger.New(n.store, sinks, log)

	net, err := network.Load(cfg.NetworkFile)
	if err != nil {
		n.close()
		return nil, err
	}
	venues, err := net.BuildVenues()
	if err != nil {
		n.close()
		return nil, err
	}

	n.Feed = oracle.NewFeed(n.Chain, cfg.OwnerAddress)
	static := oracle.NewStatic()
	router := oracle.NewRouter(network.SourceFeed, n.Feed)
	var agg *oracle.Aggregator
	if cfg.Oracle.RPCURL != "" {
		// Connect to Ethereum client
		n.rpc, err = ethclient.Dial(cfg.Oracle.RPCURL)
		if err != nil {
			n.close()
			return nil, fmt.Errorf("failed to connect to oracle rpc: %v", err)
		}
		agg = oracle.NewAggregator(n.rpc, net.MaxAge(defaultMaxAge))
	}
	if err := net.Route(router, n.Feed, static, agg, cfg.Oracle.CacheTTL); err != nil {
		n.close()
		return nil, err
	}
	n.Oracle = router

	n.Registry = registry.New(n.Chain, registry.Options{
		Address:          cfg.RegistryAddress,
		MaxWorkflowBytes: cfg.MaxWorkflowBytes,
		Logger:           log,
	})
	n.Dispatcher = dispatcher.New(n.Chain, n.Registry, trigger.NewGuard(n.Oracle, log), venues, dispatcher.Options{
		Address: cfg.DispatcherAddress,
		Logger:  log,
	})

	if err := n.genesis(ctx, net, venues); err != nil {
		n.close()
		return nil, err
	}

	breakers := []*circuitbreaker.CircuitBreaker{}
	if cfg.Keeper.Enabled {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Keeper.PrivateKey, "0x"))
		if err != nil {
			n.close()
			return nil, fmt.Errorf("failed to parse keeper private key: %v", err)
		}
		n.Keeper = keeper.NewService(keeper.Config{
			Address:      crypto.PubkeyToAddress(key.PublicKey),
			Workers:      cfg.Keeper.WorkerCount,
			PollInterval: cfg.Keeper.PollingInterval,
			Retry: keeper.RetryConfig{
				MaxRetries:  cfg.Keeper.MaxRetries,
				BaseBackoff: keeper.DefaultRetryConfig().BaseBackoff,
				MaxBackoff:  keeper.DefaultRetryConfig().MaxBackoff,
			},
			CircuitBreaker: circuitbreaker.Config{
				Enabled:        cfg.CircuitBreaker.Enabled,
				Threshold:      cfg.CircuitBreaker.Threshold,
				WindowDuration: cfg.CircuitBreaker.WindowDuration,
				ResetTimeout:   cfg.CircuitBreaker.ResetTimeout,
			},
		}, n.Dispatcher, n.Registry, log)
		breakers = append(breakers, n.Keeper.Breaker())
	}

	n.Server = api.NewServer(api.Options{
		Port:          cfg.APIPort,
		MetricsAPIKey: cfg.MetricsAPIKey,
	}, api.Deps{
		Chain:      n.Chain,
		Registry:   n.Registry,
		Dispatcher: n.Dispatcher,
		Feed:       n.Feed,
		Keeper:     n.Keeper,
		Breakers:   breakers,
	}, log)

	return n, nil
}

// genesis initializes the registry and dispatcher and applies the network file once
func (n *Node) genesis(ctx context.Context, net *network.Network, venues *venue.Registry) error {
	policy, err := dispatcher.ParseFailurePolicy(n.cfg.FailurePolicy)
	if err != nil {
		return err
	}
	if err := n.Registry.Init(ctx, registry.Config{
		Owner:            n.cfg.OwnerAddress,
		DefaultKeeper:    n.cfg.DefaultKeeper,
		MinCollateral:    n.cfg.MinCollateral,
		FeeCapBps:        n.cfg.RegistryFeeCapBps,
		Executor:         n.cfg.DispatcherAddress,
		AllowOwnerCancel: n.cfg.AllowOwnerCancel,
	}); err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	if err := n.Dispatcher.Init(ctx, dispatcher.Config{
		Owner:         n.cfg.OwnerAddress,
		StorageRef:    n.cfg.RegistryAddress,
		DefaultKeeper: n.cfg.DefaultKeeper,
		FeeSplitBps:   n.cfg.FeeSplitBps,
		FailurePolicy: policy,
	}); err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	applied, err := net.Apply(ctx, n.Chain, venues, n.Feed, n.cfg.OwnerAddress)
	if err != nil {
		return fmt.Errorf("failed to apply network file: %w", err)
	}
	if applied {
		n.logger.Notice("Applied network file with %d venues and %d allocations", len(venues.IDs()), len(net.Allocations))
	}
	return nil
}

// Start runs the keeper and serves the API until ctx is cancelled
func (n *Node) Start(ctx context.Context) error {
	if n.Keeper != nil {
		n.Keeper.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Server.Start()
	}()

	select {
	case <-ctx.Done():
		n.logger.Info("Context cancelled, shutting down node")
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop shuts everything down, waiting at most until ctx expires
func (n *Node) Stop(ctx context.Context) error {
	var errs []error
	if n.Server != nil {
		if err := n.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	if n.Keeper != nil {
		n.Keeper.Stop()
	}
	if err := n.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (n *Node) close() error {
	var errs []error
	if n.rpc != nil {
		n.rpc.Close()
	}
	if n.amqp != nil {
		if err := n.amqp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqp close: %w", err))
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		dialect, err := store.DialectFor(cfg.Driver)
		if err != nil {
			return nil, err
		}
		return store.OpenSQL(ctx, dialect, cfg.DSN)
	}
}
