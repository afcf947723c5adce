// Command orchestratord runs the plan execution orchestrator: it wires the
// configured queue, state, lock, policy, cost and event backends into the
// scheduler, serves health endpoints, and shuts down gracefully on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/config"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/cost"
	costmongo "github.com/JudgeZ/AI-Agent-Tool-sub001/cost/mongo"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/dedupe"
	deduperedis "github.com/JudgeZ/AI-Agent-Tool-sub001/dedupe/redis"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/events"
	eventspulse "github.com/JudgeZ/AI-Agent-Tool-sub001/events/pulse"
	pulseclient "github.com/JudgeZ/AI-Agent-Tool-sub001/events/pulse/clients/pulse"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/fslock"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/lock"
	lockredis "github.com/JudgeZ/AI-Agent-Tool-sub001/lock/redis"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/orchestrator"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/policy"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/policy/rediscache"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue/kafka"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue/rabbit"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/ratelimit"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
	statefile "github.com/JudgeZ/AI-Agent-Tool-sub001/state/file"
	statepostgres "github.com/JudgeZ/AI-Agent-Tool-sub001/state/postgres"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
	agenthttp "github.com/JudgeZ/AI-Agent-Tool-sub001/toolagent/http"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		httpF   = flag.String("http", ":8080", "Health endpoint listen address")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *httpF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath, httpAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, rdb.Close)
	}

	var dedupeSvc dedupe.Service
	if cfg.Dedupe.Backend == config.BackendShared {
		dedupeSvc = deduperedis.New(rdb, deduperedis.WithLogger(logger))
	} else {
		dedupeSvc = dedupe.NewMemory()
	}
	closers = append(closers, dedupeSvc.Close)

	q, err := buildQueue(cfg, dedupeSvc, logger, metrics)
	if err != nil {
		return errors.Join(err, closeAll())
	}
	closers = append(closers, q.Close)

	store, err := buildState(cfg, logger)
	if err != nil {
		return errors.Join(err, closeAll())
	}
	closers = append(closers, store.Close)

	sweeper := state.NewSweeper(store, state.SweeperOptions{
		RetentionDays: cfg.PlanState.RetentionDays,
		Interval:      cfg.Retention.SweepInterval,
		Logger:        logger,
	})
	sweeper.Start()
	closers = append(closers, sweeper.Close)

	var locks lock.Service
	if cfg.Lock.Backend == config.BackendShared {
		locks = lockredis.New(rdb, lockredis.WithLogger(logger))
	} else {
		locks = lock.NewMemory()
	}
	closers = append(closers, locks.Close)

	var fileLocks *fslock.Manager
	if cfg.WorkspaceDir != "" {
		fileLocks, err = fslock.NewManager(cfg.WorkspaceDir, fslock.Options{Logger: logger})
		if err != nil {
			return errors.Join(err, closeAll())
		}
		closers = append(closers, fileLocks.Close)
	}

	var pingers []health.Pinger

	var enforcer policy.Enforcer = policy.NewEngine(policy.Rules{})
	if cfg.Policy.Cache.Enabled {
		var cache policy.DecisionCache
		if cfg.Policy.Cache.Backend == config.BackendShared {
			redisCache := rediscache.New(rdb)
			pingers = append(pingers, redisCache)
			cache = redisCache
		} else {
			cache = policy.NewMemoryCache(cfg.Policy.Cache.MaxEntries)
		}
		enforcer = policy.NewCachedEnforcer(enforcer, cache, policy.CacheOptions{
			TTL:     time.Duration(cfg.Policy.Cache.TTLSeconds) * time.Second,
			Logger:  logger,
			Metrics: metrics,
		})
	}

	var costs *cost.Tracker
	if cfg.Cost.Enabled {
		costStore := cost.Store(cost.NewMemoryStore(0))
		if cfg.Cost.Archive == config.ArchiveMongo {
			mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Cost.Mongo.URI))
			if err != nil {
				return errors.Join(fmt.Errorf("connect mongo: %w", err), closeAll())
			}
			closers = append(closers, func() error { return mc.Disconnect(context.Background()) })
			archive, err := costmongo.New(costmongo.Options{Client: mc, Database: cfg.Cost.Mongo.Database})
			if err != nil {
				return errors.Join(err, closeAll())
			}
			pingers = append(pingers, archive)
			costStore = archive
		}
		costs = cost.NewTracker(cost.TrackerOptions{Store: costStore, Logger: logger, Metrics: metrics})
	}

	bus := events.NewBus()
	if cfg.Events.Stream == config.StreamPulse {
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb, StreamMaxLen: cfg.Events.Pulse.MaxLen})
		if err != nil {
			return errors.Join(err, closeAll())
		}
		sinkOpts := eventspulse.Options{Client: pc, Logger: logger}
		if name := cfg.Events.Pulse.StreamName; name != "" {
			sinkOpts.StreamID = func(events.PlanStepEvent) (string, error) { return name, nil }
		}
		sink, err := eventspulse.NewSink(sinkOpts)
		if err != nil {
			return errors.Join(err, closeAll())
		}
		if _, err := bus.Register(sink); err != nil {
			return errors.Join(err, closeAll())
		}
		closers = append(closers, func() error { return sink.Close(context.Background()) })
	}

	agent, err := agenthttp.New(agenthttp.Options{
		URL:         cfg.ToolAgent.URL,
		MaxFailures: cfg.ToolAgent.Breaker.MaxFailures,
		OpenTimeout: cfg.ToolAgent.Breaker.OpenTimeout,
		Logger:      logger,
	})
	if err != nil {
		return errors.Join(err, closeAll())
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Queue:            q,
		State:            store,
		Locks:            locks,
		Policy:           enforcer,
		Agent:            agent,
		FileLocks:        fileLocks,
		Bus:              bus,
		Limiter:          ratelimit.NewSubmissionLimiter(cfg.Limits.SubmissionsPerMinute),
		Costs:            costs,
		StepsQueue:       cfg.Queue.StepsQueue,
		CompletionsQueue: cfg.Queue.CompletionsQueue,
		MaxAttempts:      cfg.Queue.RetryMaxAttempts,
		BaseBackoff:      time.Duration(cfg.Queue.RetryBaseBackoffMs) * time.Millisecond,
		MaxBackoff:       time.Duration(cfg.Queue.RetryMaxBackoffMs) * time.Millisecond,
		LockTTL:          time.Duration(cfg.Lock.TTLMs) * time.Millisecond,
		ContentCapture:   cfg.Retention.ContentCaptureEnabled,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
	})
	if err != nil {
		return errors.Join(err, closeAll())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := orch.Start(runCtx); err != nil {
		return errors.Join(err, closeAll())
	}
	log.Print(ctx, log.KV{K: "msg", V: "orchestrator started"},
		log.KV{K: "queue", V: cfg.Queue.Backend},
		log.KV{K: "state", V: cfg.PlanState.Backend},
		log.KV{K: "http", V: httpAddr})

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: httpAddr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.String()})
		errc <- nil
	}()

	err = <-errc
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return errors.Join(err, server.Shutdown(shutdownCtx), closeAll())
}

func buildQueue(cfg *config.Config, dedupeSvc dedupe.Service, logger telemetry.Logger, metrics telemetry.Metrics) (queue.Adapter, error) {
	switch cfg.Queue.Backend {
	case config.BackendBroker:
		return rabbit.New(rabbit.Options{
			URL:            cfg.Queue.Broker.URL,
			Dedupe:         dedupeSvc,
			DedupeTTL:      time.Duration(cfg.Dedupe.TTLMs) * time.Millisecond,
			Prefetch:       cfg.Queue.Prefetch,
			PublishTimeout: cfg.Queue.Broker.PublishTimeout,
			Logger:         logger,
			Metrics:        metrics,
		})
	case config.BackendLog:
		return kafka.New(kafka.Options{
			Brokers:           cfg.Queue.Log.Brokers,
			Group:             cfg.Queue.Log.Group,
			Partitions:        cfg.Queue.Log.Partitions,
			ReplicationFactor: cfg.Queue.Log.ReplicationFactor,
			AutoCreateTopics:  cfg.Queue.Log.AutoCreateTopics,
			CompactedSuffixes: cfg.Queue.Log.CompactedSuffixes,
			Dedupe:            dedupeSvc,
			DedupeTTL:         time.Duration(cfg.Dedupe.TTLMs) * time.Millisecond,
			Prefetch:          cfg.Queue.Prefetch,
			Logger:            logger,
			Metrics:           metrics,
		})
	default:
		return queue.NewMemory(
			queue.WithMemoryDedupe(dedupeSvc, time.Duration(cfg.Dedupe.TTLMs)*time.Millisecond),
			queue.WithMemoryPrefetch(cfg.Queue.Prefetch),
			queue.WithMemoryLogger(logger),
			queue.WithMemoryMetrics(metrics),
		), nil
	}
}

func buildState(cfg *config.Config, logger telemetry.Logger) (state.Store, error) {
	switch cfg.PlanState.Backend {
	case config.BackendFile:
		return statefile.Open(cfg.PlanState.File.Path, statefile.Options{Logger: logger})
	case config.BackendRelational:
		return statepostgres.Open(cfg.PlanState.Relational.DSN, statepostgres.Options{
			MaxConns: cfg.PlanState.Relational.MaxConns,
			Logger:   logger,
		})
	default:
		return state.NewMemory(), nil
	}
}
