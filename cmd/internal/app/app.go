// Package app wires the relay runtime: config, logging, HTTP routes, the presence gateway,
// the messaging API and the broker link.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"relay/cmd/identity"
	"relay/cmd/internal/broker"
	"relay/cmd/internal/events"
	"relay/cmd/internal/messaging"
	"relay/cmd/internal/realtime"
	"relay/cmd/security/token"
)

// Mode selects which parts of the runtime start.
type Mode int

const (
	// ModeServe runs the gateway, the HTTP API and the producer (plus consumers when broker.consume).
	ModeServe Mode = iota
	// ModeWorker runs the queue consumers with health and metrics endpoints only.
	ModeWorker
)

func (m Mode) String() string {
	if m == ModeWorker {
		return "worker"
	}
	return "serve"
}

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg  Config
	log  Logger
	mode Mode

	metrics *prometheus.Registry

	dbPool *pgxpool.Pool
	repo   messaging.Repository
	redis  redis.UniversalClient

	registry   *realtime.Registry
	hub        *realtime.Hub
	memRevoked *realtime.MemoryRevocationCache // nil when revocations live in Redis
	refiller   *realtime.Refiller
	reaper     *realtime.Reaper
	ws         *realtime.WSGateway

	broker        *broker.Manager // nil when broker.url is empty
	brokerMetrics *broker.Metrics
	consumer      *broker.Consumer

	api *messaging.Handler
}

// New constructs a fully wired App.
func New(ctx context.Context, cfg Config, log Logger, mode Mode) (*App, error) {
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, mode: mode, metrics: prometheus.NewRegistry()}
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.initBroker(); err != nil {
		return nil, err
	}
	if mode == ModeWorker {
		return a, nil
	}

	if err := a.initStorage(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.initRealtime(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) initBroker() error {
	if a.cfg.Broker.URL == "" {
		a.log.Info("broker.disabled")
		return nil
	}
	m := broker.NewMetrics(a.metrics)
	a.brokerMetrics = m
	a.broker = broker.NewManager(a.log, broker.AMQPDialer{
		URL:            a.cfg.Broker.URL,
		DialTimeout:    a.cfg.Broker.DialTimeout,
		Heartbeat:      a.cfg.Broker.Heartbeat,
		ConnectionName: a.cfg.Broker.ConnectionName,
	}, broker.ManagerConfig{
		MaxReconnectAttempts: a.cfg.Broker.MaxReconnectAttempts,
		ReconnectInterval:    a.cfg.Broker.ReconnectInterval,
	}, m)
	a.consumer = broker.NewConsumer(a.log, a.broker, a.cfg.Broker.ReconnectInterval, m)
	return nil
}

// initStorage decides between the Postgres repository and the in-memory dev repository.
func (a *App) initStorage(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.log.Info("db.disabled.inmemory_repository")
		a.repo = messaging.NewInMemoryRepository()
	} else {
		pool, err := NewDBPool(ctx, a.cfg.Database)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.dbPool = pool

		repo, err := messaging.NewPostgresRepository(pool, messaging.WithSchema(a.cfg.Database.Schema))
		if err != nil {
			return err
		}
		if a.cfg.Database.EnsureSchema {
			if err := repo.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		a.repo = repo
		a.log.Info("db.enabled.postgres_repository", "schema", a.cfg.Database.Schema)
	}

	if a.cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		a.log.Info("revocation.redis.enabled", "prefix", a.cfg.Redis.Prefix)
	}
	return nil
}

func (a *App) initRealtime() error {
	hasher, err := token.NewHasher(a.cfg.Security.CredentialHMACKey, minCredentialKeyBytes)
	if err != nil {
		return err
	}
	signer, err := token.NewSigner(a.cfg.Security.SignatureSecret)
	if err != nil {
		return err
	}

	rtMetrics := realtime.NewMetrics(a.metrics)
	a.hub = realtime.NewHub(a.log, rtMetrics)
	a.registry = realtime.NewRegistry(a.log, a.cfg.Policy(),
		realtime.WithBroadcaster(a.hub),
		realtime.WithMetrics(rtMetrics),
	)

	var revoked realtime.RevocationCache
	if a.redis != nil {
		revoked = realtime.NewRedisRevocationCache(a.redis, a.cfg.Redis.Prefix, a.cfg.Presence.BlockRetention)
	} else {
		a.memRevoked = realtime.NewMemoryRevocationCache(a.cfg.Presence.BlockRetention, nil)
		revoked = a.memRevoked
	}

	verifier := identity.NewHTTPVerifier(a.cfg.Identity.URL, a.cfg.Identity.Timeout, nil)
	gk := realtime.NewGatekeeper(a.log, realtime.GatekeeperConfig{
		Registry:      a.registry,
		Revoked:       revoked,
		Verifier:      verifier,
		Hasher:        hasher,
		VerifyTimeout: a.cfg.Identity.Timeout,
		Metrics:       rtMetrics,
	})
	dispatcher := realtime.NewDispatcher(a.log, a.registry, a.hub, signer)

	a.ws = realtime.NewWSGateway(a.log, a.cfg.Gateway(), gk, a.registry, a.hub, dispatcher, rtMetrics)
	a.refiller = realtime.NewRefiller(a.log, a.registry, a.cfg.Presence.RefillInterval)
	a.reaper = realtime.NewReaper(a.log, a.registry, a.hub, a.cfg.Presence.ReapInterval, rtMetrics)

	var publisher messaging.Publisher
	if a.broker != nil {
		publisher = broker.NewProducer(a.log, a.broker, a.brokerMetrics)
	}
	svc := messaging.NewService(a.log, a.repo, dispatcher, publisher)
	a.api = messaging.NewHandler(a.log, svc, verifier, messaging.APIConfig{
		MaxBodyBytes:  a.cfg.API.MaxBodyBytes,
		SendPerMinute: a.cfg.API.SendPerMinute,
		SendBurst:     a.cfg.API.SendBurst,
		TrustProxy:    a.cfg.HTTP.TrustProxy,
	})
	return nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	rt := routes{
		log:      a.log,
		cfg:      a.cfg,
		gatherer: a.metrics,
		dbPool:   a.dbPool,
		ws:       a.ws,
		api:      a.api,
	}
	if a.broker != nil {
		rt.broker = a.broker
	}
	registerHTTP(mux, rt)
	return WithRequestLogging(mux, a.log)
}

// Run starts every component and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTP.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTP.MaxHeaderBytes, 1<<20),
	}

	g, gctx := errgroup.WithContext(ctx)

	a.log.Info("server.start",
		"mode", a.mode.String(),
		"addr", a.cfg.HTTP.Addr,
		"db_enabled", a.dbPool != nil,
		"broker_enabled", a.broker != nil,
	)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.HTTP.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Hijacked websocket connections are not tracked by Shutdown.
		if a.hub != nil {
			if n := a.hub.CloseAll("server shutting down"); n > 0 {
				a.log.Info("ws.shutdown.closed", "connections", n)
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.refiller != nil {
		g.Go(func() error { return a.refiller.Run(gctx) })
	}
	if a.reaper != nil {
		g.Go(func() error { return a.reaper.Run(gctx) })
	}
	if a.memRevoked != nil {
		g.Go(func() error { return a.memRevoked.Run(gctx, a.log, time.Hour) })
	}

	if a.broker != nil {
		g.Go(func() error {
			// A failed first dial is retried by the manager itself.
			if err := a.broker.Connect(gctx); err != nil {
				a.log.Warn("broker.connect.initial.fail", "err", err)
			}
			return nil
		})
		if a.mode == ModeWorker || a.cfg.Broker.Consume {
			for queue, h := range events.AuditHandlers(a.log) {
				g.Go(func() error { return a.consumer.Run(gctx, queue, h) })
			}
		}
	}

	err := g.Wait()
	if a.consumer != nil {
		a.consumer.Wait()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// close releases resources in reverse dependency order. It tolerates partially built apps.
func (a *App) close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Warn("broker.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
