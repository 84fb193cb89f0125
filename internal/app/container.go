// README: dig container; wires config, storage, transports and services for the API process.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"

	"marketplace/internal/config"
	"marketplace/internal/events"
	httpapi "marketplace/internal/http"
	"marketplace/internal/infra"
	"marketplace/internal/logx"
	"marketplace/internal/metrics"
	"marketplace/internal/modules/confirmation"
	"marketplace/internal/modules/courierpool"
	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/eta"
	"marketplace/internal/modules/order"
	"marketplace/internal/modules/penalty"
	"marketplace/internal/modules/timeout"
	"marketplace/internal/storage"
	"marketplace/internal/storage/memory"
	pg "marketplace/internal/storage/postgres"
	"marketplace/internal/transport/kafka"
)

// ContainerBuilder is a dig container builder.
type ContainerBuilder struct {
	loadConfig   func() (config.Config, error)
	dbConnect    func(context.Context, string, int, time.Duration) (*pgxpool.Pool, error)
	redisConnect func(context.Context, string) (*redis.Client, error)
	logFatalf    func(string, ...interface{})
}

func NewContainerBuilder() *ContainerBuilder {
	return &ContainerBuilder{
		loadConfig:   config.Load,
		dbConnect:    infra.NewDB,
		redisConnect: infra.NewRedis,
		logFatalf:    log.Fatalf,
	}
}

// WithConfig replaces config loading with a fixed value.
func (b *ContainerBuilder) WithConfig(cfg config.Config) *ContainerBuilder {
	b.loadConfig = func() (config.Config, error) { return cfg, cfg.Validate() }
	return b
}

func (b *ContainerBuilder) WithDBConnect(
	fn func(context.Context, string, int, time.Duration) (*pgxpool.Pool, error),
) *ContainerBuilder {
	if fn != nil {
		b.dbConnect = fn
	}
	return b
}

func (b *ContainerBuilder) WithLogFatalf(fn func(string, ...interface{})) *ContainerBuilder {
	if fn != nil {
		b.logFatalf = fn
	}
	return b
}

// MustBuild builds the container or exits through logFatalf.
func (b *ContainerBuilder) MustBuild(ctx context.Context) *dig.Container {
	container, err := b.Build(ctx)
	if err != nil {
		b.logFatalf("failed to build container: %v", err)
	}
	return container
}

func (b *ContainerBuilder) Build(ctx context.Context) (*dig.Container, error) {
	container := dig.New()

	if err := b.registerCore(container, ctx); err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	if err := b.registerStorage(container); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := registerTransport(container); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if err := registerServices(container); err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	if err := registerHTTP(container); err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	return container, nil
}

func provideAll(container *dig.Container, providers ...any) error {
	for _, provider := range providers {
		if err := container.Provide(provider); err != nil {
			return fmt.Errorf("provide %T: %w", provider, err)
		}
	}
	return nil
}

func (b *ContainerBuilder) registerCore(container *dig.Container, ctx context.Context) error {
	return provideAll(container,
		func() context.Context { return ctx },
		b.loadConfig,
		func(cfg config.Config) logx.Logger { return logx.New(os.Stdout, cfg.Log.Level) },
		func() *prometheus.Registry {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			return reg
		},
		func(reg *prometheus.Registry) *metrics.Collectors { return metrics.New(reg) },
	)
}

// resources owns the external connections; either field may be nil.
type resources struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

func (r *resources) Close(log logx.Logger) {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			log.Warn("redis close failed", logx.Err(err))
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

// stores is the storage backend chosen by config.
type stores struct {
	tx            storage.TxManager
	orders        order.Store
	offers        dispatch.Store
	confirmations confirmation.Store
	penalties     penalty.Store
	couriers      courierpool.Store
}

func (b *ContainerBuilder) registerStorage(container *dig.Container) error {
	provideResources := func(ctx context.Context, cfg config.Config, log logx.Logger) (*resources, error) {
		res := &resources{}
		if cfg.DB.Driver == "postgres" {
			pool, err := b.dbConnect(ctx, cfg.DB.DSN, 10, time.Second)
			if err != nil {
				return nil, err
			}
			res.pool = pool
			if dir := cfg.DB.MigrationsDir; dir != "" {
				if err := pg.ApplyDir(ctx, pool, dir); err != nil {
					pool.Close()
					return nil, fmt.Errorf("apply migrations: %w", err)
				}
				log.Info("migrations applied", logx.String("dir", dir))
			}
		}
		if !cfg.Redis.Disabled {
			client, err := b.redisConnect(ctx, cfg.Redis.Addr)
			if err != nil {
				res.Close(log)
				return nil, err
			}
			res.redis = client
		}
		log.Info("storage ready",
			logx.String("db_driver", cfg.DB.Driver),
			logx.Bool("redis", res.redis != nil),
		)
		return res, nil
	}
	provideStores := func(res *resources, log logx.Logger) *stores {
		s := &stores{}
		if res.pool != nil {
			s.tx = pg.NewTxManager(res.pool)
			s.orders = order.NewPGStore(res.pool)
			s.offers = dispatch.NewPGStore(res.pool)
			s.confirmations = confirmation.NewPGStore(res.pool)
			s.penalties = penalty.NewPGStore(res.pool)
		} else {
			db := memory.New()
			s.tx = db
			s.orders = db.Orders()
			s.offers = db.Offers()
			s.confirmations = db.Confirmations()
			s.penalties = db.Penalties()
		}
		if res.redis != nil {
			s.couriers = courierpool.NewRedisStore(res.redis, log)
		} else {
			s.couriers = memory.NewCourierPool()
		}
		return s
	}
	return provideAll(container, provideResources, provideStores)
}

type firebaseClients struct {
	verifier  infra.TokenVerifier
	messenger events.Messenger
	tracking  events.TrackingWriter
}

func registerTransport(container *dig.Container) error {
	provideFirebase := func(ctx context.Context, cfg config.Config, log logx.Logger) (*firebaseClients, error) {
		if cfg.Firebase.InsecureDevAuth {
			log.Warn("insecure dev auth enabled; bearer tokens are uid:role")
			return &firebaseClients{verifier: infra.DevVerifier{}}, nil
		}
		fbApp, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
		if err != nil {
			return nil, err
		}
		verifier, err := infra.NewFirebaseVerifier(ctx, fbApp)
		if err != nil {
			return nil, err
		}
		out := &firebaseClients{verifier: verifier}
		if cfg.Firebase.Push {
			client, err := infra.NewMessaging(ctx, fbApp)
			if err != nil {
				return nil, err
			}
			out.messenger = client
		}
		if cfg.Firebase.DatabaseURL != "" {
			tracking, err := infra.NewTracking(ctx, fbApp)
			if err != nil {
				return nil, err
			}
			out.tracking = tracking
		}
		return out, nil
	}
	provideBus := func(cfg config.Config, log logx.Logger, res *resources, fb *firebaseClients) *events.Bus {
		bus := events.NewBus(log, 5*time.Second)
		if res.redis != nil {
			bus.AddSink(events.NewRedisSink(res.redis, cfg.Events.Channel))
		}
		if fb.messenger != nil {
			bus.AddSink(events.NewFCMSink(fb.messenger))
		}
		if fb.tracking != nil {
			bus.AddSink(events.NewRTDBSink(fb.tracking))
		}
		return bus
	}
	provideEstimator := func(cfg config.Config, log logx.Logger) (dispatch.Estimator, error) {
		if cfg.Maps.APIKey == "" {
			log.Info("no maps key; using straight-line delivery estimates")
			return eta.HaversineEstimator{SpeedKmh: 25, Overhead: 10 * time.Minute}, nil
		}
		est, err := eta.NewMapsEstimator(cfg.Maps.APIKey, cfg.Maps.Language, cfg.Maps.Region)
		if err != nil {
			return nil, err
		}
		return est, nil
	}
	providePayments := func(cfg config.Config, orders *order.Service, log logx.Logger) (*kafka.Consumer, error) {
		return kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.PaymentsTopic, orders.ApplyPayment, log)
	}
	return provideAll(container, provideFirebase, provideBus, provideEstimator, providePayments)
}

func registerServices(container *dig.Container) error {
	return provideAll(container,
		func(cfg config.Config, s *stores, bus *events.Bus, log logx.Logger, m *metrics.Collectors) *penalty.Service {
			return penalty.NewService(s.penalties, s.tx, penalty.Config{
				Threshold: cfg.Blocks.Threshold,
				Window:    cfg.Blocks.Window,
				Ladder:    cfg.Blocks.Ladder,
			}, penalty.Deps{Events: bus, Logger: log, Metrics: m})
		},
		func(cfg config.Config, s *stores, pen *penalty.Service, bus *events.Bus, log logx.Logger, m *metrics.Collectors) *order.Service {
			return order.NewService(s.orders, s.tx, order.Config{CodeLength: cfg.Confirmation.CodeLength}, order.Deps{
				Gate:    pen,
				Tally:   pen,
				Events:  bus,
				Logger:  log,
				Metrics: m,
			})
		},
		func(cfg config.Config, s *stores, log logx.Logger) *courierpool.Service {
			return courierpool.NewService(s.couriers, courierpool.Config{
				RadiusKm:    cfg.Dispatch.RadiusKm,
				PoolSize:    cfg.Dispatch.PoolSize,
				PresenceTTL: cfg.Dispatch.PresenceTTL,
			}, log)
		},
		func(
			cfg config.Config,
			s *stores,
			orders *order.Service,
			couriers *courierpool.Service,
			estimator dispatch.Estimator,
			bus *events.Bus,
			log logx.Logger,
			m *metrics.Collectors,
		) *dispatch.Service {
			svc := dispatch.NewService(s.offers, s.tx, orders, couriers, dispatch.Config{
				OfferTTL:    cfg.Dispatch.OfferTTL,
				FanOut:      cfg.Dispatch.FanOut,
				AutoPublish: cfg.Dispatch.AutoPublish,
			}, dispatch.Deps{Estimator: estimator, Events: bus, Logger: log, Metrics: m})
			bus.Subscribe(events.KindStatusChanged, svc.OnStatusChanged)
			return svc
		},
		func(cfg config.Config, s *stores, orders *order.Service, bus *events.Bus, log logx.Logger, m *metrics.Collectors) *confirmation.Service {
			return confirmation.NewService(s.confirmations, s.tx, orders, confirmation.Config{
				MaxAttempts: cfg.Confirmation.MaxAttempts,
			}, confirmation.Deps{Events: bus, Logger: log, Metrics: m})
		},
		func(cfg config.Config, s *stores, orders *order.Service, pen *penalty.Service, log logx.Logger, m *metrics.Collectors) *timeout.Service {
			return timeout.NewService(orders, pen, s.tx, timeout.Config{
				Interval:            cfg.Sweep.Interval,
				PendingPaymentAfter: cfg.Sweep.PendingPaymentAfter,
				ConfirmedAfter:      cfg.Sweep.ConfirmedAfter,
				BatchSize:           cfg.Sweep.BatchSize,
			}, log, m)
		},
	)
}

type serverParams struct {
	dig.In

	Config   config.Config
	Log      logx.Logger
	Metrics  *metrics.Collectors
	Registry *prometheus.Registry
	Firebase *firebaseClients
	Orders   *order.Service
	Dispatch *dispatch.Service
	Couriers *courierpool.Service
	Confirm  *confirmation.Service
	Penalty  *penalty.Service
	Sweeper  *timeout.Service
}

func registerHTTP(container *dig.Container) error {
	serverProvider := func(p serverParams) *http.Server {
		api := httpapi.NewServer(httpapi.ServerDeps{
			Order:    p.Orders,
			Dispatch: p.Dispatch,
			Couriers: p.Couriers,
			Confirm:  p.Confirm,
			Penalty:  p.Penalty,
			Sweeper:  p.Sweeper,
			Verifier: p.Firebase.verifier,
			Log:      p.Log,
			Metrics:  p.Metrics,
			Gatherer: p.Registry,
		})
		return &http.Server{
			Addr:              p.Config.HTTP.Addr,
			Handler:           api.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}
	return provideAll(container, serverProvider)
}
