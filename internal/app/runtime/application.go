package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/riskledger/internal/app"
	"github.com/R3E-Network/riskledger/internal/app/httpapi"
	"github.com/R3E-Network/riskledger/internal/app/storage"
	"github.com/R3E-Network/riskledger/internal/app/storage/memory"
	"github.com/R3E-Network/riskledger/internal/app/storage/postgres"
	"github.com/R3E-Network/riskledger/internal/config"
	"github.com/R3E-Network/riskledger/internal/middleware"
	"github.com/R3E-Network/riskledger/internal/platform/locking"
	"github.com/R3E-Network/riskledger/internal/platform/migrations"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	core       *app.Application
	resources  *Resources
	limiter    *middleware.RateLimiter
	handler    http.Handler
	httpServer *http.Server
}

// NewApplication constructs a new application instance from the environment.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(ctx, cfg, NewLogger(cfg))
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})
}

// New wires an application from an already loaded configuration.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("runtime")
	}

	resources, err := Open(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	core, err := NewCore(cfg, resources, log)
	if err != nil {
		resources.Close()
		return nil, err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log.Named("ratelimit"))
	handler := httpapi.NewHandler(core, httpapi.Options{
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		AdminRole:      cfg.Auth.AdminRole,
		RateLimiter:    limiter,
		AllowedOrigins: cfg.Server.AllowedOrigins(),
	}, log.Named("httpapi"))

	return &Application{
		cfg:       cfg,
		log:       log,
		core:      core,
		resources: resources,
		limiter:   limiter,
		handler:   handler,
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           handler,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout,
		},
	}, nil
}

// NewCore builds the domain application on top of opened resources.
func NewCore(cfg *config.Config, resources *Resources, log *logger.Logger) (*app.Application, error) {
	opts, err := app.OptionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("application options: %w", err)
	}
	opts.Locker = resources.Locker
	core, err := app.New(app.Stores{Ledger: resources.Store}, opts, log.Named("app"))
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return core, nil
}

// Core exposes the domain application.
func (a *Application) Core() *app.Application { return a.core }

// Handler exposes the HTTP handler, mainly for tests.
func (a *Application) Handler() http.Handler { return a.handler }

// Run starts background services and the HTTP server and blocks until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.core.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	go a.limiter.RunCleanup(ctx, time.Minute, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, then the background services, then closes
// external connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.core.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("services: %w", err))
	}
	a.resources.Close()
	return errors.Join(errs...)
}

// Resources are the external handles opened from configuration.
type Resources struct {
	Store  storage.Store
	Locker locking.Locker

	db    *sqlx.DB
	redis *redis.Client
	log   *logger.Logger
}

// Open connects the ledger store and the scheduler lock. An empty DSN selects
// the in-memory store and an empty Redis address an in-process lock.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Resources, error) {
	res := &Resources{log: log}

	if cfg.Database.DSN == "" {
		log.Warn("DATABASE_URL not set; using in-memory ledger store")
		res.Store = memory.New()
	} else {
		if cfg.Database.AutoMigrate {
			if err := migrations.Up(cfg.Database.DSN); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		res.db = db
		res.Store = postgres.New(db)
	}

	if cfg.Redis.Addr == "" {
		res.Locker = locking.NewLocal()
	} else {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			res.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		res.redis = client
		res.Locker = locking.NewRedis(client, "")
		log.WithField("addr", cfg.Redis.Addr).Info("scheduler lock backed by redis")
	}
	return res, nil
}

// Close releases the database and redis connections.
func (r *Resources) Close() {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.WithError(err).Warn("error closing database connection")
		}
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
