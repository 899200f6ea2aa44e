package infrastructure

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/quintans/faults"
	"github.com/quintans/toolkit/latch"
	"github.com/sirupsen/logrus"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/app"
	"github.com/sam-aamir/Account-Transfer-System/internal/infra/controller"
	"github.com/sam-aamir/Account-Transfer-System/internal/infra/gateway/memory"
	"github.com/sam-aamir/Account-Transfer-System/internal/infra/gateway/nats"
	"github.com/sam-aamir/Account-Transfer-System/internal/infra/gateway/pg"
	"github.com/sam-aamir/Account-Transfer-System/internal/infra/gateway/redis"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	ApiPort            int    `env:"API_PORT" envDefault:"8000"`
	Store              string `env:"STORE" envDefault:"memory"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
	SeedSampleAccounts bool   `env:"SEED_SAMPLE_ACCOUNTS" envDefault:"false"`

	ConfigTransfer
	ConfigDb
	ConfigRedis
	ConfigNats
}

type ConfigTransfer struct {
	MaxAttempts     int           `env:"TRANSFER_MAX_ATTEMPTS" envDefault:"5"`
	RetryBackoff    time.Duration `env:"TRANSFER_RETRY_BACKOFF" envDefault:"10ms"`
	RetryMaxBackoff time.Duration `env:"TRANSFER_RETRY_MAX_BACKOFF" envDefault:"200ms"`
}

type ConfigDb struct {
	DbUser           string        `env:"DB_USER" envDefault:"root"`
	DbPassword       string        `env:"DB_PASSWORD" envDefault:"password"`
	DbHost           string        `env:"DB_HOST" envDefault:"localhost"`
	DbPort           int           `env:"DB_PORT" envDefault:"5432"`
	DbName           string        `env:"DB_NAME" envDefault:"accounts"`
	DbMaxConns       int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	ReservationLease time.Duration `env:"RESERVATION_LEASE" envDefault:"30s"`
}

func (c ConfigDb) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", c.DbUser, c.DbPassword, c.DbHost, c.DbPort, c.DbName)
}

type ConfigRedis struct {
	RedisAddr string        `env:"REDIS_ADDR"`
	RedisTTL  time.Duration `env:"REDIS_TTL" envDefault:"24h"`
}

type ConfigNats struct {
	NatsURL     string `env:"NATS_URL"`
	NatsSubject string `env:"NATS_SUBJECT" envDefault:"transfers"`
}

// Services holds the wired use cases and whatever must be closed on shutdown.
type Services struct {
	Accounts  app.AccountService
	Transfers app.TransferService
	closers   []func()
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func NewServices(ctx context.Context, cfg *Config, logger logrus.FieldLogger) (_ *Services, err error) {
	svc := &Services{}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	var (
		accRepo domain.AccountRepository
		recRepo domain.TransferRepository
		tx      app.Tx
	)
	switch cfg.Store {
	case StoreMemory:
		accRepo = memory.NewAccountRepository()
		recRepo = memory.NewTransferRepository()
		tx = memory.WithTx
	case StorePostgres:
		logger.Info("doing migration")
		dbURL := cfg.ConfigDb.URL()
		if err := pg.Migrate(logger, dbURL); err != nil {
			return nil, err
		}
		pool, err := pg.Connect(ctx, dbURL, cfg.DbMaxConns)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, pool.Close)
		db := pg.NewDB(pool)
		accRepo = pg.NewAccountRepository(db)
		recRepo = pg.NewTransferRepository(db, cfg.ReservationLease)
		tx = db.WithTx
	default:
		return nil, faults.Errorf("unknown store '%s'", cfg.Store)
	}

	if cfg.RedisAddr != "" {
		client, err := redis.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		recRepo = redis.NewTransferCache(logger, client, recRepo, cfg.RedisTTL)
	}

	var notifier domain.TransferNotifier
	if cfg.NatsURL != "" {
		pub, err := nats.NewPublisher(logger, cfg.NatsURL, cfg.NatsSubject)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, pub.Close)
		notifier = pub
	}

	// Usecases
	svc.Accounts = app.NewAccountService(logger, accRepo)
	svc.Transfers = app.NewTransferService(logger, accRepo, recRepo, tx, notifier, &app.TransferOptions{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.RetryBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
	})

	if cfg.SeedSampleAccounts {
		if err := seed(ctx, svc.Accounts); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func seed(ctx context.Context, accounts app.AccountService) error {
	for _, cmd := range []domain.CreateAccountCommand{
		{Name: "Alice", Balance: 1000},
		{Name: "Bob", Balance: 500},
	} {
		if _, err := accounts.Create(ctx, cmd); err != nil {
			return faults.Errorf("seeding account '%s': %w", cmd.Name, err)
		}
	}
	return nil
}

func NewEcho(c controller.RestController) *echo.Echo {
	// Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Routes
	e.GET("/", c.Ping)
	e.POST("/accounts", c.Create)
	e.GET("/accounts", c.List)
	e.GET("/accounts/:id", c.Account)
	e.POST("/transfers", c.Transfer)
	e.GET("/transfers/:key", c.TransferRecord)

	return e
}

func Setup(cfg *Config, logger logrus.FieldLogger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewServices(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("%+v", err)
	}
	defer svc.Close()

	// controllers
	rest := controller.NewRestController(logger, svc.Accounts, svc.Transfers)

	ltx := latch.NewCountDownLatch()

	// rest server
	ltx.Add(1)
	go func() {
		startRestServer(ctx, logger, rest, cfg.ApiPort)
		ltx.Done()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-quit
	cancel()
	ltx.WaitWithTimeout(10 * time.Second)
}

func startRestServer(ctx context.Context, logger logrus.FieldLogger, c controller.RestController, port int) {
	e := NewEcho(c)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(c); err != nil {
			logger.WithError(err).Error("failed shutting down the server")
		}
	}()

	// Start server
	address := fmt.Sprintf(":%d", port)
	if err := e.Start(address); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("failing shutting down the server")
	} else {
		logger.Info("shutting down the server")
	}
}
