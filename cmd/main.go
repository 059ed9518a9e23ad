package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fjod/go_cart/commerce-service/internal/cache"
	"github.com/fjod/go_cart/commerce-service/internal/config"
	"github.com/fjod/go_cart/commerce-service/internal/currency"
	"github.com/fjod/go_cart/commerce-service/internal/domain"
	admingrpc "github.com/fjod/go_cart/commerce-service/internal/grpc"
	h "github.com/fjod/go_cart/commerce-service/internal/http"
	"github.com/fjod/go_cart/commerce-service/internal/lock"
	"github.com/fjod/go_cart/commerce-service/internal/logger"
	"github.com/fjod/go_cart/commerce-service/internal/payment"
	"github.com/fjod/go_cart/commerce-service/internal/publisher"
	"github.com/fjod/go_cart/commerce-service/internal/repository"
	"github.com/fjod/go_cart/commerce-service/internal/scheduling"
	"github.com/fjod/go_cart/commerce-service/internal/service"
	"github.com/fjod/go_cart/commerce-service/internal/sweeper"
	"github.com/fjod/go_cart/commerce-service/internal/webhook"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Options{
		Service: "commerce-service",
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
	})

	if err := run(cfg, log); err != nil {
		log.Error("commerce service stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("commerce service stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres: orders, outbox, webhook audit, exchange rates, bookings
	creds := &repository.Credentials{
		Host:              cfg.Postgres.Host,
		Port:              cfg.Postgres.Port,
		User:              cfg.Postgres.User,
		Password:          cfg.Postgres.Password,
		DBName:            cfg.Postgres.DBName,
		SSLMode:           cfg.Postgres.SSLMode,
		MigrationsDirPath: cfg.MigrationsPath,
	}
	pg, err := repository.NewPostgresRepository(creds)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()
	if err := pg.RunMigrations(creds); err != nil {
		return fmt.Errorf("postgres migrations: %w", err)
	}
	log.Info("postgres migrations completed")

	// MongoDB: cart sessions
	mongoDB, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		return err
	}
	defer mongoDB.Client().Disconnect(context.Background())
	carts := repository.NewMongoCartRepository(mongoDB)
	if err := carts.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("cart indexes: %w", err)
	}
	log.Info("connected to mongodb", "database", cfg.MongoDBName)

	// SQLite: catalog used for cart price snapshots
	catalog, err := repository.NewSQLiteCatalogRepository(cfg.CatalogDBPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer catalog.Close()
	if err := catalog.RunMigrations(cfg.CatalogMigrationsPath); err != nil {
		return fmt.Errorf("catalog migrations: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis ping succeeded")

	// Exchange rates
	defaults := domain.CurrencySettings{
		BaseCurrency:        cfg.Currency.BaseCurrency,
		AutoUpdate:          cfg.Currency.AutoUpdate,
		UpdateIntervalHours: cfg.Currency.UpdateIntervalHours,
	}
	if err := pg.EnsureSettings(ctx, defaults); err != nil {
		return fmt.Errorf("currency settings: %w", err)
	}
	rates := currency.NewService(pg, currency.NewHTTPFetcher(cfg.Currency.RateSourceURL, cfg.ExternalCallTimeout), log, currency.Options{
		Defaults:       defaults,
		FailureBackoff: cfg.Currency.FailureBackoff,
		RefreshTimeout: cfg.ExternalCallTimeout,
	})
	if err := rates.Refresh(ctx); err != nil {
		log.Warn("initial exchange rate refresh failed", "error", err)
	}

	// Payment providers
	providerCfg := func(p config.ProviderConfig) payment.ClientConfig {
		return payment.ClientConfig{
			BaseURL:   p.BaseURL,
			APIKey:    p.APIKey,
			Secret:    p.Secret,
			Timeout:   cfg.ExternalCallTimeout,
			Tolerance: cfg.WebhookTolerance,
		}
	}
	for name, secret := range map[string]string{
		"card":      cfg.Providers.Card.Secret,
		"crypto":    cfg.Providers.Crypto.Secret,
		"ewallet":   cfg.Providers.EWallet.Secret,
		"scheduler": cfg.Scheduler.SigningKey,
	} {
		if secret == "" {
			log.Warn("webhook signing secret not configured, deliveries will be rejected", "source", name)
		}
	}
	providers := payment.NewRegistry(
		payment.NewCardProvider(providerCfg(cfg.Providers.Card)),
		payment.NewCryptoProvider(providerCfg(cfg.Providers.Crypto)),
		payment.NewEWalletProvider(providerCfg(cfg.Providers.EWallet)),
	)

	// Kafka
	orderEvents := publisher.NewKafkaWriter(cfg.OrderEventsTopic, cfg.KafkaBrokers...)
	defer orderEvents.Close()
	reminders := publisher.NewKafkaWriter(cfg.CartRemindersTopic, cfg.KafkaBrokers...)
	defer reminders.Close()

	locker := lock.NewRedisLocker(redisClient)

	cartManager := service.NewCartManager(
		carts,
		cache.NewRedisCache(redisClient),
		catalog,
		rates,
		locker.Mutex(30*time.Second),
		publisher.NewReminderNotifier(reminders),
		log,
		service.CartOptions{TTL: cfg.CartTTL, DefaultCurrency: cfg.Currency.BaseCurrency},
	)
	orders := service.NewOrderService(pg, providers, log, service.OrderOptions{
		CallTimeout: cfg.ExternalCallTimeout,
		ReturnURL:   cfg.Providers.ReturnURL,
	})
	checkout := service.NewCheckout(cartManager, orders, log)
	reconciler := webhook.NewReconciler(
		providers,
		orders,
		pg,
		pg,
		scheduling.NewVerifier(cfg.Scheduler.SigningKey, cfg.WebhookTolerance),
		lock.NewKeyedMutex(),
		log,
	)

	ready := func(ctx context.Context) error {
		return errors.Join(
			pg.Ping(ctx),
			mongoDB.Client().Ping(ctx, nil),
			redisClient.Ping(ctx).Err(),
		)
	}

	router := h.NewRouter(h.Handlers{
		Cart:     h.NewCartHandler(cartManager, log, cfg.RequestTimeout),
		Checkout: h.NewCheckoutHandler(checkout, log, cfg.RequestTimeout),
		Orders:   h.NewOrdersHandler(orders, log, cfg.RequestTimeout),
		Rates:    h.NewRatesHandler(rates, log, cfg.RequestTimeout),
		Webhooks: h.NewWebhookHandler(reconciler, log),
		Ready:    ready,
	}, log, cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	adminServer := admingrpc.NewServer(log)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server starting", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return adminServer.Serve(lis)
	})
	g.Go(func() error {
		adminServer.Watch(gctx, 10*time.Second, ready)
		return nil
	})
	g.Go(func() error {
		publisher.NewOutboxPoller(pg, orderEvents, log, cfg.OutboxPollInterval, cfg.OutboxBatchSize).Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.New(locker, cartManager, orders, log, sweeper.Config{
			Interval:       cfg.SweepInterval,
			AbandonedAfter: cfg.AbandonedAfter,
			BatchSize:      cfg.SweepBatchSize,
			RecheckAfter:   cfg.OrderRecheckAfter,
			PendingTTL:     cfg.OrderPendingTTL,
		}).Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		adminServer.GracefulStop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
