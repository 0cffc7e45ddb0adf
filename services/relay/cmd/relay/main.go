package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"txtwise/internal/opstoken"
	"txtwise/internal/ratelimit"
	"txtwise/internal/util"
	"txtwise/pkg/ai"
	"txtwise/pkg/domain"
	"txtwise/pkg/events"
	"txtwise/pkg/outbound"
	"txtwise/pkg/queue"
	"txtwise/pkg/quota"
	"txtwise/pkg/secretbox"
	"txtwise/pkg/sms"
	"txtwise/pkg/storage"
	"txtwise/pkg/store"
	"txtwise/services/relay/internal/app"
	"txtwise/services/relay/internal/config"
	"txtwise/services/relay/internal/server"
	"txtwise/services/relay/internal/worker"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	box, err := secretbox.New(cfg.EncryptionKey)
	if err != nil {
		util.Fatal("failed to init encryption", "err", err)
	}

	var db *gorm.DB
	var dataStore store.Store
	switch cfg.StoreBackend {
	case "postgres":
		db, err = store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to open database", "err", err)
		}
		dataStore, err = store.NewGormStore(db, box)
		if err != nil {
			util.Fatal("failed to init store", "err", err)
		}
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore(box)
	}

	var jobs queue.Queue
	switch cfg.QueueBackend {
	case "postgres":
		jobs, err = queue.NewPostgresQueue(db, box)
	case "redis":
		jobs, err = queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.QueuePrefix,
			Box:      box,
		})
	default:
		jobs = queue.NewMemoryQueue()
	}
	if err != nil {
		util.Fatal("failed to init job queue", "backend", cfg.QueueBackend, "err", err)
	}

	registry := ai.NewRegistry(domain.Provider(cfg.ImageProvider))
	var available []domain.Provider
	for _, p := range domain.Providers {
		pc, ok := cfg.Providers[string(p)]
		if !ok || pc.APIKey == "" {
			continue
		}
		adapter, err := ai.NewAdapter(p, ai.ProviderConfig{
			APIKey:     pc.APIKey,
			BaseURL:    pc.BaseURL,
			Model:      pc.Model,
			ImageModel: pc.ImageModel,
			MaxTokens:  pc.MaxTokens,
		})
		if err != nil {
			util.Fatal("failed to init provider", "provider", string(p), "err", err)
		}
		registry.Register(p, adapter)
		available = append(available, p)
	}
	logger.Info("providers configured", "providers", available, "image_provider", cfg.ImageProvider)

	bucket, err := quota.ParseBucket(cfg.UsageBucket)
	if err != nil {
		util.Fatal("invalid usage bucket", "err", err)
	}
	ledger := quota.NewLedger(dataStore, quota.Config{
		DailyCeiling: cfg.QuotaCeiling,
		ImageCost:    cfg.ImageCost,
		Bucket:       bucket,
	})
	resets := quota.NewScheduler(ledger, cfg.ResetSchedule)

	var transport outbound.Transport
	if cfg.SMSTransport == "log" {
		transport = sms.NewLogTransport(logger)
	} else {
		transport, err = sms.NewClient(sms.Config{
			SpaceURL:  cfg.SignalWireSpaceURL,
			ProjectID: cfg.SignalWireProjectID,
			APIToken:  cfg.SignalWireAPIToken,
		})
		if err != nil {
			util.Fatal("failed to init sms client", "err", err)
		}
	}
	limiter := outbound.NewLimiter(transport, time.Duration(cfg.OutboundSpacingMs)*time.Millisecond)

	var images worker.ImageHost
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
		images = storage.NewImageHost(objects, 0)
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to init event publisher", "err", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	relayWorker, err := worker.New(worker.Config{
		Queue:        jobs,
		Store:        dataStore,
		Providers:    registry,
		Ledger:       ledger,
		Outbound:     limiter,
		Images:       images,
		Events:       publisher,
		Policy:       worker.FailurePolicy(cfg.FailedJobPolicy),
		MaxAttempts:  cfg.MaxAttempts,
		PollInterval: time.Duration(cfg.WorkerPollSecs) * time.Second,
	})
	if err != nil {
		util.Fatal("failed to init worker", "err", err)
	}

	var inboundLimit app.RateLimiter
	if cfg.InboundRateLimit > 0 {
		rl, err := ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "txtwise:inbound",
			cfg.InboundRateLimit, time.Duration(cfg.InboundRateWindowSecs)*time.Second,
		)
		if err != nil {
			util.Fatal("failed to init inbound rate limiter", "err", err)
		}
		defer rl.Close()
		inboundLimit = rl
	}

	appCore, err := app.New(app.Config{
		Store:     dataStore,
		Queue:     jobs,
		Ledger:    ledger,
		Outbound:  limiter,
		Worker:    relayWorker,
		RateLimit: inboundLimit,
		Providers: available,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	var opsVerifier *opstoken.Verifier
	if cfg.OpsTokenSecret != "" {
		opsVerifier, err = opstoken.NewVerifier(cfg.OpsTokenSecret, 0)
		if err != nil {
			util.Fatal("failed to init operator token verifier", "err", err)
		}
	}

	httpServer := server.New(server.Config{App: appCore, OpsVerifier: opsVerifier})
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("relay server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return relayWorker.Run(gctx)
	})
	g.Go(func() error {
		return resets.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		if err := limiter.Close(shutdownCtx); err != nil {
			logger.Warn("outbound drain incomplete", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
