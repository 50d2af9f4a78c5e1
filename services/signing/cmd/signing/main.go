package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signflow/internal/ratelimit"
	"signflow/internal/servicetoken"
	"signflow/internal/usertoken"
	"signflow/internal/util"
	"signflow/pkg/metrics"
	"signflow/pkg/queue"
	"signflow/pkg/sealing"
	"signflow/pkg/sequence"
	"signflow/pkg/storage"
	"signflow/pkg/store"
	"signflow/services/signing/internal/app"
	"signflow/services/signing/internal/config"
	"signflow/services/signing/internal/notify"
	"signflow/services/signing/internal/security"
	"signflow/services/signing/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Region:    cfg.MinioRegion,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	var pipelineOpts []sealing.Option
	if cfg.LegalBasis != "" {
		pipelineOpts = append(pipelineOpts, sealing.WithLegalBasis(cfg.LegalBasis))
	}
	if cfg.WatermarkText != "" {
		pipelineOpts = append(pipelineOpts, sealing.WithWatermarkText(cfg.WatermarkText))
	}
	pipeline := sealing.NewPipeline(objects, sealing.NewPDFCPUStamper(), cfg.PublicBaseURL, pipelineOpts...)

	sender, closeSender, err := newSender(cfg, logger)
	if err != nil {
		log.Fatalf("failed to init mail sender: %v", err)
	}
	defer closeSender()

	var jobs *queue.RedisJobQueue
	var dispatcher app.Dispatcher
	if cfg.RedisAddr != "" {
		jobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:           cfg.RedisAddr,
			Password:       cfg.RedisPassword,
			Stream:         cfg.QueueStream,
			Group:          cfg.QueueGroup,
			MaxRetries:     cfg.QueueMaxRetries,
			SealMaxRetries: cfg.SealMaxRetries,
		})
		if err != nil {
			log.Fatalf("failed to init job queue: %v", err)
		}
		defer jobs.Close()
		dispatcher = app.QueueDispatcher{Queue: jobs}
	}

	appCore, err := app.New(app.Config{
		Store:            db,
		Objects:          objects,
		Pipeline:         pipeline,
		Issuer:           sequence.NewIssuer(cfg.ContractPrefix),
		Dispatcher:       dispatcher,
		Sender:           sender,
		PublicBaseURL:    cfg.PublicBaseURL,
		DocumentTokenTTL: config.DurationOrZero(cfg.DocumentTokenTTL),
		SignTokenTTL:     config.DurationOrZero(cfg.SignTokenTTL),
		PresignExpiry:    config.DurationOrZero(cfg.PresignExpiry),
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if jobs != nil {
		jobs.Start(ctx, cfg.QueueConcurrency, appCore.HandleJob)
	}
	go resealLoop(ctx, appCore, config.DurationOrZero(cfg.ResealInterval))

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:       cfg.AuthJWKSURL,
		PublicKeyPath: cfg.AuthPublicKeyPath,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		Leeway:        config.DurationOrZero(cfg.JWTLeeway),
		HTTPClient:    &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}
	opsVerifier, err := newOpsVerifier(cfg)
	if err != nil {
		log.Fatalf("failed to init ops verifier: %v", err)
	}

	var limiter server.Limiter
	var alerter server.ProbeObserver
	if cfg.RedisAddr != "" {
		alerter = security.NewProbeAlerter(cfg.RedisAddr, cfg.RedisPassword, "signflow:alerts")
		var opts []ratelimit.Option
		if cfg.RateLimitFailOpen {
			opts = append(opts, ratelimit.WithFailOpen())
		}
		limiter, err = ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, "signflow:rl:public", cfg.PublicRateLimitPerMinute, time.Minute, opts...)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterCollectors(registry)

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		OpsVerifier:    opsVerifier,
		PublicLimiter:  limiter,
		Alerter:        alerter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Ready: func(ctx context.Context) error {
			if err := db.Ping(ctx); err != nil {
				return err
			}
			if jobs != nil {
				return jobs.Ping(ctx)
			}
			return nil
		},
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("signing server listening", "addr", addr, "queue", jobs != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
	appCore.Wait()
}

// newSender picks the mail transport; with neither SMTP nor AMQP configured
// messages are only logged.
func newSender(cfg config.FileConfig, logger *slog.Logger) (notify.Sender, func(), error) {
	switch {
	case cfg.SMTPHost != "":
		s, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		return s, func() {}, err
	case cfg.AMQPURL != "":
		s, err := notify.NewAMQPSender(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		logger.Warn("no mail transport configured, notifications are logged only")
		return notify.LogSender{Logger: logger}, func() {}, nil
	}
}

func newOpsVerifier(cfg config.FileConfig) (server.OpsVerifier, error) {
	if cfg.OpsJWTPublicKeyPath == "" && cfg.OpsJWTVerifyPublicKeys == "" {
		return nil, nil
	}
	keys, err := servicetoken.ParseKeyMap(cfg.OpsJWTVerifyPublicKeys)
	if err != nil {
		return nil, err
	}
	return servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeyPath:  cfg.OpsJWTPublicKeyPath,
		Keys:           keys,
		DefaultKeyID:   cfg.OpsJWTKeyID,
		Audience:       servicetoken.Audience,
		AllowedIssuers: cfg.OpsJWTAllowedIssuers,
		RequiredScope:  servicetoken.ScopeReseal,
	})
}

// resealLoop retries phase-two sealing for signed documents whose sealed
// artifact is still missing.
func resealLoop(ctx context.Context, a *app.App, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.ResealPending(ctx, 100)
			if err != nil {
				slog.Warn("reseal sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("reseal sweep scheduled", "documents", n)
			}
		}
	}
}
