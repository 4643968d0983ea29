package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/khidmat/internal/api"
	"github.com/lalithlochan/khidmat/internal/circuitbreaker"
	appconfig "github.com/lalithlochan/khidmat/internal/config"
	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/dedupe"
	"github.com/lalithlochan/khidmat/internal/observ"
	"github.com/lalithlochan/khidmat/internal/queue"
	"github.com/lalithlochan/khidmat/internal/redis"
	"github.com/lalithlochan/khidmat/internal/roster"
	"github.com/lalithlochan/khidmat/internal/scheduler"
	"github.com/lalithlochan/khidmat/internal/sheets"
	"github.com/lalithlochan/khidmat/internal/sns"
	"github.com/lalithlochan/khidmat/internal/sqs"
	"github.com/lalithlochan/khidmat/internal/sweep"
	"github.com/lalithlochan/khidmat/internal/worker"
)

const dedupeTTL = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "khidmat-gateway")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting khidmat gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("timezone", cfg.Timezone),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs dispatch dedupe and the API rate limit. Both degrade
	// when it is down: dedupe to process memory, rate limiting to off.
	var (
		sharedDedupe dedupe.Reserver
		limiter      api.Limiter
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, using local dedupe and no rate limit",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		sharedDedupe = redis.NewIdempotencyService(redisClient, dedupeTTL, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
	}
	reserver := dedupe.NewFallback(sharedDedupe, dedupe.NewLocal(dedupeTTL), logger)

	senders, err := buildSenders(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var topic worker.NoticePublisher
	if cfg.SNSAdminTopicARN != "" {
		pub, err := sns.NewPublisher(ctx, cfg.SNSAdminTopicARN, config.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Warn("sns publisher unavailable, admin notices go to WhatsApp only", zap.Error(err))
		} else {
			topic = pub
		}
	}
	admin := worker.NewAdminNotifier(senders.WhatsApp, cfg.AdminWhatsAppNumber, topic, logger)

	var exporter worker.SheetExporter
	if cfg.SheetsEnabled() {
		sheetExporter, err := sheets.New(ctx, sheets.Config{
			SpreadsheetID:   cfg.SheetsSpreadsheetID,
			SheetName:       cfg.SheetsSheetName,
			CredentialsFile: cfg.SheetsCredentialsFile,
			Location:        cfg.Location,
		}, logger)
		if err != nil {
			logger.Warn("sheets export disabled", zap.Error(err))
		} else {
			exporter = sheetExporter
		}
	}

	dispatcher := worker.NewDispatcher(
		worker.NewPostgresStore(repo),
		senders,
		admin,
		exporter,
		reserver,
		worker.Options{MaxChannelAttempts: cfg.MaxChannelAttempts},
		logger,
	)

	runner := queue.NewRunner(dispatcher, queue.DefaultPolicies(queue.PolicyOptions{
		DispatchMaxAttempts: cfg.DispatchMaxAttempts,
		DispatchRetryDelay:  cfg.DispatchRetryDelay,
		SheetMaxAttempts:    cfg.SheetMaxAttempts,
		SheetRetryDelay:     cfg.SheetRetryDelay,
	}), logger)

	g, gctx := errgroup.WithContext(ctx)

	q, err := startQueue(gctx, g, cfg, runner, logger)
	if err != nil {
		return err
	}
	runner.SetRequeue(q)

	sched := scheduler.New(scheduler.Options{
		Location:      cfg.Location,
		LeadDays:      cfg.ReminderLeadDays,
		SendHour:      cfg.ReminderHour,
		SendMinute:    cfg.ReminderMinute,
		VoiceCallLead: cfg.VoiceCallLead,
	}, logger)
	service := roster.NewService(roster.NewPostgresStore(repo), sched, q, logger)

	sweeper := sweep.New(repo, dispatcher, sweep.Options{
		ReminderInterval: cfg.ReminderSweepInterval,
		VoiceInterval:    cfg.VoiceSweepInterval,
		BatchSize:        cfg.SweepBatchSize,
		Retention:        cfg.Retention,
		CleanupHour:      cfg.CleanupHour,
		Location:         cfg.Location,
	}, logger)
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, admin routes will reject every token")
	}

	router := api.NewRouter(api.RouterConfig{
		Handler: api.NewHandler(logger, service, repo),
		Webhook: api.NewWebhookHandler(repo, api.WebhookConfig{
			VerifyToken: cfg.WhatsAppVerifyToken,
			AppSecret:   cfg.WhatsAppAppSecret,
		}, logger),
		Limiter:   limiter,
		RateLimit: cfg.RateLimit,
		JWTSecret: []byte(cfg.JWTSecret),
		Health:    database.Health,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

// buildSenders creates the channel senders. A channel without credentials
// logs instead of sending so development runs need no provider accounts.
// Every real sender sits behind its own circuit breaker.
func buildSenders(ctx context.Context, cfg *appconfig.Config, logger *zap.Logger) (worker.Senders, error) {
	var senders worker.Senders

	if cfg.EmailEnabled() {
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return senders, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		senders.Email = circuitbreaker.NewProtectedEmail(ses,
			circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger))
	} else {
		senders.Email = worker.NewLogSender("email", logger)
	}

	if cfg.WhatsAppEnabled() {
		catalog, err := worker.LoadCatalog(cfg.WhatsAppTemplatesFile)
		if err != nil {
			return senders, fmt.Errorf("failed to load whatsapp templates: %w", err)
		}
		wa := worker.NewWhatsAppSender(worker.WhatsAppConfig{
			BaseURL:       cfg.WhatsAppAPIBase,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			AccessToken:   cfg.WhatsAppAccessToken,
			Timeout:       cfg.SenderTimeout,
			RatePerSecond: cfg.WhatsAppRatePerSecond,
		}, catalog, logger)
		senders.WhatsApp = circuitbreaker.NewProtectedWhatsApp(wa,
			circuitbreaker.New(circuitbreaker.DefaultConfig("whatsapp"), logger))
	} else {
		senders.WhatsApp = worker.NewLogSender("whatsapp", logger)
	}

	if cfg.VoiceEnabled() {
		exotel := worker.NewExotelSender(worker.ExotelConfig{
			BaseURL:  cfg.ExotelBaseURL,
			SID:      cfg.ExotelSID,
			APIKey:   cfg.ExotelAPIKey,
			APIToken: cfg.ExotelAPIToken,
			CallerID: cfg.ExotelCallerID,
			FlowID:   cfg.ExotelFlowID,
			Timeout:  cfg.SenderTimeout,
		}, logger)
		senders.Voice = circuitbreaker.NewProtectedVoice(exotel,
			circuitbreaker.New(circuitbreaker.DefaultConfig("voice"), logger))
	} else {
		senders.Voice = worker.NewLogSender("voice", logger)
	}

	logger.Info("initialized notification channels",
		zap.Bool("email_enabled", cfg.EmailEnabled()),
		zap.Bool("whatsapp_enabled", cfg.WhatsAppEnabled()),
		zap.Bool("voice_enabled", cfg.VoiceEnabled()),
		zap.Bool("sheets_enabled", cfg.SheetsEnabled()),
	)
	return senders, nil
}

// startQueue selects the job backend and starts its consumers on g.
func startQueue(ctx context.Context, g *errgroup.Group, cfg *appconfig.Config, runner *queue.Runner, logger *zap.Logger) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case appconfig.QueueSQS:
		client, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs client: %w", err)
		}
		producer := sqs.NewProducer(client, cfg.SQSQueueURL, logger)
		consumer := sqs.NewConsumer(client, cfg.SQSQueueURL, logger)
		for i := 0; i < cfg.QueueWorkers; i++ {
			g.Go(func() error { return consumer.Run(ctx, runner) })
		}
		return queue.NewFallback(producer, appconfig.QueueSQS, runner, cfg.QueueAsyncFallback, logger), nil

	case appconfig.QueueSync:
		return queue.NewInline(runner), nil

	default:
		mem := queue.NewMemory(cfg.QueueBuffer)
		g.Go(func() error {
			defer mem.Close()
			return runner.Run(ctx, mem.Jobs(), cfg.QueueWorkers)
		})
		return queue.NewFallback(mem, appconfig.QueueMemory, runner, cfg.QueueAsyncFallback, logger), nil
	}
}
