package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"custodian/api/internal/app"
	"custodian/api/internal/audit"
	"custodian/api/internal/config"
	"custodian/api/internal/filestore"
	"custodian/api/internal/lock"
	"custodian/api/internal/logging"
	"custodian/api/internal/metrics"
	"custodian/api/internal/notify"
	"custodian/api/internal/review"
	"custodian/api/internal/schedule"
	"custodian/api/internal/search"
	"custodian/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, os.Getenv("CUSTODIAN_PRETTY_LOG") == "true")
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	files, err := filestore.NewMinIO(ctx, filestore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("object storage unavailable")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)

	mailer := notify.NewMailer(notify.MailerConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	notifyService := notify.NewService(dataStore, mailer, logger)
	auditRecorder := audit.NewRecorder(dataStore, logger)
	m := metrics.New()

	engine := review.NewEngine(dataStore, files, notifyService, auditRecorder, m, logger, cfg.RequireUnanimous)

	var generatorLock *lock.RedisLock
	if strings.TrimSpace(cfg.RedisURL) != "" {
		generatorLock, err = lock.NewRedisLock(cfg.RedisURL, "custodian:generator", 10*time.Minute)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer generatorLock.Close()
	} else {
		logger.Warn().Msg("redis not configured, generator runs without a run lock")
	}

	generator := schedule.NewGenerator(dataStore, lockOrNil(generatorLock), notifyService, auditRecorder, m, logger)
	reminder := schedule.NewReminder(dataStore, notifyService, m, logger, cfg.ReminderWindow)
	scheduler, err := schedule.StartCron(generator, reminder, cfg.GeneratorSchedule, cfg.ReminderSchedule, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler start failed")
	}

	service := app.NewService(dataStore, files, searchService, auditRecorder, logger)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("search bootstrap failed, will retry on next restart")
	}

	httpServer := app.NewHTTPServer(service, engine, m, logger, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("custodian api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

// lockOrNil keeps the generator's lock parameter a true nil interface when
// Redis is not configured.
func lockOrNil(l *lock.RedisLock) schedule.RunLock {
	if l == nil {
		return nil
	}
	return l
}
