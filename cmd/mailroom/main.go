package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/znz-systems/mailroom/internal/account"
	"github.com/znz-systems/mailroom/internal/billing"
	"github.com/znz-systems/mailroom/internal/blob"
	"github.com/znz-systems/mailroom/internal/config"
	"github.com/znz-systems/mailroom/internal/database"
	"github.com/znz-systems/mailroom/internal/fetcher"
	"github.com/znz-systems/mailroom/internal/ingest"
	"github.com/znz-systems/mailroom/internal/lease"
	"github.com/znz-systems/mailroom/internal/mail"
	"github.com/znz-systems/mailroom/internal/mailsync"
	"github.com/znz-systems/mailroom/internal/message"
	"github.com/znz-systems/mailroom/internal/ratelimit"
	"github.com/znz-systems/mailroom/internal/rules"
	"github.com/znz-systems/mailroom/internal/secrets"
	"github.com/znz-systems/mailroom/internal/store"
	"github.com/znz-systems/mailroom/internal/store/memory"
	"github.com/znz-systems/mailroom/internal/store/postgres"
	"github.com/znz-systems/mailroom/internal/usage"
	"github.com/znz-systems/mailroom/internal/web"
	"github.com/znz-systems/mailroom/internal/web/handlers"
	"github.com/znz-systems/mailroom/migrations"
)

// stores groups the persistence interfaces so postgres and the in-memory
// store can be swapped at startup.
type stores struct {
	accounts    store.AccountStore
	leases      store.LeaseStore
	messages    store.MessageStore
	attachments store.AttachmentStore
	tags        store.TagStore
	rules       store.RuleStore
	usage       store.UsageStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Stores
	var st stores
	if cfg.DatabaseURL == "memory" {
		slog.Warn("using in-memory store, data is lost on exit")
		mem := memory.New()
		st = stores{mem, mem, mem, mem, mem, mem, mem}
	} else {
		db, err := postgres.NewDB(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		accountStore := postgres.NewAccountStore(db)
		st = stores{
			accounts:    accountStore,
			leases:      accountStore,
			messages:    postgres.NewMessageStore(db),
			attachments: postgres.NewAttachmentStore(db),
			tags:        postgres.NewTagStore(db),
			rules:       postgres.NewRuleStore(db),
			usage:       postgres.NewUsageStore(db),
		}
	}

	blobs, err := blob.NewFromConfig(context.Background(), blob.Config{
		Backend:           cfg.BlobBackend,
		FSRoot:            cfg.BlobFSRoot,
		S3Bucket:          cfg.BlobS3Bucket,
		S3Region:          cfg.BlobS3Region,
		S3Endpoint:        cfg.BlobS3Endpoint,
		S3AccessKeyID:     cfg.BlobS3AccessKeyID,
		S3SecretAccessKey: cfg.BlobS3SecretAccessKey,
		S3ForcePathStyle:  cfg.BlobS3ForcePathStyle,
	})
	if err != nil {
		slog.Error("failed to open attachment storage", "error", err)
		os.Exit(1)
	}

	box := secrets.NewBox(cfg.CredentialsKey)
	imap := fetcher.NewIMAPFetcher()

	var sender mail.Sender
	if cfg.SMTPEnabled {
		sender = mail.NewSMTPClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
	} else {
		slog.Info("SMTP not configured, rule forwards will fail")
	}

	// Services
	usageService := usage.NewService(st.usage)
	ingester := ingest.NewService(st.messages, st.attachments, blobs, ingest.Options{MaxAttachmentBytes: cfg.MaxAttachmentBytes})
	leases := lease.NewManager(st.leases, cfg.SyncLeaseTTL, cfg.SyncLeaseRenewInterval)
	coordinator := mailsync.NewCoordinator(st.accounts, leases, imap, ingester, usageService, box)

	remover := message.NewRemover(st.messages, st.attachments, blobs)
	engine := rules.NewEngine(st.messages, st.tags, st.rules, remover, sender)
	coordinator.SetRuleRunner(engine)

	gate := billing.NewQuotaGate(st.usage, cfg.StorageQuotaBytes)

	var triggerLimiter *ratelimit.Limiter
	if cfg.SyncTriggerRPS > 0 {
		triggerLimiter = ratelimit.NewLimiter(cfg.SyncTriggerRPS, 1)
		defer triggerLimiter.Stop()
	}
	dispatcher := mailsync.NewDispatcher(coordinator, mailsync.DispatcherOptions{
		Workers:    cfg.SyncWorkers,
		QueueSize:  cfg.SyncQueueSize,
		StaleAfter: cfg.SyncStaleAfter,
		Limiter:    triggerLimiter,
		Gate:       gate,
	})

	accountService := account.NewService(st.accounts, st.attachments, blobs, imap, box, usageService)
	messageService := message.NewService(st.accounts, st.messages, st.attachments, st.tags, blobs, dispatcher)
	ruleService := rules.NewService(st.rules, st.accounts, st.tags, engine)

	// Rate limiter
	limiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()

	// Router
	router := web.NewRouter(web.RouterDeps{
		AccountHandler: handlers.NewAccountHandler(accountService),
		SyncHandler:    handlers.NewSyncHandler(coordinator, accountService, gate, cfg.SyncFanoutConcurrency),
		MessageHandler: handlers.NewMessageHandler(messageService, accountService),
		RuleHandler:    handlers.NewRuleHandler(ruleService, accountService),
		Limiter:        limiter,
		Metrics:        promhttp.Handler(),
	})

	// Background workers
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	dispatcher.Start(bgCtx)
	scheduler := usage.NewScheduler(usageService, st.accounts, cfg.UsageRefreshInterval)
	scheduler.Start(bgCtx)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Explicit sync requests hold the connection for the whole pass.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("mailroom starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	scheduler.Stop()
	dispatcher.Stop()
}
