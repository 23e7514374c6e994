// The mailproxy server: HTTP control surface plus the dispatch,
// reporting and receiving loops. The loops that must run on exactly one
// instance are gated behind a distributed lock; every instance serves
// the API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/softwell/mailproxy/internal/api"
	"github.com/softwell/mailproxy/internal/attachment"
	"github.com/softwell/mailproxy/internal/command"
	"github.com/softwell/mailproxy/internal/config"
	"github.com/softwell/mailproxy/internal/pkg/distlock"
	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/ratelimit"
	"github.com/softwell/mailproxy/internal/receiver"
	"github.com/softwell/mailproxy/internal/reporter"
	"github.com/softwell/mailproxy/internal/retry"
	"github.com/softwell/mailproxy/internal/scheduler"
	"github.com/softwell/mailproxy/internal/smtppool"
	"github.com/softwell/mailproxy/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("open storage failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	store.DB().SetMaxOpenConns(cfg.Database.MaxOpenConns)
	store.DB().SetMaxIdleConns(cfg.Database.MaxIdleConns)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, using advisory locks", "error", err)
			redisClient = nil
		}
	}

	memCache := attachment.NewMemoryCache(
		int64(cfg.Attachment.MemoryBudgetMB)<<20, cfg.Attachment.MemoryTTL())
	diskCache, err := attachment.NewDiskCache(
		cfg.Attachment.DiskDir, int64(cfg.Attachment.DiskBudgetMB)<<20, cfg.Attachment.DiskTTL())
	if err != nil {
		logger.Error("init disk cache failed", "error", err)
		os.Exit(1)
	}
	fetcher := attachment.NewFetcher(nil,
		attachment.NewTieredCache(memCache, diskCache), cfg.Attachment.BaseDir)

	var uploader scheduler.Uploader
	if cfg.S3.Enabled {
		s3store, err := attachment.NewS3Store(ctx, attachment.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
			PublicBaseURL:   cfg.S3.BaseURL,
		})
		if err != nil {
			logger.Error("init s3 store failed", "error", err)
			os.Exit(1)
		}
		uploader = s3store
	}

	hostname, _ := os.Hostname()
	builder := scheduler.NewBuilder(fetcher, uploader, hostname)
	limiter := ratelimit.New(store)
	pool := smtppool.New(nil)
	defer pool.Shutdown()

	delays := make([]int64, 0, len(cfg.Retry.DelaySeconds))
	for _, d := range cfg.Retry.DelaySeconds {
		delays = append(delays, int64(d))
	}
	strategy := retry.NewStrategy(cfg.Retry.MaxRetries, delays)

	rep := reporter.New(reporter.Config{
		ReportInterval: cfg.Reporter.Interval(),
		SyncInterval:   cfg.Reporter.SyncInterval(),
		FailureBackoff: cfg.Reporter.FailureBackoff(),
		FetchLimit:     cfg.Reporter.FetchLimit,
		GlobalSyncURL:  cfg.Reporter.GlobalSyncURL,
		RetentionDays:  cfg.Reporter.RetentionDays,
	}, store, nil)

	sched := scheduler.New(scheduler.Config{
		SendLoopInterval:      cfg.Scheduler.SendInterval(),
		MaintenanceInterval:   cfg.Scheduler.MaintenanceInterval(),
		FetchLimit:            cfg.Scheduler.FetchLimit,
		BatchSizePerAccount:   cfg.Scheduler.BatchSizePerAccount,
		GlobalConcurrency:     int64(cfg.Scheduler.GlobalConcurrency),
		PerAccountConcurrency: int64(cfg.Scheduler.PerAccountConcurrency),
		AttachmentConcurrency: int64(cfg.Scheduler.AttachmentConcurrency),
	}, store, limiter, pool, builder, strategy, rep.Wake)

	recv := receiver.New(receiver.Config{PollInterval: cfg.Receiver.PollInterval()}, store, nil)
	sweeper := receiver.NewSweeper(store, cfg.Receiver.SweepInterval())

	dispatcher := command.New(store, sched, rep)
	srv := api.New(api.Config{
		Addr:     cfg.Server.Addr(),
		APIToken: cfg.Server.APIToken,
	}, dispatcher, store, sched)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runLeaderLoops(ctx, cfg, redisClient, store, sched, rep, recv, sweeper)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
	}()

	logger.Info("mailproxy listening", "addr", cfg.Server.Addr())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		stop()
	}
	wg.Wait()
	logger.Info("mailproxy stopped")
}

// runLeaderLoops gates the singleton loops (dispatch, reporting, IMAP
// polling, PEC sweep) behind the dispatch lock so that only one instance
// sends mail at a time. Redis backs the lock when configured; otherwise a
// Postgres advisory lock does, which still covers multiple processes on
// one database.
func runLeaderLoops(ctx context.Context, cfg *config.Config, redisClient *redis.Client,
	store *storage.Store, sched *scheduler.Scheduler, rep *reporter.Reporter,
	recv *receiver.Receiver, sweeper *receiver.Sweeper) {

	ttl := time.Duration(cfg.Redis.LockTTL) * time.Second
	lock := distlock.NewLock(redisClient, store.DB(), "mailproxy:dispatch", ttl)

	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			logger.Error("dispatch lock acquire failed", "error", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ttl / 2):
		}
	}
	logger.Info("dispatch leadership acquired")
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			logger.Warn("dispatch lock release failed", "error", err)
		}
	}()

	// Redis leases expire; keep ours extended while we hold leadership.
	if rl, isRedis := lock.(*distlock.RedisLock); isRedis {
		go func() {
			ticker := time.NewTicker(ttl / 3)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := rl.Extend(ctx, ttl); err != nil {
						logger.Warn("dispatch lock extend failed", "error", err)
					}
				}
			}
		}()
	}

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){sched.Run, rep.Run, recv.Run, sweeper.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}
	wg.Wait()
}
