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

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mohans/newsdigest"
	"github.com/mohans/newsdigest/config"
	"github.com/mohans/newsdigest/httpapi"
	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/newsapi"
	"github.com/mohans/newsdigest/notify"
	"github.com/mohans/newsdigest/store"
	"github.com/mohans/newsdigest/summarize"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "newsdigestd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := initTracer(ctx)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	} else if tp != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				log.Error("tracer shutdown", "error", err)
			}
		}()
		log.Info("tracing enabled")
	}

	st, err := store.Open(ctx, store.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return err
	}
	defer st.Close()

	redisOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := newsdigest.NewClient(redisOpt, st, log)
	defer client.Close()

	pc := cfg.Pipeline
	pipeCfg := newsdigest.PipelineConfig{
		Tick:       newsdigest.StageConfig{Concurrency: pc.Tick.Concurrency, MaxRetry: pc.Tick.MaxRetry},
		Fetch:      newsdigest.StageConfig{Concurrency: pc.Fetch.Concurrency, MaxRetry: pc.Fetch.MaxRetry},
		Analyze:    newsdigest.StageConfig{Concurrency: pc.Analyze.Concurrency, MaxRetry: pc.Analyze.MaxRetry},
		Notify:     newsdigest.StageConfig{Concurrency: pc.Notify.Concurrency, MaxRetry: pc.Notify.MaxRetry},
		StaleAfter: pc.StaleAfter,
		Retention:  pc.Retention,
	}
	sched := newsdigest.NewScheduler(st, client, newsdigest.SchedulerConfig{
		SyncInterval: cfg.Scheduler.SyncInterval,
		TickMaxRetry: pc.Tick.MaxRetry,
		Retention:    pc.Retention,
	}, log)

	nc := cfg.Notifications
	var push notify.PushTransport
	if nc.PushEnabled() {
		push = notify.NewWebPushTransport(notify.VAPIDConfig{
			PublicKey:  nc.VAPIDPublicKey,
			PrivateKey: nc.VAPIDPrivateKey,
			Subject:    nc.VAPIDSubject,
			TTL:        nc.PushTTL,
		}, &http.Client{Timeout: 30 * time.Second})
	} else {
		log.Info("web push disabled, no VAPID keys configured")
	}
	hub := notify.NewHub(st, push, notify.HubConfig{
		HeartbeatInterval: nc.HeartbeatInterval,
		IdleTimeout:       nc.IdleTimeout,
		SweepInterval:     nc.SweepInterval,
		Buffer:            nc.StreamBuffer,
	}, log)
	if nc.BusChannel != "" {
		ropt, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := goredis.NewClient(ropt)
		defer rdb.Close()
		hub.UseBus(notify.NewRedisBus(rdb, nc.BusChannel, log))
	}
	if err := hub.Start(ctx); err != nil {
		return err
	}
	defer hub.Stop()

	httpClient := &http.Client{}
	pipe := newsdigest.NewPipeline(newsdigest.PipelineDeps{
		Tasks:      st,
		Executions: st,
		Queue:      client,
		Search: newsapi.New(newsapi.Config{
			BaseURL:   cfg.NewsAPI.BaseURL,
			APIKey:    cfg.NewsAPI.APIKey,
			PageSize:  cfg.NewsAPI.PageSize,
			RateLimit: cfg.NewsAPI.RateLimit,
		}, httpClient),
		Summarizer: summarize.NewOpenAIClient(summarize.Config{
			Endpoint: cfg.OpenAI.Endpoint,
			Model:    cfg.OpenAI.Model,
			APIKey:   cfg.OpenAI.APIKey,
			Timeout:  cfg.OpenAI.Timeout,
		}, httpClient),
		Sink:    hub,
		Orphans: sched,
	}, pipeCfg, log)

	proc := newsdigest.NewProcessor(redisOpt, st, pipe, newsdigest.ProcessorConfig{
		Concurrency: pipeCfg.Concurrency(),
		BackoffBase: pc.BackoffBase,
		BackoffMax:  pc.BackoffMax,
	}, log)
	if err := proc.Start(pipe.Handlers()); err != nil {
		return err
	}
	defer proc.Shutdown()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	svc := newsdigest.NewService(newsdigest.ServiceDeps{
		Tasks:      st,
		Executions: st,
		Push:       st,
		Scheduler:  sched,
		Hub:        hub,
	}, log)
	srv := httpapi.New(svc, httpapi.Config{
		JWTSecret:      cfg.Server.JWTSecret,
		VAPIDPublicKey: nc.VAPIDPublicKey,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	return nil
}
