package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/osagaming/avito-crm/internal/avito"
	"github.com/osagaming/avito-crm/internal/config"
	"github.com/osagaming/avito-crm/internal/db"
	"github.com/osagaming/avito-crm/internal/lifecycle"
	"github.com/osagaming/avito-crm/internal/metrics"
	"github.com/osagaming/avito-crm/internal/store"
	crmsync "github.com/osagaming/avito-crm/internal/sync"
	"github.com/osagaming/avito-crm/internal/tasks"
	"github.com/osagaming/avito-crm/internal/webhook"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("crm-sync starting", zap.String("version", Version), zap.String("addr", cfg.HTTP.Addr))

	metrics.Register()
	go serveMetrics(cfg.Metrics.Addr, log)

	mysql, err := db.Open(db.Options{
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		ConnMaxLife:  cfg.MySQL.ConnMaxLife,
		ConnMaxIdle:  cfg.MySQL.ConnMaxIdle,
		PingRetries:  cfg.MySQL.PingRetries,
	})
	if err != nil {
		log.Fatal("mysql init failed", zap.Error(err))
	}
	defer mysql.Close()

	if err := store.Migrate(context.Background(), mysql.DB); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}

	shops := store.NewShopRepo(mysql.DB)
	chats := store.NewChatRepo(mysql.DB)
	msgs := store.NewMessageRepo(mysql.DB)

	// Redis is optional: without it webhooks process inline and event
	// dedupe is off.
	var queue *tasks.Queue
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, webhook tasks run inline", zap.Error(err))
		_ = rdb.Close()
		rdb = nil
	} else {
		queue = tasks.NewQueue(rdb, cfg.Tasks.QueueKey)
		defer rdb.Close()
	}
	cancel()

	clientFor := func(shop store.Shop) *avito.Client {
		return avito.NewClient(avito.Options{
			BaseURL:      cfg.Avito.BaseURL,
			TokenURL:     cfg.Avito.TokenURL,
			AccountID:    shop.AccountID,
			ClientID:     shop.ClientID,
			ClientSecret: shop.ClientSecret,
			Timeout:      cfg.Avito.Timeout,
			TokenMargin:  cfg.Avito.TokenMargin,
			Retry: avito.RetryPolicy{
				MaxAttempts:   cfg.Avito.Retry.MaxAttempts,
				Base:          cfg.Avito.Retry.Base,
				Cap:           cfg.Avito.Retry.Cap,
				RateLimitWait: cfg.Avito.Retry.RateLimitWait,
			},
			Logger: log,
		})
	}

	engine := crmsync.NewEngine(shops, chats, msgs,
		func(shop store.Shop) crmsync.RemoteClient { return clientFor(shop) },
		crmsync.Options{
			PageSize:        cfg.Sync.PageSize,
			MaxPages:        cfg.Sync.MaxPages,
			MessagePageSize: cfg.Sync.MessagePageSize,
			ShopDelay:       cfg.Sync.ShopDelay,
			DetailLookup:    cfg.Sync.DetailLookup,
		}, log)

	manager := lifecycle.NewManager(shops, chats, msgs,
		func(shop store.Shop) lifecycle.Sender { return clientFor(shop) }, log)

	var dedupe webhook.Deduper
	if queue != nil {
		dedupe = queue
	}
	ingestor := webhook.NewIngestor(webhook.IngestorOptions{
		Shops:     shops,
		Chats:     chats,
		Messages:  msgs,
		Engine:    engine,
		Dedupe:    dedupe,
		DedupeTTL: cfg.Webhook.DedupeTTL,
		Logger:    log,
	})
	dispatcher := webhook.NewDispatcher(queue, ingestor, log)

	var worker *tasks.Worker
	if queue != nil {
		worker = tasks.NewWorker(queue, func(ctx context.Context, t tasks.Task) error {
			switch t.Type {
			case tasks.TypeWebhook:
				return ingestor.Process(ctx, t.Body)
			default:
				log.Warn("task of unknown type dropped", zap.String("type", t.Type))
				return nil
			}
		}, cfg.Tasks.PopBlock, log)
		worker.Start()
		defer worker.Stop()
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Webhook.RegisterOnStart && cfg.Webhook.PublicURL != "" {
		go registerWebhooks(rootCtx, shops, clientFor, cfg, log)
	}

	go runTicker(rootCtx, cfg.Sync.Interval, true, func(ctx context.Context) {
		if _, err := engine.SyncAll(ctx); err != nil {
			log.Error("sync pass failed", zap.Error(err))
		}
	})
	go runTicker(rootCtx, cfg.Sweep.TimerInterval, false, func(ctx context.Context) {
		if err := manager.RefreshTimers(ctx); err != nil {
			log.Error("timer sweep failed", zap.Error(err))
		}
	})
	go runTicker(rootCtx, cfg.Sweep.AutoCompleteInterval, false, func(ctx context.Context) {
		if _, err := manager.AutoCompleteSweep(ctx, cfg.Sweep.AutoCompleteAfter); err != nil {
			log.Error("auto-complete sweep failed", zap.Error(err))
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/webhook/avito", webhook.Handler(dispatcher, log))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("crm-sync listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")
	stop()
	shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	_ = srv.Shutdown(shutCtx)
	log.Info("crm-sync stopped")
}

// runTicker runs fn every interval until the context ends; immediate also
// fires it once at start.
func runTicker(ctx context.Context, interval time.Duration, immediate bool, fn func(ctx context.Context)) {
	if immediate {
		fn(ctx)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// registerWebhooks subscribes the callback URL for every active shop that
// does not have one yet.
func registerWebhooks(ctx context.Context, shops *store.ShopRepo, clientFor func(store.Shop) *avito.Client, cfg *config.Config, log *zap.Logger) {
	list, err := shops.ListActive(ctx)
	if err != nil {
		log.Error("webhook registration: listing shops failed", zap.Error(err))
		return
	}
	for _, shop := range list {
		if shop.WebhookRegistered {
			continue
		}
		if err := clientFor(shop).RegisterWebhook(ctx, cfg.Webhook.PublicURL, cfg.Webhook.Kinds); err != nil {
			log.Error("webhook registration failed", zap.Int64("shop_id", shop.ID), zap.Error(err))
			continue
		}
		if err := shops.SetWebhookRegistered(ctx, shop.ID, true); err != nil {
			log.Error("webhook flag update failed", zap.Int64("shop_id", shop.ID), zap.Error(err))
			continue
		}
		log.Info("webhook registered", zap.Int64("shop_id", shop.ID), zap.String("url", cfg.Webhook.PublicURL))
	}
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server error", zap.Error(err))
	}
}
