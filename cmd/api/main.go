package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zhouzirui/arc-relay/backend/internal/config"
	"github.com/zhouzirui/arc-relay/backend/internal/handler"
	"github.com/zhouzirui/arc-relay/backend/internal/model/feature"
	"github.com/zhouzirui/arc-relay/backend/internal/service/ai"
	"github.com/zhouzirui/arc-relay/backend/internal/service/bridge"
	"github.com/zhouzirui/arc-relay/backend/internal/service/history"
	"github.com/zhouzirui/arc-relay/backend/internal/service/metrics"
	"github.com/zhouzirui/arc-relay/backend/internal/service/run"
	"github.com/zhouzirui/arc-relay/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	registry := session.NewRegistry(m)
	solverBridge := bridge.New(registry, bridge.Config{
		KillTimeout:  cfg.Stream.KillTimeout,
		MaxLineBytes: cfg.Stream.MaxLineBytes,
		ErrorLimit:   cfg.Stream.ErrorLimit,
		RedactKeys:   cfg.Stream.RedactKeys,
	}, m)

	features, err := loadFeatures(ctx, cfg.Stream.FeaturesFile)
	if err != nil {
		log.Fatalf("failed to load feature catalog: %v", err)
	}

	// Initialize AI service
	var analyzer run.Analyzer
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, cfg.Stream.ErrorLimit)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without llm analysis - 请检查 Ark 模型相关环境变量")
		} else {
			analyzer = aiService
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 分析功能初始化")
	}

	store, err := openHistory(cfg.History)
	if err != nil {
		log.Fatalf("failed to open run history: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("warning: failed to close run history: %v", err)
		}
	}()

	runs := run.NewService(registry, features, solverBridge, analyzer, store, m, run.Config{
		PendingTTL: cfg.Stream.PendingTTL,
		WorkDir:    cfg.Stream.WorkDir,
	})
	runs.StartJanitor(ctx)

	router := handler.NewRouter(cfg, features, runs, registry, store, promRegistry)

	startServer(ctx, cfg.Server, router, func() {
		// 先取消所有运行，让子进程退出并发出各自的终止事件，再关闭剩余会话。
		if n := registry.CancelAll(); n > 0 {
			log.Printf("cancelling %d active sessions", n)
		}
		grace := cfg.Stream.KillTimeout + time.Second
		if !runs.WaitTimeout(grace) {
			log.Printf("warning: runs still active after %s, closing sessions", grace)
		}
		registry.CloseAll()
		if !runs.WaitTimeout(grace) {
			log.Println("warning: some run records may not have been saved")
		}
	})
}

func loadFeatures(ctx context.Context, path string) (*feature.MemoryStore, error) {
	if path == "" {
		log.Println("FEATURES_FILE 未配置，使用内置 feature 列表")
		return feature.NewMemoryStore(feature.Seed()), nil
	}

	items, err := feature.LoadFile(path)
	if err != nil {
		return nil, err
	}
	store := feature.NewMemoryStore(items)
	if err := feature.Watch(ctx, path, store); err != nil {
		log.Printf("warning: feature catalog hot reload disabled: %v", err)
	}
	log.Printf("loaded %d features from %s", len(items), path)
	return store, nil
}

func openHistory(cfg config.HistoryConfig) (history.Store, error) {
	if cfg.Path == "" {
		log.Println("RUN_HISTORY_PATH 未配置，运行记录仅保存在内存中")
		return history.NewMemoryStore(cfg.Limit), nil
	}
	store, err := history.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	log.Printf("run history stored in %s", cfg.Path)
	return store, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, drain func()) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("ARC relay backend listening on %s (env=%s)", addr, serverCfg.Env)
	if err := runServer(ctx, srv, drain); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, drain func()) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
