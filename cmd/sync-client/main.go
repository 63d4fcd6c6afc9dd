// Package main 同步客户端入口
//
// 加载配置后组装资源缓存、实时连接与失效绑定，
// 可选预热若干 REST 路径，并通过 /metrics 暴露 Prometheus 指标。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tutorhub-sync/internal/binding"
	"tutorhub-sync/internal/cache"
	"tutorhub-sync/internal/config"
	"tutorhub-sync/internal/fetcher"
	"tutorhub-sync/internal/metrics"
	"tutorhub-sync/internal/realtime"
	"tutorhub-sync/internal/tlsutil"
	"tutorhub-sync/pkg/logging"
)

// warmTarget 预热路径及其资源类型，格式 type=path，例如 bookings=/api/bookings
type warmTarget struct {
	resource cache.ResourceType
	path     string
}

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	warmFlag := flag.String("warm", os.Getenv("WARM_PATHS"), "启动时预热的资源，逗号分隔的 type=path 列表")
	flag.Parse()

	if *configDirFlag != "" {
		dir := *configDirFlag
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Default("sync-client").Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		Component: "sync-client",
	})
	logger.Info("Starting sync client", "config", cfg.String(), "loaded_from", cfg.LoadedFrom)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 指标
	cacheMetrics := metrics.NewCacheMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace)
	connMetrics := metrics.NewConnectionMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace)

	// 缓存
	store := cache.New(cfg.Cache.StoreConfig(),
		cache.WithRelations(binding.DefaultRelations),
		cache.WithLogger(logger.Named("cache")),
		cache.WithMetrics(cacheMetrics),
	)
	store.StartSweeper(ctx)
	store.Subscribe(func(ev cache.Event) {
		logger.Debug("Cache event", "type", string(ev.Type), "key", ev.Key, "resource", string(ev.ResourceType), "keys", len(ev.Keys))
	})

	// 客户端 TLS（自签名 CA / 跳过校验），REST 与实时通道共用
	tlsCfg, err := tlsutil.ClientConfig(cfg.TLS.ClientOptions())
	if err != nil {
		logger.Error("Failed to load TLS config", "error", err)
		os.Exit(1)
	}
	if tlsCfg != nil && tlsCfg.InsecureSkipVerify {
		logger.Warn("TLS certificate verification disabled")
	}

	// REST 数据源
	token := realtime.StaticToken(cfg.API.Token)
	api, err := fetcher.New(fetcher.Config{BaseURL: cfg.API.BaseURL, Token: token, Timeout: cfg.API.Timeout, TLS: tlsCfg})
	if err != nil {
		logger.Error("Failed to create API client", "error", err)
		os.Exit(1)
	}

	// 实时连接
	dialer := realtime.NewWebSocketDialer()
	dialer.Dialer.TLSClientConfig = tlsCfg
	mgr, err := realtime.NewManager(realtime.ManagerConfig{
		Endpoint:          cfg.RealtimeURL,
		Token:             token,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		Reconnect:         cfg.Realtime.ReconnectPolicy(),
	},
		realtime.WithDialer(dialer),
		realtime.WithManagerLogger(logger.Named("realtime")),
		realtime.WithManagerMetrics(connMetrics),
	)
	if err != nil {
		logger.Error("Failed to create realtime manager", "error", err)
		os.Exit(1)
	}

	inv := binding.New(store, mgr, binding.DefaultRules, logger.Named("binding"))
	inv.Start()
	mgr.OnConnectionChange(func(c realtime.ConnectionChange) {
		logger.WithState(c.State.String()).Info("Connection changed",
			"previous", c.Previous.String(), "attempt", c.Attempt, "delay", c.Delay.String(), "error", c.Err)
	})

	// /metrics 与 /healthz
	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = startMetricsServer(cfg.Metrics.Addr, mgr, inv, store, logger)
	}

	if err := mgr.Connect(ctx); err != nil {
		if realtime.IsAuthError(err) || errors.Is(err, realtime.ErrTokenExpired) {
			logger.Error("Realtime authentication failed", "error", err)
			os.Exit(1)
		}
		logger.Warn("Initial connect failed, reconnect scheduled", "error", err)
	}

	warm(ctx, store, api, parseWarmTargets(*warmFlag), logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down sync client...")
	inv.Stop()
	mgr.Disconnect()
	cancel()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
}

func startMetricsServer(addr string, mgr *realtime.Manager, inv *binding.Invalidator, store *cache.Store, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"state":   mgr.State().String(),
			"online":  inv.Online(),
			"attempt": mgr.Attempt(),
			"entries": store.Len(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

func parseWarmTargets(list string) []warmTarget {
	var targets []warmTarget
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		rt, path, ok := strings.Cut(item, "=")
		if !ok {
			targets = append(targets, warmTarget{path: item})
			continue
		}
		targets = append(targets, warmTarget{resource: cache.ResourceType(strings.TrimSpace(rt)), path: strings.TrimSpace(path)})
	}
	return targets
}

// warm 并发预热，失败只记录日志
func warm(ctx context.Context, store *cache.Store, api *fetcher.Client, targets []warmTarget, logger *logging.Logger) {
	for _, t := range targets {
		go func(t warmTarget) {
			var opts []cache.SetOption
			if t.resource != "" {
				opts = append(opts, cache.WithResourceType(t.resource))
			}
			if _, err := store.Fetch(ctx, t.path, api.Producer(t.path), opts...); err != nil {
				logger.WithKey(t.path).Warn("Warm-up fetch failed", "error", err)
			}
		}(t)
	}
}
