// ============================================================================
// Tonebridge 啟動組裝
// ============================================================================
//
// Package: internal/bootstrap
// 文件: app.go
// 功能: 依設定建立 Store、Stats Cache、Executor、Controller 與三個對外服務
//
// 啟動順序:
//   1. 開啟 Store（memory / file / sqlite / postgres）
//   2. Controller.Start：恢復中斷任務並啟動 Worker Pool
//   3. 監聽 REST、gRPC 與 metrics 端口
//
// 關閉順序（ctx 結束或任一服務失敗）:
//   1. gRPC health 設為 NOT_SERVING，REST 停止接收請求
//   2. gRPC GracefulStop
//   3. Controller.Stop：等待執行中的任務，直到 shutdown_timeout
//   4. metrics 服務關閉，Store.Close
//
// ============================================================================

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/ChuLiYu/tonebridge/internal/blob"
	"github.com/ChuLiYu/tonebridge/internal/config"
	"github.com/ChuLiYu/tonebridge/internal/controller"
	"github.com/ChuLiYu/tonebridge/internal/httpapi"
	"github.com/ChuLiYu/tonebridge/internal/metrics"
	"github.com/ChuLiYu/tonebridge/internal/pipeline"
	"github.com/ChuLiYu/tonebridge/internal/server"
	"github.com/ChuLiYu/tonebridge/internal/statscache"
	"github.com/ChuLiYu/tonebridge/internal/storage/wal"
	"github.com/ChuLiYu/tonebridge/internal/store"
	"github.com/ChuLiYu/tonebridge/internal/store/memstore"
	"github.com/ChuLiYu/tonebridge/internal/store/postgres"
	"github.com/ChuLiYu/tonebridge/internal/store/sqlite"
)

var log = slog.Default()

// App 一個 tonebridge 行程的所有元件
type App struct {
	cfg *config.Config

	Store      store.Store
	Blobs      blob.LocalFS
	Registry   *prometheus.Registry
	Metrics    *metrics.Collector
	Controller *controller.Controller

	httpSrv    *http.Server
	metricsSrv *http.Server
	grpcSrv    *grpc.Server
	health     *health.Server

	ready     chan struct{}
	mu        sync.Mutex
	httpAddr  net.Addr
	grpcAddr  net.Addr
	metricsAd net.Addr
}

// OpenStore 依 store.driver 開啟對應的 Store
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memstore.New(), nil
	case config.DriverFile:
		return memstore.Open(cfg.Store.Path, memstore.Options{
			WAL: wal.Options{
				SyncOnAppend:  cfg.WAL.SyncOnAppend,
				BufferSize:    cfg.WAL.BufferSize,
				FlushInterval: cfg.WALFlushInterval(),
			},
			SnapshotInterval: cfg.SnapshotInterval(),
		})
	case config.DriverSQLite:
		return sqlite.Open(cfg.Store.Path)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, cfg.Store.Driver)
	}
}

// New 建立並組裝所有元件，尚未監聽任何端口
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	if err := os.MkdirAll(cfg.Blob.Root, 0755); err != nil {
		st.Close()
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	blobs := blob.LocalFS{Root: cfg.Blob.Root}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	stats := statscache.New(st, statscache.Options{TTL: cfg.Stats.TTL, Size: cfg.Stats.Size}, m)
	stages := pipeline.NewSimulatedStages(pipeline.Simulated{
		Steps: cfg.Pipeline.SimulatedSteps,
		Step:  cfg.Pipeline.SimulatedStep,
	})
	exec := pipeline.NewExecutor(pipeline.Config{
		StageTimeout:        cfg.Pipeline.StageTimeout,
		InterruptibleRender: cfg.Pipeline.InterruptibleRender,
		ResultExt:           cfg.Pipeline.ResultExt,
	}, stages, blobs, m)

	ctrl := controller.New(controller.Config{
		WorkerCount:  cfg.Worker.WorkerCount,
		QueueSize:    cfg.Worker.QueueSize,
		MaxListLimit: cfg.List.MaxLimit,
	}, st, stats, exec, m)

	a := &App{
		cfg:        cfg,
		Store:      st,
		Blobs:      blobs,
		Registry:   reg,
		Metrics:    m,
		Controller: ctrl,
		ready:      make(chan struct{}),
	}

	api := httpapi.Server{
		Jobs:    ctrl,
		Blobs:   blobs,
		BaseURL: cfg.PublicBaseURL(),
		Logger:  slog.Default(),
	}
	a.httpSrv = &http.Server{Handler: api.Router(), ReadHeaderTimeout: 10 * time.Second}
	a.grpcSrv, a.health = server.NewGRPCServer(ctrl)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	return a, nil
}

// Ready 在所有端口監聽完成後關閉
func (a *App) Ready() <-chan struct{} { return a.ready }

// HTTPAddr REST 實際監聽位址，Ready 之前為 nil
func (a *App) HTTPAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// GRPCAddr gRPC 實際監聽位址，Ready 之前為 nil
func (a *App) GRPCAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grpcAddr
}

// MetricsAddr metrics 實際監聽位址，未啟用時為 nil
func (a *App) MetricsAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsAd
}

// Run 啟動 Controller 與所有服務，阻塞到 ctx 結束或任一服務失敗
func (a *App) Run(ctx context.Context) error {
	if err := a.Controller.Start(ctx); err != nil {
		a.Store.Close()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	listeners, err := a.listen()
	if err != nil {
		a.shutdown()
		return err
	}
	close(a.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("REST API listening", "addr", listeners.http.Addr().String(), "baseURL", a.cfg.PublicBaseURL())
		return serveHTTP(a.httpSrv, listeners.http)
	})
	g.Go(func() error {
		log.Info("gRPC server listening", "addr", listeners.grpc.Addr().String())
		if err := a.grpcSrv.Serve(listeners.grpc); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	if listeners.metrics != nil {
		g.Go(func() error {
			log.Info("Metrics server listening", "addr", listeners.metrics.Addr().String())
			return serveHTTP(a.metricsSrv, listeners.metrics)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

type listenerSet struct {
	http, grpc, metrics net.Listener
}

func (a *App) listen() (*listenerSet, error) {
	var ls listenerSet
	var err error
	closeAll := func() {
		for _, l := range []net.Listener{ls.http, ls.grpc, ls.metrics} {
			if l != nil {
				l.Close()
			}
		}
	}

	if ls.http, err = net.Listen("tcp", a.cfg.Server.HTTPAddr); err != nil {
		return nil, fmt.Errorf("listen http %s: %w", a.cfg.Server.HTTPAddr, err)
	}
	if ls.grpc, err = net.Listen("tcp", a.cfg.Server.GRPCAddr); err != nil {
		closeAll()
		return nil, fmt.Errorf("listen grpc %s: %w", a.cfg.Server.GRPCAddr, err)
	}
	if a.metricsSrv != nil {
		addr := fmt.Sprintf(":%d", a.cfg.Metrics.Port)
		if ls.metrics, err = net.Listen("tcp", addr); err != nil {
			closeAll()
			return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
		}
	}

	a.mu.Lock()
	a.httpAddr = ls.http.Addr()
	a.grpcAddr = ls.grpc.Addr()
	if ls.metrics != nil {
		a.metricsAd = ls.metrics.Addr()
	}
	a.mu.Unlock()
	return &ls, nil
}

func (a *App) shutdown() error {
	log.Info("Shutting down gracefully...", "timeout", a.cfg.Server.ShutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	a.health.Shutdown()
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.grpcSrv.GracefulStop()

	if err := a.Controller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("controller stop: %w", err))
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		log.Error("Shutdown finished with errors", "error", err)
		return err
	}
	log.Info("System stopped")
	return nil
}

func serveHTTP(srv *http.Server, l net.Listener) error {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
