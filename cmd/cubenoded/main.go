package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cubeoverlay/node/internal/config"
	"github.com/cubeoverlay/node/internal/identity"
	"github.com/cubeoverlay/node/internal/metrics"
	"github.com/cubeoverlay/node/internal/netmanager"
	"github.com/cubeoverlay/node/internal/scheduler"
	"github.com/cubeoverlay/node/internal/store/memstore"
	"github.com/cubeoverlay/node/internal/transport"
	"github.com/cubeoverlay/node/internal/transport/mux"
	"github.com/cubeoverlay/node/internal/transport/ws"
)

func main() {
	if err := NewCLI(run).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := memstore.New()

	mgr, err := netmanager.New(cfg.NetManager, st, logger)
	if err != nil {
		return fmt.Errorf("construct netmanager: %w", err)
	}

	if err := wireTransports(mgr, cfg.Transports, logger); err != nil {
		return fmt.Errorf("wire transports: %w", err)
	}

	sched := scheduler.New(ctx, mgr, st, scheduler.BestScoreStrategy{}, cfg.Scheduler, nil, logger)
	mgr.SetScheduler(sched)
	defer sched.Shutdown()

	reg := prometheus.NewRegistry()
	_ = metrics.New(reg, mgr.PeerDB().Counts)
	metricsSrv := startMetricsServer(cfg.MetricsListenAddr, reg, logger)
	defer metricsSrv.Close() //nolint:errcheck

	logger.Infow("starting cubenoded", "identity", identity.Fingerprint(mgr.LocalIdentity()), "transports", len(cfg.Transports))
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start netmanager: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.NetManager.NetworkTimeout)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("netmanager shutdown reported errors", "error", err)
	}
	return nil
}

// wireTransports is the first real consumer of transport.Param: it turns
// each enumerated entry into a concrete Server+Dialer pair and registers
// it with mgr, mirroring cmd/empower1d/main.go's construct-then-attach
// sequencing for its P2P server.
func wireTransports(mgr *netmanager.Manager, params []transport.Param, logger *zap.SugaredLogger) error {
	for _, p := range params {
		switch p.Kind {
		case transport.KindWebsocket:
			srv, err := ws.NewServer(p.ListenHost, p.ListenPort, p.ListenHost, logger)
			if err != nil {
				return fmt.Errorf("websocket transport: %w", err)
			}
			mgr.AddTransport(transport.KindWebsocket, srv, ws.NewDialer(logger))
		case transport.KindMux:
			srv, err := mux.NewServer(p.ListenHost, p.ListenPort, p.ListenHost, logger)
			if err != nil {
				return fmt.Errorf("mux transport: %w", err)
			}
			mgr.AddTransport(transport.KindMux, srv, mux.NewDialer(logger))
		default:
			return fmt.Errorf("unknown transport kind %s", p.Kind)
		}
	}
	return nil
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("metrics server stopped", "error", err)
		}
	}()
	return srv
}

// newLogger builds a zap logger with a console encoder when stderr is a
// terminal (color-friendly for interactive use) and a JSON encoder
// otherwise, the same TTY-detection split go-isatty exists for.
func newLogger(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}
