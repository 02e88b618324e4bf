// LANDrop Server
//
// Features:
// - Drop-folder file sharing over HTTP (upload, download, range reads)
// - mDNS peer discovery on the local network
// - SSE change stream fed by a file system watcher
// - Terminal QR code for phone onboarding
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/landrop/landrop/internal/api"
	"github.com/landrop/landrop/internal/config"
	"github.com/landrop/landrop/internal/discovery"
	"github.com/landrop/landrop/internal/events"
	"github.com/landrop/landrop/internal/fileserve"
	"github.com/landrop/landrop/internal/logging"
	"github.com/landrop/landrop/internal/metrics"
	"github.com/landrop/landrop/internal/netutil"
	"github.com/landrop/landrop/internal/qr"
	"github.com/landrop/landrop/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	// Flags override environment.
	flag.IntVar(&cfg.Port, "port", cfg.Port, "preferred listen port")
	flag.StringVar(&cfg.RootDirectory, "dir", cfg.RootDirectory, "shared directory")
	flag.StringVar(&cfg.InstanceName, "name", cfg.InstanceName, "name announced to peers (defaults to hostname)")
	flag.BoolVar(&cfg.DiscoveryEnabled, "discovery", cfg.DiscoveryEnabled, "announce and browse via mDNS")
	flag.BoolVar(&cfg.ShowQRCode, "qr", cfg.ShowQRCode, "print a QR code for the server URL")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.Info("LANDrop starting...",
		zap.String("dir", cfg.RootDirectory),
		zap.Int("preferred_port", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bind before announcing anything: the bound port is the identity we
	// advertise to peers.
	bound, err := netutil.Allocate(cfg.Port, cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		logging.Fatal("no listen port available", zap.Error(err))
	}
	if bound.Port != cfg.Port {
		logging.Info("preferred port taken, using fallback", zap.Int("port", bound.Port))
	}

	guard, err := fileserve.NewGuard(cfg.RootDirectory)
	if err != nil {
		logging.Fatal("shared directory unusable", zap.Error(err))
	}
	store := fileserve.NewStore(guard, fileserve.NewSessionRegistry())
	fileserve.CleanupOrphans(store.Root())

	broadcaster := events.NewBroadcaster()

	watcher, err := watch.New(store.Root(), broadcaster)
	if err != nil {
		logging.Fatal("file watcher init failed", zap.Error(err))
	}
	if err := watcher.Start(ctx); err != nil {
		logging.Fatal("file watcher start failed", zap.Error(err))
	}
	defer watcher.Close()

	device := netutil.NewDeviceInfo(bound.Port, cfg.InstanceName)
	logging.Info("device identity",
		zap.String("id", device.ID),
		zap.String("name", device.Name),
		zap.String("url", device.URL()))

	var peers api.PeerSource
	if cfg.DiscoveryEnabled {
		svc := discovery.Start(ctx, device, config.Version,
			time.Duration(cfg.PeerTTLSeconds)*time.Second, broadcaster)
		defer svc.Stop()
		peers = svc
	} else {
		logging.Info("discovery disabled")
	}

	srv := api.NewServer(store, broadcaster, peers, device,
		cfg.MaxUploadSize, cfg.RateLimitPerSecond)

	httpServer := &http.Server{Handler: srv.Handler()}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	}

	if cfg.ShowQRCode {
		if code, err := qr.Render(device.URL()); err == nil {
			fmt.Printf("\n  Scan to connect: %s\n\n%s\n", device.URL(), code)
		} else {
			logging.Warn("qr render failed", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("server listening", zap.Int("port", bound.Port))
		if err := httpServer.Serve(bound.Listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("shutdown complete")
}
