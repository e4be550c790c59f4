package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/engagement-pipeline/internal/device/localstore"
	"github.com/noah-isme/engagement-pipeline/internal/device/recorder"
	"github.com/noah-isme/engagement-pipeline/internal/device/syncer"
	"github.com/noah-isme/engagement-pipeline/internal/device/transport"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
	"github.com/noah-isme/engagement-pipeline/pkg/logger"
)

const (
	maintenanceInterval = 10 * time.Minute
	gcDiscardRatio      = 0.5
)

const usage = `usage: device-agent <command> [flags]

commands:
  run        sync queued events until interrupted
  record     capture a single event
  simulate   capture a burst of events while offline
  status     print local queue statistics
  purge      delete every queued event (requires -confirm)
`

type agent struct {
	cfg    *config.DeviceConfig
	logger *zap.Logger
	store  *localstore.Store
	anon   *anonymizer.Anonymizer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadDevice()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg.Env, cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	store, err := localstore.Open(cfg.Store, logr.Named("localstore"))
	if err != nil {
		logr.Fatal("failed to open local store", zap.Error(err))
	}
	a := &agent{cfg: cfg, logger: logr, store: store, anon: anonymizer.New(store, anonymizer.WithSaltWindow(cfg.SaltWindow))}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = a.dispatch(ctx, os.Args[1], os.Args[2:])
	stop()
	if closeErr := store.Close(); closeErr != nil {
		logr.Warn("failed to close local store", zap.Error(closeErr))
	}
	if err != nil {
		logr.Fatal("command failed", zap.String("command", os.Args[1]), zap.Error(err))
	}
}

func (a *agent) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "run":
		return a.run(ctx)
	case "record":
		return a.record(ctx, args)
	case "simulate":
		return a.simulate(ctx, args)
	case "status":
		return a.status(ctx, os.Stdout)
	case "purge":
		return a.purge(ctx, args, os.Stdout)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *agent) signals() (syncer.SignalSource, error) {
	network := syncer.NetworkWifi
	if a.cfg.Sync.NetworkOverride != "" {
		class, err := syncer.ParseNetworkClass(a.cfg.Sync.NetworkOverride)
		if err != nil {
			return nil, err
		}
		network = class
	}
	return syncer.StaticSignals{
		Network:    network,
		BatteryPct: a.cfg.Sync.BatteryOverride,
		Charging:   network == syncer.NetworkWifiCharging,
	}, nil
}

func (a *agent) recorder(subject string) *recorder.Recorder {
	return recorder.New(a.store, a.anon, recorder.StaticSubject(subject), recorder.NewGrowthPolicy(a.cfg.Growth), a.logger.Named("recorder"))
}

func (a *agent) run(ctx context.Context) error {
	signals, err := a.signals()
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: a.cfg.Sync.RequestTimeout}
	tr := transport.NewHTTP(a.cfg.ServerURL, a.cfg.Token, client)
	coordinator := syncer.New(a.store, tr, signals, a.anon, a.cfg.Sync, a.logger.Named("syncer"))

	a.logger.Info("device agent starting",
		zap.String("device_id", a.cfg.DeviceID),
		zap.String("server", a.cfg.ServerURL),
		zap.String("policy", string(syncer.PolicyFor(signals.Signals(ctx)).Name)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		return a.maintain(gctx)
	})
	err = g.Wait()

	status := coordinator.Status()
	a.logger.Info("device agent stopped",
		zap.String("state", string(status.State)),
		zap.Int("acked", status.Acked),
		zap.Int("depth", status.Depth),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// maintain prunes expired salts and compacts the value log until ctx is done.
func (a *agent) maintain(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		a.pruneSalts()
		if err := a.store.RunGC(gcDiscardRatio); err != nil {
			a.logger.Warn("local store gc failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *agent) pruneSalts() {
	cutoff := time.Now().UTC().Add(-a.cfg.SaltWindow)
	removed, err := a.store.PruneSalts(cutoff)
	if err != nil {
		a.logger.Warn("salt pruning failed", zap.Error(err))
		return
	}
	a.anon.Forget(cutoff)
	if removed > 0 {
		a.logger.Info("expired salts pruned", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
	}
}
