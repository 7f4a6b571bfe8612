// Command trustd is the book of record's daemon: it wires every
// repository and service once at startup, serves the read-only reporting
// API and the watch websocket view, and drives the broker-sync poller
// until told to stop.
//
// Grounded on the teacher's cmd/sentinel/main.go startup/shutdown shape
// (load config, build logger, wire dependencies, start servers, wait on a
// signal, shut down in reverse order) collapsed from an eight-database,
// multi-monitor daemon down to this system's single database and three
// concurrent loops (reporting server, watch server, poller), coordinated
// with golang.org/x/sync/errgroup instead of the teacher's hand-rolled
// sequence of component-specific Stop() calls.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/matiasvillaverde/trust/internal/account"
	"github.com/matiasvillaverde/trust/internal/backup"
	"github.com/matiasvillaverde/trust/internal/broker"
	"github.com/matiasvillaverde/trust/internal/config"
	"github.com/matiasvillaverde/trust/internal/distribution"
	"github.com/matiasvillaverde/trust/internal/facade"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/level"
	"github.com/matiasvillaverde/trust/internal/logger"
	"github.com/matiasvillaverde/trust/internal/poller"
	"github.com/matiasvillaverde/trust/internal/reconciler"
	"github.com/matiasvillaverde/trust/internal/rule"
	"github.com/matiasvillaverde/trust/internal/server"
	"github.com/matiasvillaverde/trust/internal/store"
	"github.com/matiasvillaverde/trust/internal/trade"
	"github.com/matiasvillaverde/trust/internal/vehicle"
	"github.com/matiasvillaverde/trust/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting trustd")

	db, err := store.Open(store.Config{Path: filepath.Join(cfg.DataDir, "trust.db"), Log: log})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database")
		}
	}()

	f := wireFacade(db, cfg, log)
	watchSrv := watch.New(watch.Config{Log: log, Port: cfg.WatchPort, DevMode: cfg.DevMode})
	reportSrv := server.New(server.Config{Log: log, Store: db, Facade: f, Port: cfg.Port, DevMode: cfg.DevMode})
	backupSvc := backup.NewService(db, log)

	sched := poller.New(log)
	syncJob := &poller.SyncJob{Facade: f, Log: log, Sink: watchSrv.Hub()}
	if err := sched.AddJob(cfg.SyncSchedule, syncJob); err != nil {
		log.Fatal().Err(err).Msg("failed to register sync poller job")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := reportSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := watchSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop(context.Background())
		return nil
	})

	backupSignal := make(chan os.Signal, 1)
	signal.Notify(backupSignal, syscall.SIGUSR1)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-backupSignal:
				if err := runBackup(gctx, backupSvc, cfg, log); err != nil {
					log.Error().Err(err).Msg("on-demand backup failed")
				}
			}
		}
	})

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reportSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("reporting server forced to shutdown")
	}
	if err := watchSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("watch server forced to shutdown")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("a background loop exited with an error")
	}
	log.Info().Msg("trustd stopped")
}

// wireFacade builds every repository and service and assembles the
// single Facade the reporting server, watch poller and (eventually) the
// CLI share.
func wireFacade(db *store.DB, cfg *config.Config, log zerolog.Logger) *facade.Facade {
	accounts := account.NewRepository(db.Conn(), log)
	ledgerRepo := ledger.NewRepository(db.Conn(), log)
	accountSvc := account.NewService(accounts, ledgerRepo)
	rules := rule.NewRepository(db.Conn(), log)
	vehicles := vehicle.NewRepository(db.Conn(), log)
	trades := trade.NewRepository(db.Conn(), log)
	levels := level.NewRepository(db.Conn(), log)

	brokerPort := buildBroker(cfg, log)

	tradeSvc := trade.NewService(trades, ledgerRepo, rules, levels, brokerPort)
	recon := reconciler.NewService(db.Conn(), trades, ledgerRepo, brokerPort, log)
	distRules := distribution.NewRepository(db.Conn(), log)
	distSvc := distribution.NewService(db.Conn(), distRules, ledgerRepo, accounts, log)

	return facade.New(facade.Deps{
		Accounts: accounts, AccountService: accountSvc, Ledger: ledgerRepo, Rules: rules, Vehicles: vehicles,
		Trades: trades, TradeService: tradeSvc, Levels: levels, Reconciler: recon,
		DistributionRules: distRules, DistributionService: distSvc,
		DistributionConfigPassword: cfg.DistributionConfigPassword,
		Log:                        log,
	})
}

// runBackup writes a local JSON snapshot on SIGUSR1 ("kill -USR1 <pid>",
// the operator's on-demand backup trigger) and, if an S3-compatible
// bucket is configured, uploads it off-box too.
func runBackup(ctx context.Context, svc *backup.Service, cfg *config.Config, log zerolog.Logger) error {
	env, err := svc.Export(ctx)
	if err != nil {
		return err
	}

	dir := filepath.Join(cfg.DataDir, "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, env.ExportedAt.Format("20060102T150405Z")+".json")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := backup.WriteTo(file, env); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("wrote local backup")

	uploadCfg := backup.UploadConfig{Bucket: cfg.BackupS3Bucket, Region: cfg.BackupS3Region, Endpoint: cfg.BackupS3Endpoint}
	if !uploadCfg.Enabled() {
		return nil
	}
	uploader, err := backup.NewUploader(ctx, uploadCfg, cfg.BackupS3AccessKeyID, cfg.BackupS3SecretAccessKey, log)
	if err != nil {
		return err
	}
	key, err := uploader.Upload(ctx, env)
	if err != nil {
		return err
	}
	log.Info().Str("key", key).Msg("uploaded backup")
	return nil
}

// buildBroker wires the HTTP-backed Port when credentials are configured,
// falling back to the in-memory Mock otherwise (local/dev use — spec
// Non-goals exclude running this daemon against a live broker by
// default).
func buildBroker(cfg *config.Config, log zerolog.Logger) broker.Port {
	if cfg.BrokerBaseURL == "" {
		log.Warn().Msg("no broker configured; using in-memory mock broker")
		return broker.NewMock()
	}
	return broker.NewHTTPPort(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerAPISecret, log)
}
