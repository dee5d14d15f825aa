package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/byuoitav/storagearea/config"
	"github.com/byuoitav/storagearea/log"
	"github.com/byuoitav/storagearea/server"
	"github.com/byuoitav/storagearea/store"
	"github.com/byuoitav/storagearea/store/backup"
	"github.com/byuoitav/storagearea/store/boltstore"
	"github.com/byuoitav/storagearea/store/memstore"
	"github.com/byuoitav/storagearea/store/ristrettostore"
	"github.com/byuoitav/storagearea/store/sqlitestore"
	"go.uber.org/zap"
)

func openProvider(cfg config.Config) (store.Provider, error) {
	switch cfg.Backend {
	case "bolt":
		return boltstore.Open(cfg.Path, cfg.Areas...)
	case "sqlite":
		return sqlitestore.Open(cfg.Path, cfg.Areas...)
	case "ristretto":
		return ristrettostore.NewStore(cfg.MaxCost, cfg.Areas...)
	case "memory":
		return memstore.NewStore(memstore.WithAreas(cfg.Areas...)), nil
	}

	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

type newServerFunc func(context.Context, store.Provider, ...server.Option) (*server.Server, error)

// daemon owns everything main starts. close undoes whatever part of it was started.
type daemon struct {
	provider   store.Provider
	persistent store.Provider
	srv        *server.Server

	stopBackup context.CancelFunc
	backedUp   chan error
}

func start(ctx context.Context, cfg config.Config, newServer newServerFunc) (*daemon, error) {
	p, err := openProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s provider: %w", cfg.Backend, err)
	}

	d := &daemon{
		provider: p,
		backedUp: make(chan error, 1),
	}

	if cfg.BackupPath == "" {
		d.backedUp <- nil
	} else {
		persistent, err := boltstore.Open(cfg.BackupPath, cfg.Areas...)
		if err != nil {
			d.backedUp <- nil
			return nil, errors.Join(fmt.Errorf("unable to open backup %q: %w", cfg.BackupPath, err), d.close(ctx))
		}

		d.persistent = persistent

		if err := backup.Restore(ctx, p, d.persistent, cfg.Areas); err != nil {
			log.P.Warn("Unable to restore from backup", zap.Error(err))
		}

		var backupCtx context.Context
		backupCtx, d.stopBackup = context.WithCancel(context.Background())

		go func() {
			d.backedUp <- backup.Run(backupCtx, d.persistent, p, cfg.Areas, cfg.BackupInterval, log.P.Named("backup"))
		}()
	}

	d.srv, err = newServer(ctx, p)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("unable to start server: %w", err), d.close(ctx))
	}

	return d, nil
}

func (d *daemon) close(ctx context.Context) error {
	var errs []error
	if d.srv != nil {
		if err := d.srv.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if d.stopBackup != nil {
		d.stopBackup()
	}

	if err := <-d.backedUp; err != nil {
		errs = append(errs, fmt.Errorf("unable to back up: %w", err))
	}

	if d.persistent != nil {
		if err := d.persistent.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unable to close backup: %w", err))
		}
	}

	if err := d.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unable to close provider: %w", err))
	}

	return errors.Join(errs...)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.P.Fatal("invalid configuration", zap.Error(err))
	}

	lvl, _ := cfg.Level()
	if err := log.Configure(lvl, cfg.LogEncoding); err != nil {
		log.P.Fatal("unable to configure logger", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := start(ctx, cfg, server.New)
	if err != nil {
		log.P.Error("Unable to start", zap.Error(err))
		log.P.Sync()
		os.Exit(1)
	}

	served := make(chan error, 1)
	go func() {
		served <- d.srv.ListenAndServe(cfg.Addr)
	}()

	select {
	case err = <-served:
	case <-ctx.Done():
		log.P.Info("Shutting down")
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := errors.Join(err, d.close(shutdown)); err != nil {
		log.P.Error("Stopped with errors", zap.Error(err))
		log.P.Sync()
		os.Exit(1)
	}

	log.P.Sync()
}
