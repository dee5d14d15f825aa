// Package backup keeps a copy of a volatile provider's areas in a persistent one,
// and restores them when the volatile provider starts out empty.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/byuoitav/storagearea/store"
	"go.uber.org/zap"
)

// Copy replaces the contents of area in dst with the contents of area in src.
func Copy(ctx context.Context, dst, src store.Provider, area string) error {
	from, err := src.Area(area)
	if err != nil {
		return fmt.Errorf("unable to get source area %q: %w", area, err)
	}

	to, err := dst.Area(area)
	if err != nil {
		return fmt.Errorf("unable to get destination area %q: %w", area, err)
	}

	items, err := from.Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to dump %q: %w", area, err)
	}

	if err := to.Clear(ctx); err != nil {
		return fmt.Errorf("unable to clear %q: %w", area, err)
	}

	if len(items) == 0 {
		return nil
	}

	if err := to.Set(ctx, items); err != nil {
		return fmt.Errorf("unable to copy %d item(s) of %q: %w", len(items), area, err)
	}

	return nil
}

// CopyAll copies each of areas from src to dst. An area that fails doesn't stop the others.
func CopyAll(ctx context.Context, dst, src store.Provider, areas []string) error {
	var errs []error
	for _, area := range areas {
		if err := Copy(ctx, dst, src, area); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Restore fills the areas of volatile from their backup in persistent.
func Restore(ctx context.Context, volatile, persistent store.Provider, areas []string) error {
	return CopyAll(ctx, volatile, persistent, areas)
}

// Run backs up the areas of volatile to persistent every interval until ctx is done.
// It backs up once more before returning, and returns the error of that last backup.
func Run(ctx context.Context, persistent, volatile store.Provider, areas []string, interval time.Duration, log *zap.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			log.Debug("Backing up to persistent store", zap.Strings("areas", areas))

			if err := CopyAll(ctx, persistent, volatile, areas); err != nil {
				log.Warn("Unable to back up", zap.Error(err))
			}
		case <-ctx.Done():
			log.Info("Backing up to persistent store before stopping")
			return CopyAll(context.WithoutCancel(ctx), persistent, volatile, areas)
		}
	}
}
