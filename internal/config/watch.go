package config

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// fileStamp identifies one version of the floor plan file.
type fileStamp struct {
	mod  time.Time
	size int64
}

func stampOf(path string) (fileStamp, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{mod: info.ModTime(), size: info.Size()}, true
}

// WatchFloorPlan loads the floor plan, hands it to onUpdate, and keeps polling the file
// until ctx is done. A changed file that fails to parse or validate is logged and the
// last good plan stays in effect; the bad version is not retried until it changes again.
func WatchFloorPlan(ctx context.Context, path string, interval time.Duration, logger *zerolog.Logger, onUpdate func(*FloorPlanConfig)) error {
	if path == "" {
		path = "configs/floorplan.yaml"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := logger.With().Str("component", "floorplan").Str("path", path).Logger()

	plan, err := LoadFloorPlan(path)
	if err != nil {
		return err
	}
	onUpdate(plan)

	last, ok := stampOf(path)
	if !ok {
		l.Info().Msg("floor plan file not found, using built-in layout")
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			cur, ok := stampOf(path)
			if !ok || cur == last {
				continue
			}
			last = cur

			plan, err := LoadFloorPlan(path)
			if err != nil {
				l.Warn().Err(err).Msg("floor plan change rejected, keeping previous tables")
				continue
			}
			l.Info().Int("tables", len(plan.Tables)).Msg("floor plan reloaded")
			onUpdate(plan)
		}
	}()

	return nil
}
