package internal

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/jobtrail/internal/entity"
	"github.com/starford/jobtrail/internal/remote"
	"github.com/starford/jobtrail/internal/remote/dirremote"
	"github.com/starford/jobtrail/internal/remote/httpremote"
	"github.com/starford/jobtrail/internal/remote/memremote"
)

// buildAdapters returns the sync targets named by cfg: the primary remote,
// then the calendar remote when enabled.
func buildAdapters(cfg *Config, dryRun bool, logger *slog.Logger) ([]remote.Adapter, error) {
	var adapters []remote.Adapter

	if cfg.Remote.Kind != RemoteNone {
		a, err := primaryAdapter(&cfg.Remote, dryRun, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	if cfg.Calendar.Enabled {
		a, err := calendarAdapter(&cfg.Calendar, dryRun)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	for _, a := range adapters {
		logger.Info("Sync target configured",
			slog.String("target", a.Name()),
			slog.String("surface", string(a.Surface())),
			slog.Bool("dry_run", dryRun))
	}
	return adapters, nil
}

func primaryAdapter(cfg *RemoteConfig, dryRun bool, logger *slog.Logger) (remote.Adapter, error) {
	if dryRun {
		return memremote.New(cfg.Name), nil
	}
	switch cfg.Kind {
	case RemoteDir:
		r, err := dirremote.New(cfg.Name, cfg.Dir.Path, dirremote.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("init remote %s: %w", cfg.Name, err)
		}
		return r, nil
	case RemoteHTTP:
		r, err := httpremote.New(httpremote.Config{
			Name:        cfg.Name,
			BaseURL:     cfg.HTTP.BaseURL,
			Credentials: cfg.HTTP.Credentials.HTTPRemote(),
		})
		if err != nil {
			return nil, fmt.Errorf("init remote %s: %w", cfg.Name, err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
}

func calendarAdapter(cfg *CalendarConfig, dryRun bool) (remote.Adapter, error) {
	if dryRun {
		return memremote.New(cfg.Name,
			memremote.WithSurface(entity.SurfaceCalendar),
			memremote.WithKinds(entity.KindInterview)), nil
	}
	r, err := httpremote.New(httpremote.Config{
		Name:        cfg.Name,
		BaseURL:     cfg.BaseURL,
		Surface:     entity.SurfaceCalendar,
		Kinds:       []entity.Kind{entity.KindInterview},
		Credentials: cfg.Credentials.HTTPRemote(),
	})
	if err != nil {
		return nil, fmt.Errorf("init calendar %s: %w", cfg.Name, err)
	}
	return r, nil
}

// watchQuiet is the settle time for folder watchers, or zero when watching
// is off.
func watchQuiet(cfg *RemoteConfig) time.Duration {
	if cfg.Kind != RemoteDir || !cfg.Dir.Watch {
		return 0
	}
	if cfg.Dir.QuietMillis > 0 {
		return time.Duration(cfg.Dir.QuietMillis) * time.Millisecond
	}
	return dirremote.DefaultQuiet
}
