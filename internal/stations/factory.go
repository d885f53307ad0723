package stations

import (
	"context"
	"errors"

	"airwave/internal/config"
	"airwave/internal/playlist"
	rtsup "airwave/internal/runtime/supervisor"
	"airwave/internal/station"
	logx "airwave/pkg/logx"
)

// WorkerFactory builds station workers and runs them as named goroutines of
// a runtime supervisor.
type WorkerFactory struct {
	Deps   station.Deps
	Runner *rtsup.Supervisor
	Log    logx.Logger
}

func (f *WorkerFactory) Start(_ context.Context, cfg config.Station) (Worker, error) {
	w, err := station.New(cfg, f.Deps)
	if err != nil {
		return nil, err
	}
	log := f.Log.With(logx.String("station", cfg.Name), logx.String("run", w.RunID()))
	f.Runner.Go("station."+cfg.Name, func(ctx context.Context) error {
		err := w.Run(ctx)
		var empty *playlist.EmptyPlaylistError
		switch {
		case err == nil:
			log.Debug("station run ended")
		case errors.As(err, &empty):
			log.Warn("station has nothing to play", logx.Err(err))
		default:
			log.Warn("station died", logx.Err(err))
		}
		// Deaths are handled by the station supervisor, not the runtime one.
		return nil
	})
	return w, nil
}
