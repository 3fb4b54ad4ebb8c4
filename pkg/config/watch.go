package config

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/outpost/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// ReloadFunc receives every reload attempt. On error the caller keeps its
// current configuration.
type ReloadFunc func(cfg *Config, err error)

// Watcher reloads the configuration file when it changes or on SIGHUP
type Watcher struct {
	path     string
	viper    *viper.Viper
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, v *viper.Viper) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		viper:    v,
		debounce: 250 * time.Millisecond,
		logger:   log.WithComponent("config"),
	}
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors replacing the file by rename are noticed.
func (w *Watcher) Run(ctx context.Context, reload ReloadFunc) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	w.logger.Info().Str("path", w.path).Msg("Watching configuration")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Config watch error")

		case <-hup:
			w.logger.Info().Msg("SIGHUP received, reloading configuration")
			w.reload(reload)

		case <-timer.C:
			w.reload(reload)
		}
	}
}

func (w *Watcher) reload(fn ReloadFunc) {
	cfg, err := Load(w.path, w.viper)
	if err != nil {
		w.logger.Error().Err(err).Msg("Configuration rejected, keeping the previous one")
	} else {
		w.logger.Info().Int("exposures", len(cfg.Exposures)).Msg("Configuration reloaded")
	}
	fn(cfg, err)
}
