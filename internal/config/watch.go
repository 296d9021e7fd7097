package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Watch reloads the live settings whenever one of the config files changes.
// Startup-only sections are not re-applied. An invalid edit is logged and
// the previous settings stay in force.
//
// The parent directories are watched so editors that replace the file on
// save are still seen. The watcher ends when ctx is done or stop is called;
// stop waits for it to exit.
func Watch(ctx context.Context, files []string, live *Live, log *zap.Logger) (stop func(), err error) {
	if log == nil {
		log = zap.L()
	}
	log = log.Named("config")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "config: watcher")
	}
	watched := make(map[string]bool, len(files))
	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			w.Close()
			return nil, eris.Wrapf(err, "config: watch %s", f)
		}
		watched[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, eris.Wrapf(err, "config: watch %s", dir)
		}
		dirs[dir] = true
	}

	reload := func(name string) {
		s, err := ReadSettings(files...)
		if err == nil {
			err = live.Replace(s)
		}
		if err != nil {
			log.Warn("config reload rejected", zap.String("file", name), zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("file", name), zap.Int64("version", live.Version()))
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if !watched[filepath.Clean(e.Name)] || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reload(e.Name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watch error", zap.Error(err))
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
