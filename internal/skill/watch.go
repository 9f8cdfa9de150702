package skill

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/logging"
)

// Watcher reloads a Registry when catalogue files change.
type Watcher struct {
	dir      string
	reg      *Registry
	log      zerolog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Watch starts watching dir. Bursts of events within debounce are coalesced
// into one reload.
func Watch(dir string, reg *Registry, debounce time.Duration, logger *zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	w := &Watcher{
		dir:      dir,
		reg:      reg,
		debounce: debounce,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	if logger != nil {
		w.log = *logger
	} else {
		w.log = logging.For("skills")
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsCatalogueFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.Reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Str(logging.EVENT, "watch_error").Msg("skill watcher error")
		}
	}
}

// Reload re-reads the catalogue directory. Invalid files are logged and
// skipped; the rest of the catalogue is still applied.
func (w *Watcher) Reload() {
	skills, err := LoadDir(w.dir)
	if err != nil {
		w.log.Warn().Err(err).Str(logging.EVENT, "reload_errors").Msg("some skill files were skipped")
	}
	w.reg.Replace(skills)
	w.log.Info().Str(logging.EVENT, "reloaded").Int("skills", len(skills)).Msg("skill catalogue reloaded")
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
