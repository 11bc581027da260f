package audio

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Allowlist holds the user ids whose frames skip voice activity gating.
// Entries come from a static list plus an optional file (one id per line,
// # comments) that is reloaded when it changes on disk.
type Allowlist struct {
	static map[string]struct{}
	path   string
	log    zerolog.Logger

	mu   sync.RWMutex
	file map[string]struct{}

	watcher  *fsnotify.Watcher
	timerMu  sync.Mutex
	debounce *time.Timer
}

// NewAllowlist loads the file (if any) once. Call Watch to follow changes.
func NewAllowlist(static []string, path string, log zerolog.Logger) (*Allowlist, error) {
	a := &Allowlist{
		static: make(map[string]struct{}, len(static)),
		path:   path,
		log:    log.With().Str("component", "vad-allowlist").Logger(),
	}
	for _, id := range static {
		if id = strings.TrimSpace(id); id != "" {
			a.static[id] = struct{}{}
		}
	}
	if path != "" {
		if err := a.reload(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Contains reports whether uid bypasses voice activity gating.
func (a *Allowlist) Contains(uid string) bool {
	if _, ok := a.static[uid]; ok {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.file[uid]
	return ok
}

// Watch follows the allow-list file until ctx is done. The parent
// directory is watched so editors that replace the file by rename are seen.
func (a *Allowlist) Watch(ctx context.Context) error {
	if a.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(a.path)); err != nil {
		w.Close()
		return err
	}
	a.watcher = w
	a.log.Info().Str("path", a.path).Msg("watching vad allow-list")

	go a.watchLoop(ctx)
	return nil
}

func (a *Allowlist) watchLoop(ctx context.Context) {
	defer a.watcher.Close()
	target := filepath.Clean(a.path)
	for {
		select {
		case <-ctx.Done():
			a.timerMu.Lock()
			if a.debounce != nil {
				a.debounce.Stop()
			}
			a.timerMu.Unlock()
			return

		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			a.scheduleReload()

		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleReload coalesces bursts of events from a single save.
func (a *Allowlist) scheduleReload() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()

	if a.debounce != nil {
		a.debounce.Reset(reloadDebounce)
		return
	}
	a.debounce = time.AfterFunc(reloadDebounce, func() {
		if err := a.reload(); err != nil {
			a.log.Warn().Err(err).Msg("vad allow-list reload failed, keeping previous entries")
		}
	})
}

func (a *Allowlist) reload() error {
	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		a.swap(nil)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	ids := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	a.swap(ids)
	return nil
}

func (a *Allowlist) swap(ids map[string]struct{}) {
	a.mu.Lock()
	a.file = ids
	a.mu.Unlock()
	a.log.Info().Int("entries", len(ids)).Msg("vad allow-list loaded")
}
