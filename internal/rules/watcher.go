package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a rule directory whenever its files change. A reload that
// fails validation is logged and the previous set stays in effect.
type Watcher struct {
	onChange func(*Set)
	watcher  *fsnotify.Watcher
	dir      string
	debounce time.Duration
}

// NewWatcher starts watching dir. onChange receives each successfully
// reloaded set.
func NewWatcher(dir string, onChange func(*Set)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		watcher:  fw,
		debounce: 200 * time.Millisecond,
	}, nil
}

// SetDebounce changes how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run blocks until ctx is done, reloading on rule file changes.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			slog.Debug("Rule file changed", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Rule watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	set, err := LoadDir(w.dir)
	if err != nil {
		slog.Error("Rejected rule reload, keeping previous rules", "dir", w.dir, "error", err)
		return
	}
	slog.Info("Reloaded rules", "dir", w.dir, "rules", set.Fingerprint())
	w.onChange(set)
}
