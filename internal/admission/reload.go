// Package admission provides rule hot reload.
package admission

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Reloader applies rule documents to the store and records the result.
type Reloader struct {
	rules   *RuleStore
	path    string
	onApply func(*RuleSnapshot)
	metrics *Metrics
	log     zerolog.Logger
}

// NewReloader constructs a reloader for a rule file. onApply runs after a
// successful swap with the new snapshot (used to reconfigure breakers).
func NewReloader(rules *RuleStore, path string, onApply func(*RuleSnapshot), metrics *Metrics, log zerolog.Logger) *Reloader {
	return &Reloader{rules: rules, path: path, onApply: onApply, metrics: metrics, log: log}
}

// Reload loads the rule file. A rejected document leaves the previous
// snapshot active and is reported as an error, never as a request failure.
func (r *Reloader) Reload() (*RuleSnapshot, error) {
	if r == nil || r.rules == nil {
		return nil, errors.New("reloader is not initialized")
	}
	snapshot, err := r.rules.LoadFile(r.path)
	if err != nil {
		if r.metrics != nil {
			r.metrics.Reload(false, 0)
		}
		r.log.Error().Err(err).Str("path", r.path).Msg("rule reload rejected")
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.Reload(true, snapshot.Version)
	}
	if r.onApply != nil {
		r.onApply(snapshot)
	}
	r.log.Info().
		Int64("version", snapshot.Version).
		Int("rate_limits", len(snapshot.Limits)).
		Int("circuit_breakers", len(snapshot.Breakers)).
		Int("waf_rules", snapshot.WAFRuleCount()).
		Msg("rule snapshot activated")
	return snapshot, nil
}

// Watch reloads on file writes until the context is done. Events are
// debounced because editors and config pushers emit bursts of writes.
func (r *Reloader) Watch(ctx context.Context) error {
	if r == nil || r.path == "" {
		return errors.New("watch requires a rule path")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}

	target := filepath.Clean(r.path)
	var timer *time.Timer
	debounced := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case <-debounced:
			_, _ = r.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Error().Err(err).Msg("rule watcher error")
		}
	}
}
