package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"focus-sync/internal/domain"
)

// policyFile is the YAML shape of the policy overlay. Absent keys keep the
// default value.
//
//	commit_short: 5m
//	merge_window: 15m
//	max_retries: 5
type policyFile struct {
	CommitShort        *time.Duration `yaml:"commit_short"`
	CommitLong         *time.Duration `yaml:"commit_long"`
	LongTaskMinutes    *int           `yaml:"long_task_minutes"`
	MergeWindow        *time.Duration `yaml:"merge_window"`
	ProximityWindow    *time.Duration `yaml:"proximity_window"`
	DefaultAdHocLength *time.Duration `yaml:"default_adhoc_length"`
	EndGrace           *time.Duration `yaml:"end_grace"`
	ResyncThrottle     *time.Duration `yaml:"resync_throttle"`
	MissedThrottle     *time.Duration `yaml:"missed_throttle"`
	MonitorInterval    *time.Duration `yaml:"monitor_interval"`
	MaxRetries         *int           `yaml:"max_retries"`
	ConflictTolerance  *time.Duration `yaml:"conflict_tolerance"`
	SyncLookBack       *time.Duration `yaml:"sync_look_back"`
	SyncLookAhead      *time.Duration `yaml:"sync_look_ahead"`
}

// LoadPolicy reads the policy file at path over the defaults. An empty path
// yields the defaults.
func LoadPolicy(path string) (domain.Policy, error) {
	p := domain.DefaultPolicy()
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	var f policyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return p, fmt.Errorf("policy %s: %w", path, err)
	}

	setDur(&p.CommitShort, f.CommitShort)
	setDur(&p.CommitLong, f.CommitLong)
	setDur(&p.MergeWindow, f.MergeWindow)
	setDur(&p.ProximityWindow, f.ProximityWindow)
	setDur(&p.DefaultAdHocLength, f.DefaultAdHocLength)
	setDur(&p.EndGrace, f.EndGrace)
	setDur(&p.ResyncThrottle, f.ResyncThrottle)
	setDur(&p.MissedThrottle, f.MissedThrottle)
	setDur(&p.MonitorInterval, f.MonitorInterval)
	setDur(&p.ConflictTolerance, f.ConflictTolerance)
	setDur(&p.SyncLookBack, f.SyncLookBack)
	setDur(&p.SyncLookAhead, f.SyncLookAhead)
	if f.LongTaskMinutes != nil {
		p.LongTaskMinutes = *f.LongTaskMinutes
	}
	if f.MaxRetries != nil {
		p.MaxRetries = *f.MaxRetries
	}

	if err := validatePolicy(p); err != nil {
		return domain.DefaultPolicy(), fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

func setDur(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}

func validatePolicy(p domain.Policy) error {
	if p.MonitorInterval <= 0 {
		return errors.New("monitor_interval must be positive")
	}
	if p.MergeWindow < 0 || p.ProximityWindow < 0 || p.EndGrace < 0 || p.ConflictTolerance < 0 {
		return errors.New("windows must not be negative")
	}
	if p.CommitShort < 0 || p.CommitLong < 0 {
		return errors.New("commitment thresholds must not be negative")
	}
	if p.DefaultAdHocLength <= 0 {
		return errors.New("default_adhoc_length must be positive")
	}
	if p.SyncLookBack <= 0 || p.SyncLookAhead <= 0 {
		return errors.New("sync window must be positive")
	}
	return nil
}

// WatchPolicy reloads the policy file whenever it changes and hands the new
// value to apply. An invalid file is logged and the previous policy kept.
// It blocks until ctx is done.
func WatchPolicy(ctx context.Context, path string, log *slog.Logger, apply func(domain.Policy)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log.Info("watching policy file", slog.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			p, err := LoadPolicy(abs)
			if err != nil {
				log.Warn("policy reload failed, keeping previous", slog.String("error", err.Error()))
				continue
			}
			apply(p)
			log.Info("policy reloaded", slog.String("path", abs))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("policy watcher error", slog.String("error", err.Error()))
		}
	}
}
