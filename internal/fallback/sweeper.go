package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var sweepLog = logging.ForComponent(logging.CompSweep)

// DefaultSchedule runs the sweep every ten minutes.
const DefaultSchedule = "@every 10m"

// SweepTarget is a directory and the glob of artifacts it may hold.
type SweepTarget struct {
	Dir     string
	Pattern string
}

// ArtifactTargets returns the file-drop and desktop shortcut locations.
func ArtifactTargets(tempDir, desktopDir string) []SweepTarget {
	targets := []SweepTarget{{Dir: DropDir(tempDir), Pattern: dropPattern}}
	if desktopDir != "" {
		targets = append(targets, SweepTarget{Dir: desktopDir, Pattern: shortcutPattern})
	}
	return targets
}

// Task is extra periodic work run with each sweep; it reports how many
// items it removed.
type Task func(ctx context.Context) (int, error)

// Sweeper removes fallback artifacts older than maxAge, on demand or on a
// cron schedule.
type Sweeper struct {
	targets []SweepTarget
	maxAge  time.Duration
	now     func() time.Time

	mu    sync.Mutex
	tasks map[string]Task
	cron  *cron.Cron
}

// NewSweeper returns a sweeper over targets.
func NewSweeper(maxAge time.Duration, targets ...SweepTarget) *Sweeper {
	return &Sweeper{targets: targets, maxAge: maxAge, now: time.Now, tasks: map[string]Task{}}
}

// AddTask registers fn to run after each artifact sweep.
func (s *Sweeper) AddTask(name string, fn Task) {
	s.mu.Lock()
	s.tasks[name] = fn
	s.mu.Unlock()
}

// Sweep removes expired artifacts and runs registered tasks. It returns
// the number of artifacts removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	var errs []error
	for _, t := range s.targets {
		matches, err := filepath.Glob(filepath.Join(t.Dir, t.Pattern))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, path := range matches {
			info, err := os.Lstat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	s.mu.Lock()
	tasks := make(map[string]Task, len(s.tasks))
	for name, fn := range s.tasks {
		tasks[name] = fn
	}
	s.mu.Unlock()
	for name, fn := range tasks {
		n, err := fn(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if n > 0 {
			sweepLog.Info("sweep_task_done", slog.String("task", name), slog.Int("removed", n))
		}
	}

	if removed > 0 {
		sweepLog.Info("sweep_removed_artifacts", slog.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

// Start schedules Sweep with a cron spec ("@every 10m", "*/5 * * * *").
func (s *Sweeper) Start(spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			sweepLog.Warn("sweep_failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	sweepLog.Info("sweeper_started", slog.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
