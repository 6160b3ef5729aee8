// Package retention periodically purges old run history.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/dosrun/internal/history"
	"github.com/loykin/dosrun/internal/metrics"
)

const DefaultSchedule = "@daily"

// Config controls the purge job. A zero MaxAge disables purging.
type Config struct {
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age"`
	TimeZone string        `mapstructure:"time_zone"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedule expression and the age.
func (c Config) Validate() error {
	if c.MaxAge < 0 {
		return fmt.Errorf("retention max_age must not be negative: %s", c.MaxAge)
	}
	schedule := c.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return nil
}

// Job purges sessions older than MaxAge from every purger on a cron schedule.
type Job struct {
	cfg       Config
	purgers   []history.Purger
	scheduler *cron.Cron
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
}

func New(cfg Config, purgers []history.Purger, l *slog.Logger) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if l == nil {
		l = slog.Default()
	}
	opts := []cron.Option{cron.WithParser(parser)}
	if cfg.TimeZone != "" {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			l.Warn("Invalid timezone, using local time", "timezone", cfg.TimeZone, "error", err)
		} else {
			opts = append(opts, cron.WithLocation(loc))
		}
	}
	return &Job{
		cfg:       cfg,
		purgers:   purgers,
		scheduler: cron.New(opts...),
		now:       time.Now,
		logger:    l,
	}, nil
}

// Start schedules the purge. It is a no-op when MaxAge is zero or there is
// nothing to purge.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return errors.New("retention job already started")
	}
	if j.cfg.MaxAge == 0 || len(j.purgers) == 0 {
		j.logger.Debug("history retention disabled")
		return nil
	}
	if _, err := j.scheduler.AddFunc(j.cfg.Schedule, func() { _, _ = j.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	j.scheduler.Start()
	j.started = true
	j.logger.Info("history retention scheduled", "schedule", j.cfg.Schedule, "max_age", j.cfg.MaxAge)
	return nil
}

// Stop stops the scheduler and waits for a running purge to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started {
		return
	}
	<-j.scheduler.Stop().Done()
	j.started = false
}

// RunOnce purges every purger once and returns the number of removed sessions.
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.cfg.MaxAge)
	var (
		total int64
		errs  []error
	)
	for _, p := range j.purgers {
		n, err := p.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			j.logger.Error("history purge failed", "error", err)
			errs = append(errs, err)
			continue
		}
		total += n
	}
	metrics.AddHistoryPurged(total)
	j.logger.Info("history purged", "sessions", total, "before", cutoff)
	return total, errors.Join(errs...)
}
