package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/tether/internal/logger"
)

// DefaultSweepSchedule runs the sweep every five minutes
const DefaultSweepSchedule = "*/5 * * * *"

// DefaultRetention is how long an undelivered result is kept
const DefaultRetention = time.Hour

// ErrInvalidSchedule is returned for a schedule the parser rejects
var ErrInvalidSchedule = errors.New("invalid sweep schedule")

// Standard 5-field cron plus @every/@hourly descriptors
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a sweep schedule expression
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

// Sweeper periodically evicts stale results from a ResultQueue
type Sweeper struct {
	queue     *ResultQueue
	schedule  string
	retention time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// SweeperConfig configures a Sweeper
type SweeperConfig struct {
	Schedule  string        // cron expression or descriptor
	Retention time.Duration // maximum age of a queued result
}

// NewSweeper creates a sweeper for queue
func NewSweeper(queue *ResultQueue, cfg SweeperConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Sweeper{
		queue:     queue,
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
	}
}

// Start schedules the sweep. Calling Start twice is a no-op.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.schedule, s.Sweep); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, s.schedule, err)
	}
	c.Start()
	s.cron = c
	logger.Slog().Info("result sweeper started", "schedule", s.schedule, "retention", s.retention)
	return nil
}

// Stop halts the schedule and waits for a running sweep
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Sweep evicts results older than the retention window
func (s *Sweeper) Sweep() {
	if n := s.queue.Sweep(s.retention); n > 0 {
		logger.Slog().Info("evicted stale queued results", "count", n, "retention", s.retention)
	}
}
