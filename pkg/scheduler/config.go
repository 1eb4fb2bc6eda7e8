// Package scheduler runs timer-driven pre-aggregation refresh cycles
// outside the request path.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidSchedule is returned for unparseable schedule expressions
	ErrInvalidSchedule = errors.New("invalid refresh schedule")
	// ErrInvalidLookback is returned when the lookback window is not positive
	ErrInvalidLookback = errors.New("lookback must be positive")
)

// Config defines scheduled refresh behaviour
type Config struct {
	// Enabled turns the background refresh worker on. Off by default:
	// without a background-refresh mode the timer never fires.
	Enabled bool `yaml:"enabled" default:"false"`
	// Schedule is a cron expression or @every duration between ticks
	Schedule string `yaml:"schedule" default:"@every 30s"`
	// Timezones to iterate per security context
	Timezones []string `yaml:"timezones"`
	// Lookback bounds how far back partitions are considered for refresh
	Lookback time.Duration `yaml:"lookback" default:"168h"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if _, err := c.Interval(); err != nil {
		return err
	}

	if c.Lookback <= 0 {
		return ErrInvalidLookback
	}

	if len(c.Timezones) == 0 {
		c.Timezones = []string{"UTC"}
	}

	return nil
}

// Interval converts the schedule expression to a tick duration.
// Supports @every format and standard cron expressions.
func (c *Config) Interval() (time.Duration, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	sched, err := parser.Parse(c.Schedule)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSchedule, c.Schedule)
	}

	if len(c.Schedule) > 7 && c.Schedule[:6] == "@every" {
		duration, err := time.ParseDuration(c.Schedule[7:])
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidSchedule, c.Schedule)
		}

		return duration, nil
	}

	// For cron expressions, use the gap between the next two runs
	now := time.Now()
	next1 := sched.Next(now)
	next2 := sched.Next(next1)

	return next2.Sub(next1), nil
}
