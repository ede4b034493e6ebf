// Package cron computes trigger instants from cron expressions.
//
// It is a thin adapter over robfig/cron's parser: the scheduler only ever
// asks "given this expression, this timezone, and this reference instant,
// when is the next fire strictly after the reference?".
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs,
// plus descriptors like "@hourly" and "@every 5m".
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextAfter returns the first instant strictly after ref at which spec fires,
// evaluated in loc (UTC when loc is nil).
func NextAfter(spec string, loc *time.Location, ref time.Time) (time.Time, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	next := sched.Next(ref.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q has no future fire time", spec)
	}
	return next, nil
}

// Validate reports whether spec is a parseable schedule.
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return nil
}
