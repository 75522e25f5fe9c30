// Package schedule turns user-facing schedules into cron rules and computes
// their next fire times.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"github.com/mohans/newsdigest/apperr"
)

// Kind selects the recurrence.
type Kind string

const (
	Hourly Kind = "hourly"
	Daily  Kind = "daily"
)

// Schedule is the recurrence stored on a task. RunAt is "HH:MM" and only
// used by daily schedules.
type Schedule struct {
	Type     Kind   `json:"type"`
	RunAt    string `json:"runAt,omitempty"`
	Timezone string `json:"timezone"`
}

// Default is used when a task is created without a schedule.
var Default = Schedule{Type: Hourly, Timezone: "UTC"}

// Rule is a compiled recurrence: a five-field cron expression evaluated in
// Timezone.
type Rule struct {
	Cron     string
	Timezone string
}

// Spec renders the rule in the CRON_TZ form understood by robfig/cron.
func (r Rule) Spec() string {
	if r.Timezone == "" {
		return r.Cron
	}
	return "CRON_TZ=" + r.Timezone + " " + r.Cron
}

func (r Rule) String() string { return r.Spec() }

// Validate reports malformed schedules.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Timezone) == "" {
		return apperr.Validation("schedule timezone is required")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return apperr.Validation("unknown timezone %q", s.Timezone)
	}
	switch s.Type {
	case Hourly:
		return nil
	case Daily:
		if _, err := time.Parse("15:04", s.RunAt); err != nil {
			return apperr.Validation("daily schedule runAt must be HH:MM, got %q", s.RunAt)
		}
		return nil
	default:
		return apperr.Validation("unknown schedule type %q", s.Type)
	}
}

// Compile converts s into a Rule. Hourly fires at minute 0 of every hour,
// daily at RunAt, both in the schedule's timezone.
func Compile(s Schedule) (Rule, error) {
	if err := s.Validate(); err != nil {
		return Rule{}, err
	}
	if s.Type == Hourly {
		return Rule{Cron: "0 * * * *", Timezone: s.Timezone}, nil
	}
	at, _ := time.Parse("15:04", s.RunAt)
	return Rule{Cron: fmt.Sprintf("%d %d * * *", at.Minute(), at.Hour()), Timezone: s.Timezone}, nil
}

var parsed, _ = lru.New[string, cron.Schedule](1024)

// ErrNeverFires is returned when a rule has no future activation.
var ErrNeverFires = errors.New("schedule never fires")

// ParseRule parses a rule spec, caching the result by spec string.
func ParseRule(spec string) (cron.Schedule, error) {
	if sched, ok := parsed.Get(spec); ok {
		return sched, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	parsed.Add(spec, sched)
	return sched, nil
}

// NextFireTime returns the first activation of s strictly after from.
func NextFireTime(s Schedule, from time.Time) (time.Time, error) {
	rule, err := Compile(s)
	if err != nil {
		return time.Time{}, err
	}
	return NextRuleTime(rule, from)
}

// NextRuleTime is NextFireTime for an already compiled rule.
func NextRuleTime(rule Rule, from time.Time) (time.Time, error) {
	sched, err := ParseRule(rule.Spec())
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%s: %w", rule.Spec(), ErrNeverFires)
	}
	return next, nil
}
