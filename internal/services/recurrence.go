package services

import (
	"iter"
	"time"

	"github.com/robfig/cron/v3"
)

// RecurrenceEngine expands journey recurrence rules (standard 5-field cron
// expressions or descriptors such as @weekly) into concrete occurrences
type RecurrenceEngine struct {
	parser   cron.Parser
	maxCount int
}

// NewRecurrenceEngine creates an engine that never yields more than maxCount
// occurrences for one window
func NewRecurrenceEngine(maxCount int) *RecurrenceEngine {
	if maxCount <= 0 {
		maxCount = 1000
	}
	return &RecurrenceEngine{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		maxCount: maxCount,
	}
}

// Validate checks that rule is a calendar schedule. Interval rules
// ("@every 2h") have no fixed anchor and are rejected.
func (e *RecurrenceEngine) Validate(rule string) error {
	_, err := e.parse(rule)
	return err
}

func (e *RecurrenceEngine) parse(rule string) (cron.Schedule, error) {
	schedule, err := e.parser.Parse(rule)
	if err != nil {
		return nil, newError(KindValidation, "recurrence.parse", "malformed recurrence rule "+rule).wrap(err)
	}
	if _, ok := schedule.(cron.ConstantDelaySchedule); ok {
		return nil, newError(KindValidation, "recurrence.parse", "interval recurrence rules are not supported: "+rule)
	}
	return schedule, nil
}

// Occurrences returns the ordered occurrence times of rule in
// [windowStart, windowEnd), capped at maxCount (and the engine's own cap).
// The sequence is lazy and can be ranged over any number of times.
func (e *RecurrenceEngine) Occurrences(rule string, windowStart, windowEnd time.Time, maxCount int) (iter.Seq[time.Time], error) {
	schedule, err := e.parse(rule)
	if err != nil {
		return nil, err
	}
	if maxCount <= 0 || maxCount > e.maxCount {
		maxCount = e.maxCount
	}

	return func(yield func(time.Time) bool) {
		if !windowStart.Before(windowEnd) {
			return
		}
		// Next is strictly after its argument at second resolution
		cursor := windowStart.Add(-time.Second)
		for count := 0; count < maxCount; {
			next := schedule.Next(cursor)
			if next.IsZero() || !next.Before(windowEnd) {
				return
			}
			cursor = next
			if next.Before(windowStart) {
				continue
			}
			if !yield(next) {
				return
			}
			count++
		}
	}, nil
}

// Count returns the number of occurrences in [windowStart, windowEnd)
func (e *RecurrenceEngine) Count(rule string, windowStart, windowEnd time.Time) (int, error) {
	seq, err := e.Occurrences(rule, windowStart, windowEnd, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for range seq {
		n++
	}
	return n, nil
}

// Next returns the first occurrence at or after from and before until
func (e *RecurrenceEngine) Next(rule string, from, until time.Time) (time.Time, bool, error) {
	seq, err := e.Occurrences(rule, from, until, 1)
	if err != nil {
		return time.Time{}, false, err
	}
	for t := range seq {
		return t, true, nil
	}
	return time.Time{}, false, nil
}

// Latest returns the last occurrence in [from, at]
func (e *RecurrenceEngine) Latest(rule string, from, at time.Time) (time.Time, bool, error) {
	seq, err := e.Occurrences(rule, from, at.Add(time.Second), 0)
	if err != nil {
		return time.Time{}, false, err
	}
	var latest time.Time
	found := false
	for t := range seq {
		latest, found = t, true
	}
	return latest, found, nil
}

// IsOccurrence reports whether t falls exactly on the rule's schedule
func (e *RecurrenceEngine) IsOccurrence(rule string, t time.Time) (bool, error) {
	next, ok, err := e.Next(rule, t, t.Add(time.Second))
	if err != nil {
		return false, err
	}
	return ok && next.Equal(t), nil
}
