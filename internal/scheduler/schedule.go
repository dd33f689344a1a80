package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

var ErrInvalidRepeat = errors.New("repeat needs exactly one of pattern or every")

// Schedule yields the next occurrence strictly after a given time.
type Schedule interface {
	Next(time.Time) time.Time
}

// Every fires on multiples of the interval.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time {
	d := time.Duration(e)
	return t.Truncate(d).Add(d)
}

// Parse turns a repeat definition into a Schedule. Patterns use the standard
// five-field cron syntax and descriptors such as @hourly or @every 5m.
func Parse(r domain.Repeat) (Schedule, error) {
	switch {
	case r.Pattern != "" && r.Every > 0, r.Pattern == "" && r.Every <= 0:
		return nil, ErrInvalidRepeat
	case r.Every > 0:
		return Every(r.Every), nil
	}
	s, err := cron.ParseStandard(r.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", r.Pattern, err)
	}
	return s, nil
}

// Key derives a stable repeat key when the caller does not supply one.
func Key(kind string, r domain.Repeat) string {
	if r.Pattern != "" {
		return kind + ":" + r.Pattern
	}
	return fmt.Sprintf("%s:every:%d", kind, r.Every.Milliseconds())
}

// ValidateCronExpression reports whether expr parses as a standard cron pattern.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
