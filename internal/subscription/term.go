// Package subscription holds the billing terms attached to subscription products and the
// helpers that describe them.
package subscription

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

// ErrMissingBillingTerm is returned when a product lacks a usable billing term.
var ErrMissingBillingTerm = errors.New("missing billing term")

// Period is the unit a subscription bills in.
type Period string

const (
	Day   Period = "day"
	Week  Period = "week"
	Month Period = "month"
	Year  Period = "year"
)

// Sync pins renewals to a calendar position. Weekday is used for weekly terms, Day for monthly
// terms (0 means the last day of the month) and Month+Day for yearly terms.
type Sync struct {
	Weekday *time.Weekday `json:"weekday,omitempty"`
	Month   time.Month    `json:"month,omitempty"`
	Day     int           `json:"day,omitempty" validate:"min=0,max=31"`
}

// BillingTerm describes how a subscription product is billed.
type BillingTerm struct {
	Period      Period        `json:"period" validate:"required,oneof=day week month year"`
	Interval    int           `json:"interval" validate:"min=1,max=6"`
	Length      int           `json:"length" validate:"min=0"`
	TrialPeriod Period        `json:"trial_period,omitempty" validate:"omitempty,oneof=day week month year"`
	TrialLength int           `json:"trial_length" validate:"min=0"`
	SignUpFee   pricing.Money `json:"sign_up_fee"`
	Sync        *Sync         `json:"sync,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func termValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks that every required field is present and within range.
func (t BillingTerm) Validate() error {
	if err := termValidator().Struct(t); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrMissingBillingTerm, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrMissingBillingTerm, err)
	}
	if t.SignUpFee.IsNegative() {
		return fmt.Errorf("%w: sign_up_fee must not be negative", ErrMissingBillingTerm)
	}
	if t.Sync != nil && t.Period == Week && t.Sync.Weekday == nil {
		return fmt.Errorf("%w: weekly sync requires a weekday", ErrMissingBillingTerm)
	}
	if t.Sync != nil && t.Period == Year && (t.Sync.Month < time.January || t.Sync.Month > time.December || t.Sync.Day < 1) {
		return fmt.Errorf("%w: yearly sync requires month and day", ErrMissingBillingTerm)
	}
	return nil
}

// Snapshot returns a copy that shares no memory with t.
func (t BillingTerm) Snapshot() BillingTerm {
	out := t
	if t.Sync != nil {
		s := *t.Sync
		if t.Sync.Weekday != nil {
			wd := *t.Sync.Weekday
			s.Weekday = &wd
		}
		out.Sync = &s
	}
	return out
}

// HasFreeTrial reports whether the first payment is deferred by a trial.
func (t BillingTerm) HasFreeTrial() bool {
	return t.TrialLength > 0
}

// HasSignUpFee reports whether a positive sign-up fee is charged.
func (t BillingTerm) HasSignUpFee() bool {
	return t.SignUpFee.IsPositive()
}

// IsSynced reports whether renewals are pinned to a calendar position.
func (t BillingTerm) IsSynced() bool {
	if t.Sync == nil || t.Period == Day {
		return false
	}
	return t.Period != Week || t.Sync.Weekday != nil
}

// TrialEnd returns the end of the free trial starting at start. ok is false without a trial.
func (t BillingTerm) TrialEnd(start time.Time) (time.Time, bool) {
	if !t.HasFreeTrial() {
		return time.Time{}, false
	}
	period := t.TrialPeriod
	if period == "" {
		period = t.Period
	}
	return add(start, period, t.TrialLength), true
}

// NextPayment returns the first renewal due after from. A synced term renews on the next
// sync position after from, or on the first one from the end of its trial.
func (t BillingTerm) NextPayment(from time.Time) time.Time {
	end, trial := t.TrialEnd(from)
	if t.IsSynced() {
		if trial {
			return t.nextSync(end, true)
		}
		return t.nextSync(from, false)
	}
	if trial {
		return end
	}
	return add(from, t.Period, t.interval())
}

// nextSync returns the first sync position after from, or at from when inclusive.
func (t BillingTerm) nextSync(from time.Time, inclusive bool) time.Time {
	due := func(c time.Time) bool {
		return c.After(from) || (inclusive && c.Equal(from))
	}
	switch t.Period {
	case Week:
		days := (int(*t.Sync.Weekday) - int(from.Weekday()) + 7) % 7
		if days == 0 && !inclusive {
			days = 7
		}
		return from.AddDate(0, 0, days)
	case Year:
		c := dayIn(from, from.Year(), t.Sync.Month, t.Sync.Day)
		if !due(c) {
			c = dayIn(from, from.Year()+1, t.Sync.Month, t.Sync.Day)
		}
		return c
	default:
		c := dayIn(from, from.Year(), from.Month(), t.Sync.Day)
		if !due(c) {
			c = dayIn(from, from.Year(), from.Month()+1, t.Sync.Day)
		}
		return c
	}
}

// dayIn returns day of the given month at the clock time of ref. Day 0 and days past the end of
// the month mean the last day.
func dayIn(ref time.Time, year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, ref.Hour(), ref.Minute(), ref.Second(), ref.Nanosecond(), ref.Location())
	last := first.AddDate(0, 1, -1).Day()
	if day <= 0 || day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

// Expiration returns when billing stops. ok is false for terms that run until cancelled.
func (t BillingTerm) Expiration(start time.Time) (time.Time, bool) {
	if t.Length <= 0 {
		return time.Time{}, false
	}
	base := start
	if end, ok := t.TrialEnd(start); ok {
		base = end
	}
	return add(base, t.Period, t.Length), true
}

func (t BillingTerm) interval() int {
	if t.Interval < 1 {
		return 1
	}
	return t.Interval
}

func add(from time.Time, period Period, n int) time.Time {
	switch period {
	case Day:
		return from.AddDate(0, 0, n)
	case Week:
		return from.AddDate(0, 0, 7*n)
	case Year:
		return from.AddDate(n, 0, 0)
	default:
		return addMonths(from, n)
	}
}

// addMonths clamps to the last day of the target month instead of overflowing.
func addMonths(from time.Time, n int) time.Time {
	y, m, d := from.Date()
	return dayIn(from, y, m+time.Month(n), d)
}
