package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind describes how a Spec is defined.
type Kind int

const (
	KindCron Kind = iota
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindStructured:
		return "scheduler"
	default:
		return "unknown"
	}
}

// Periodicity selects how PeriodMinutes is interpreted for structured specs.
type Periodicity string

const (
	// Every fires each PeriodMinutes minutes on the selected weekdays.
	Every Periodicity = "every"
	// Once fires one time per selected weekday, PeriodMinutes after midnight.
	Once Periodicity = "once"
)

const (
	DefaultCron          = "* * * * * *"
	DefaultPeriodMinutes = 60
	maxPeriodMinutes     = 1439
)

var ErrNoWeekdays = errors.New("schedule: no weekday selected")

// Spec is a normalized schedule definition. Build it with Cron or Structured.
type Spec struct {
	kind Kind
	cron string

	weekdays      [7]bool // indexed by time.Weekday (Sunday=0)
	periodMinutes int
	periodicity   Periodicity
}

// Cron returns a spec backed by a raw cron expression.
// An empty expression fires every second.
func Cron(expr string) Spec {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultCron
	}
	return Spec{kind: KindCron, cron: expr}
}

// Structured returns a normalized weekday/period spec.
//
// Out-of-range periods (outside 1..1439) fall back to DefaultPeriodMinutes and
// an unknown periodicity falls back to Every.
func Structured(weekdays []time.Weekday, periodMinutes int, periodicity Periodicity) Spec {
	s := Spec{kind: KindStructured, periodMinutes: periodMinutes, periodicity: periodicity}
	for _, d := range weekdays {
		if d >= time.Sunday && d <= time.Saturday {
			s.weekdays[d] = true
		}
	}
	if s.periodMinutes < 1 || s.periodMinutes > maxPeriodMinutes {
		s.periodMinutes = DefaultPeriodMinutes
	}
	if s.periodicity != Every && s.periodicity != Once {
		s.periodicity = Every
	}
	return s
}

func (s Spec) Kind() Kind { return s.kind }

func (s Spec) PeriodMinutes() int { return s.periodMinutes }

func (s Spec) Periodicity() Periodicity { return s.periodicity }

// Weekday reports whether d is selected (structured specs only).
func (s Spec) Weekday(d time.Weekday) bool { return d >= time.Sunday && d <= time.Saturday && s.weekdays[d] }

// Cron returns the cron expression for the spec and whether it was given
// natively (raw cron) rather than derived from a structured definition.
func (s Spec) Cron() (expr string, native bool) {
	if s.kind == KindCron {
		if s.cron == "" {
			return DefaultCron, true
		}
		return s.cron, true
	}

	minute, hour := "*", "*"
	if s.periodicity == Once {
		h := s.periodMinutes / 60
		minute = strconv.Itoa(s.periodMinutes - h*60)
		hour = strconv.Itoa(h)
	} else {
		minute = "*/" + strconv.Itoa(s.periodMinutes)
	}

	days := make([]string, 0, 7)
	for d, on := range s.weekdays {
		if on {
			days = append(days, strconv.Itoa(d))
		}
	}
	dow := "*"
	if len(days) < 7 {
		dow = strings.Join(days, ",")
	}
	return fmt.Sprintf("0 %s %s * * %s", minute, hour, dow), false
}

// Expression is Cron() plus validation of what cron cannot express:
// a structured spec without any weekday would yield an empty day-of-week field.
func (s Spec) Expression() (string, error) {
	expr, native := s.Cron()
	if !native {
		selected := false
		for _, on := range s.weekdays {
			selected = selected || on
		}
		if !selected {
			return expr, ErrNoWeekdays
		}
	}
	return expr, nil
}

func (s Spec) String() string {
	expr, _ := s.Cron()
	return expr
}
