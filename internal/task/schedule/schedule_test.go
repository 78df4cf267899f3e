package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var allDays = []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}

func TestStructuredCron(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{name: "every minute all days", spec: Structured(allDays, 1, Every), want: "0 */1 * * * *"},
		{name: "once 90 monday", spec: Structured([]time.Weekday{time.Monday}, 90, Once), want: "0 30 1 * * 1"},
		{name: "once midnight-ish", spec: Structured([]time.Weekday{time.Sunday, time.Saturday}, 45, Once), want: "0 45 0 * * 0,6"},
		{name: "every 15 weekdays", spec: Structured([]time.Weekday{time.Friday, time.Monday, time.Wednesday}, 15, Every), want: "0 */15 * * * 1,3,5"},
		{name: "period clamped", spec: Structured(allDays, 0, Every), want: "0 */60 * * * *"},
		{name: "period too large", spec: Structured(allDays, 1440, Once), want: "0 0 1 * * *"},
		{name: "bad periodicity", spec: Structured(allDays, 5, Periodicity("sometimes")), want: "0 */5 * * * *"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, native := tt.spec.Cron()
			require.False(t, native)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCronNative(t *testing.T) {
	t.Parallel()
	expr, native := Cron("  0 */5 * * * *  ").Cron()
	require.True(t, native)
	require.Equal(t, "0 */5 * * * *", expr)

	expr, _ = Cron("").Cron()
	require.Equal(t, DefaultCron, expr)
}

func TestStructuredNormalization(t *testing.T) {
	t.Parallel()
	s := Structured([]time.Weekday{time.Tuesday, time.Weekday(9)}, -3, "")
	require.Equal(t, KindStructured, s.Kind())
	require.Equal(t, DefaultPeriodMinutes, s.PeriodMinutes())
	require.Equal(t, Every, s.Periodicity())
	require.True(t, s.Weekday(time.Tuesday))
	require.False(t, s.Weekday(time.Monday))
	require.False(t, s.Weekday(time.Weekday(9)))
}

func TestExpressionRequiresWeekday(t *testing.T) {
	t.Parallel()
	_, err := Structured(nil, 10, Every).Expression()
	require.True(t, errors.Is(err, ErrNoWeekdays))

	expr, err := Structured([]time.Weekday{time.Thursday}, 10, Every).Expression()
	require.NoError(t, err)
	require.Equal(t, "0 */10 * * * 4", expr)
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	days, err := ParseWeekdays([]string{"Mon", "monday", "fri"})
	require.NoError(t, err)
	require.Equal(t, []time.Weekday{time.Monday, time.Friday}, days)

	days, err = ParseWeekdays([]string{"all"})
	require.NoError(t, err)
	require.Len(t, days, 7)

	days, err = ParseWeekdays([]string{"weekend"})
	require.NoError(t, err)
	require.ElementsMatch(t, []time.Weekday{time.Saturday, time.Sunday}, days)

	_, err = ParseWeekdays([]string{"someday"})
	require.Error(t, err)
}
