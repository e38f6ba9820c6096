package clinic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
)

func weekdaySchedule() *Schedule {
	nine := &DayHours{Open: "09:00", Close: "17:00"}
	return &Schedule{
		OrgID:    "org-1",
		Timezone: "America/Denver",
		BusinessHours: BusinessHours{
			Monday: nine, Tuesday: nine, Wednesday: nine, Thursday: nine, Friday: nine,
		},
		Providers: map[string]BusinessHours{
			"dr-late": {Tuesday: &DayHours{Open: "12:00", Close: "20:00"}},
		},
	}
}

func TestScheduleValidate(t *testing.T) {
	require.NoError(t, weekdaySchedule().Validate())

	cases := map[string]func(s *Schedule){
		"missing org":       func(s *Schedule) { s.OrgID = "" },
		"missing timezone":  func(s *Schedule) { s.Timezone = "" },
		"unknown timezone":  func(s *Schedule) { s.Timezone = "Mars/Olympus" },
		"no open days":      func(s *Schedule) { s.BusinessHours = BusinessHours{} },
		"bad clock":         func(s *Schedule) { s.BusinessHours.Monday = &DayHours{Open: "9am", Close: "17:00"} },
		"close before open": func(s *Schedule) { s.BusinessHours.Friday = &DayHours{Open: "17:00", Close: "09:00"} },
		"bad override":      func(s *Schedule) { s.Providers["dr-late"] = BusinessHours{} },
		"blank provider":    func(s *Schedule) { s.Providers[" "] = s.BusinessHours },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := weekdaySchedule()
			mutate(s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSchedule)
		})
	}
}

func TestScheduleWindow(t *testing.T) {
	s := weekdaySchedule()
	loc, err := time.LoadLocation("America/Denver")
	require.NoError(t, err)

	tuesday := bookings.Day{Year: 2025, Month: time.March, Day: 11}
	win, open, err := s.Window("dr-lee", tuesday)
	require.NoError(t, err)
	require.True(t, open)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, loc), win.Start)
	assert.Equal(t, time.Date(2025, 3, 11, 17, 0, 0, 0, loc), win.End)

	win, open, err = s.Window("dr-late", tuesday)
	require.NoError(t, err)
	require.True(t, open)
	assert.Equal(t, 12, win.Start.Hour())
	assert.Equal(t, 20, win.End.Hour())

	wednesday := bookings.Day{Year: 2025, Month: time.March, Day: 12}
	_, open, err = s.Window("dr-late", wednesday)
	require.NoError(t, err)
	assert.False(t, open, "override replaces org hours entirely")

	saturday := bookings.Day{Year: 2025, Month: time.March, Day: 15}
	_, open, err = s.Window("dr-lee", saturday)
	require.NoError(t, err)
	assert.False(t, open)
}
