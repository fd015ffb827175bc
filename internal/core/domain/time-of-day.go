package domain

// TimeOfDay buckets a start hour. The ordinals are fed to trained models and
// must never be renumbered.
type TimeOfDay int

const (
	TimeOfDayMorning   TimeOfDay = 1
	TimeOfDayAfternoon TimeOfDay = 2
	TimeOfDayNight     TimeOfDay = 3
)

func CategorizeHour(hour int) TimeOfDay {
	switch {
	case hour >= 6 && hour < 12:
		return TimeOfDayMorning
	case hour >= 12 && hour < 18:
		return TimeOfDayAfternoon
	default:
		return TimeOfDayNight
	}
}

func (t TimeOfDay) String() string {
	switch t {
	case TimeOfDayMorning:
		return "MORNING"
	case TimeOfDayAfternoon:
		return "AFTERNOON"
	case TimeOfDayNight:
		return "NIGHT"
	default:
		return "UNKNOWN"
	}
}
