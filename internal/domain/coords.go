package domain

// Coords holds the member and forecast-hour coordinate vocabularies shared
// by every archive in a dataset. Index positions are fixed for the lifetime
// of the dataset: archives written under one Coords are only addressable
// under the same Coords.
type Coords struct {
	Members       []int
	ForecastHours []int
}

// DefaultCoords is the standard NCAR ensemble layout: members 1-10,
// hourly forecast hours 0-48.
func DefaultCoords() Coords {
	c := Coords{
		Members:       make([]int, 10),
		ForecastHours: make([]int, 49),
	}
	for i := range c.Members {
		c.Members[i] = i + 1
	}
	for i := range c.ForecastHours {
		c.ForecastHours[i] = i
	}
	return c
}

// MemberIndex returns the position of a member ID in the vocabulary.
func (c Coords) MemberIndex(member int) (int, bool) {
	for i, m := range c.Members {
		if m == member {
			return i, true
		}
	}
	return 0, false
}

// HourIndex returns the position of a forecast hour in the vocabulary.
func (c Coords) HourIndex(hour int) (int, bool) {
	for i, h := range c.ForecastHours {
		if h == hour {
			return i, true
		}
	}
	return 0, false
}
