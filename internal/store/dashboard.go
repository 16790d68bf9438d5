package store

import (
	"math"
	"sort"

	"qms/prayerroom-service/internal/models"
)

const dayLayout = "2006-01-02"

// BuildDashboard computes the staff dashboard from raw visitor rows. Days are
// bucketed in UTC.
func BuildDashboard(visitors []models.Visitor) models.Dashboard {
	perDay := make(map[string]int)
	numbers := make(map[string]struct{})
	var totalMinutes float64
	var timed int
	var entered int

	for _, visitor := range visitors {
		if visitor.Phone != "" {
			numbers[visitor.Phone] = struct{}{}
		}
		if visitor.EnteredAt == nil {
			continue
		}
		entered++
		perDay[visitor.EnteredAt.UTC().Format(dayLayout)]++
		if visitor.LeftAt != nil {
			totalMinutes += visitor.LeftAt.Sub(*visitor.EnteredAt).Minutes()
			timed++
		}
	}

	days := make([]models.DayCount, 0, len(perDay))
	for day, count := range perDay {
		days = append(days, models.DayCount{Date: day, Count: count})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })

	average := 0
	if timed > 0 {
		average = int(math.Round(totalMinutes / float64(timed)))
	}

	return models.Dashboard{
		EnteredPerDay:      days,
		AverageMinutes:     average,
		TotalEntered:       entered,
		TotalSubscriptions: len(numbers),
	}
}
