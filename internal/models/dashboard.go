package models

type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type Dashboard struct {
	EnteredPerDay      []DayCount `json:"entered_per_day"`
	AverageMinutes     int        `json:"average_minutes"`
	TotalEntered       int        `json:"total_entered"`
	TotalSubscriptions int        `json:"total_subscriptions"`
}
