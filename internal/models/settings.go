package models

type Settings struct {
	Subscription bool `json:"subscription"`
}
