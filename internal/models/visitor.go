package models

import (
	"strings"
	"time"
)

type Visitor struct {
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Phone       string     `json:"phone"`
	Country     string     `json:"country"`
	EnteredAt   *time.Time `json:"entered_at,omitempty"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
	MessageSent bool       `json:"message_sent"`
	UniqueCode  string     `json:"unique_code"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Name is the display name shown to staff and in scan outcomes.
func (v Visitor) Name() string {
	return strings.TrimSpace(v.FirstName + " " + v.LastName)
}

const DefaultCountry = "BR"

type State string

const (
	StateRegistered State = "registered"
	StateNotified   State = "notified"
	StateInRoom     State = "in_room"
	StateLeft       State = "left"
)

// StateOf derives the room-presence state from the stored columns. The checks
// run in the same order the scan flow evaluates them, so a row touched by a
// bulk action still maps to exactly one state.
func StateOf(v Visitor) State {
	switch {
	case !v.MessageSent:
		return StateRegistered
	case v.EnteredAt != nil && v.LeftAt == nil:
		return StateInRoom
	case v.EnteredAt == nil:
		return StateNotified
	default:
		return StateLeft
	}
}
