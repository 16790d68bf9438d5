package checkin

import "qms/prayerroom-service/internal/models"

type Outcome string

const (
	OutcomeEntered Outcome = "entered"
	OutcomeLeft    Outcome = "left"
	OutcomeNoop    Outcome = "noop"
)

// Decision is the write a scan performs against a visitor in state From.
type Decision struct {
	Outcome         Outcome
	From            models.State
	SetEnteredAt    bool
	SetLeftAt       bool
	MarkMessageSent bool
}

var decisions = map[models.State]Decision{
	models.StateRegistered: {Outcome: OutcomeEntered, SetEnteredAt: true, MarkMessageSent: true},
	models.StateInRoom:     {Outcome: OutcomeLeft, SetLeftAt: true},
	models.StateNotified:   {Outcome: OutcomeEntered, SetEnteredAt: true},
	models.StateLeft:       {Outcome: OutcomeNoop},
}

func Decide(visitor models.Visitor) Decision {
	state := models.StateOf(visitor)
	decision := decisions[state]
	decision.From = state
	return decision
}

// Writes reports whether the decision changes the record.
func (d Decision) Writes() bool {
	return d.SetEnteredAt || d.SetLeftAt || d.MarkMessageSent
}
