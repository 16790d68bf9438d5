package store

import (
	"encoding/json"
	"time"

	"qms/prayerroom-service/internal/models"
)

// ClientRow is the clients table record as it travels on the change feed.
type ClientRow struct {
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Number      string     `json:"number"`
	Country     string     `json:"country"`
	EnteredAt   *time.Time `json:"entered_at"`
	LeftAt      *time.Time `json:"left_at"`
	MessageSent bool       `json:"message_sent"`
	UniqueCode  string     `json:"unique_code"`
	CreatedAt   time.Time  `json:"created_at"`
}

type MessageRow struct {
	ID             int64     `json:"id"`
	Content        string    `json:"content"`
	DefaultMessage bool      `json:"default_message"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ConfigRow struct {
	ID           int  `json:"id"`
	Subscription bool `json:"subscription"`
}

func NewClientRow(v models.Visitor) ClientRow {
	return ClientRow{
		FirstName:   v.FirstName,
		LastName:    v.LastName,
		Number:      v.Phone,
		Country:     v.Country,
		EnteredAt:   v.EnteredAt,
		LeftAt:      v.LeftAt,
		MessageSent: v.MessageSent,
		UniqueCode:  v.UniqueCode,
		CreatedAt:   v.CreatedAt,
	}
}

func (r ClientRow) Visitor() models.Visitor {
	country := r.Country
	if country == "" {
		country = models.DefaultCountry
	}
	return models.Visitor{
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Phone:       r.Number,
		Country:     country,
		EnteredAt:   r.EnteredAt,
		LeftAt:      r.LeftAt,
		MessageSent: r.MessageSent,
		UniqueCode:  r.UniqueCode,
		CreatedAt:   r.CreatedAt,
	}
}

func NewMessageRow(m models.Message) MessageRow {
	return MessageRow{ID: m.ID, Content: m.Content, DefaultMessage: m.Default, UpdatedAt: m.UpdatedAt}
}

// RowJSON encodes a feed record; a nil row encodes to nil so the column stays NULL.
func RowJSON(row interface{}) ([]byte, error) {
	if row == nil {
		return nil, nil
	}
	return json.Marshal(row)
}
