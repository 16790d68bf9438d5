package models

import (
	"encoding/json"
	"time"
)

const (
	TableClients  = "clients"
	TableMessages = "messages"
	TableConfigs  = "configs"
)

const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

type ChangeEvent struct {
	EventID   string          `json:"event_id"`
	Seq       int64           `json:"seq"`
	Table     string          `json:"table"`
	Type      string          `json:"eventType"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
