package models

import "time"

type Message struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Default   bool      `json:"default"`
	UpdatedAt time.Time `json:"updated_at"`
}

const FallbackMessage = "Olá, sua vez chegou, dirija-se à Sala de Oração."
