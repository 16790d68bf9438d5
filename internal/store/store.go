package store

import (
	"context"
	"time"

	"qms/prayerroom-service/internal/models"
)

type RegisterInput struct {
	FirstName  string
	LastName   string
	Phone      string
	Country    string
	UniqueCode string
	CreatedAt  time.Time
}

// TransitionInput is a conditional write against the visitor holding
// UniqueCode. The write only applies while the row is still in Expect; nil
// fields are left untouched.
type TransitionInput struct {
	UniqueCode      string
	Expect          models.State
	EnteredAt       *time.Time
	LeftAt          *time.Time
	MarkMessageSent bool
}

type VisitorStore interface {
	RegisterVisitor(ctx context.Context, input RegisterInput) (models.Visitor, error)
	GetVisitorByCode(ctx context.Context, code string) (models.Visitor, error)
	ApplyTransition(ctx context.Context, input TransitionInput) (models.Visitor, error)
	ListControl(ctx context.Context) ([]models.Visitor, error)
	ListPresence(ctx context.Context) ([]models.Visitor, error)
	ListVisitors(ctx context.Context) ([]models.Visitor, error)
	MarkPresent(ctx context.Context, phone string, at time.Time) error
	MarkLeft(ctx context.Context, phone string, at time.Time) error
	MarkMessageSent(ctx context.Context, phone string) error
	DeleteVisitor(ctx context.Context, phone string) error
	GetDashboard(ctx context.Context) (models.Dashboard, error)
}

type MessageStore interface {
	ListMessages(ctx context.Context) ([]models.Message, error)
	InsertMessage(ctx context.Context, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	SetDefaultMessage(ctx context.Context, id int64) error
	GetDefaultMessage(ctx context.Context) (models.Message, bool, error)
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (models.Settings, error)
	SetSubscription(ctx context.Context, open bool) error
}

type FeedStore interface {
	ListChangeEvents(ctx context.Context, afterSeq int64, limit int) ([]models.ChangeEvent, error)
	GetFeedOffset(ctx context.Context) (int64, error)
	UpdateFeedOffset(ctx context.Context, seq int64) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, expiresAt time.Time) (models.Session, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type Store interface {
	VisitorStore
	MessageStore
	SettingsStore
	FeedStore
	SessionStore
}
