// Package registration admits new visitors into the presence queue.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"qms/prayerroom-service/internal/models"
	"qms/prayerroom-service/internal/phone"
	"qms/prayerroom-service/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxNameLength = 80

var ErrInvalidName = errors.New("invalid visitor name")

type Input struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Country   string `json:"country"`
}

type Service struct {
	store  store.VisitorStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(st store.VisitorStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Register validates input and stores a new visitor with a fresh unique code.
// The store rejects the write while registrations are closed.
func (s *Service) Register(ctx context.Context, input Input) (models.Visitor, error) {
	firstName, err := cleanName(input.FirstName, true)
	if err != nil {
		return models.Visitor{}, err
	}
	lastName, err := cleanName(input.LastName, false)
	if err != nil {
		return models.Visitor{}, err
	}

	number, err := phone.Normalize(input.Phone)
	if err != nil {
		return models.Visitor{}, err
	}

	country := strings.ToUpper(strings.TrimSpace(input.Country))
	if country == "" {
		country = models.DefaultCountry
	}
	if _, ok := phone.Lookup(country); !ok {
		return models.Visitor{}, fmt.Errorf("%w: %q", phone.ErrUnknownCountry, country)
	}

	visitor, err := s.store.RegisterVisitor(ctx, store.RegisterInput{
		FirstName:  firstName,
		LastName:   lastName,
		Phone:      number,
		Country:    country,
		UniqueCode: s.newID(),
		CreatedAt:  s.now(),
	})
	if err != nil {
		if !errors.Is(err, store.ErrRegistrationClosed) {
			s.logger.Error("register visitor failed", zap.String("phone", number), zap.Error(err))
		}
		return models.Visitor{}, err
	}
	s.logger.Info("visitor registered",
		zap.String("unique_code", visitor.UniqueCode),
		zap.String("country", visitor.Country),
	)
	return visitor, nil
}

func cleanName(value string, required bool) (string, error) {
	value = strings.Join(strings.Fields(value), " ")
	if value == "" && required {
		return "", fmt.Errorf("%w: first name is required", ErrInvalidName)
	}
	if utf8.RuneCountInString(value) > maxNameLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxNameLength)
	}
	return value, nil
}
