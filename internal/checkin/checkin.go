// Package checkin turns a scanned QR payload into the next room transition for
// the visitor it identifies.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/prayerroom-service/internal/models"
	"qms/prayerroom-service/internal/store"

	"go.uber.org/zap"
)

const (
	MessageInvalidInput  = "Invalid QR code data."
	MessageNotFound      = "Client not found."
	MessageUpdateFailed  = "Failed to update client status."
	MessageUnexpected    = "An unexpected error occurred."
	MessageStateChanged  = "Client status changed, scan again."
	MessageScanInFlight  = "Scan already in progress, try again."
	MessageNothingToDo   = "Did nothing"
	messageEnteredFormat = "Usuário %s como entrou na sala."
	messageLeftFormat    = "Usuário %s marcado como saiu da sala."
)

var (
	ErrInvalidInput = errors.New("invalid qr code data")
	ErrNotFound     = errors.New("client not found")
)

// StoreError is returned when the record store fails during a scan.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("checkin %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

type Result struct {
	Success bool            `json:"success"`
	Outcome Outcome         `json:"outcome,omitempty"`
	Message string          `json:"message"`
	Visitor *models.Visitor `json:"visitor,omitempty"`
}

type Service struct {
	store  store.VisitorStore
	locker Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewService builds a scan processor. A nil locker disables per-code locking
// and leaves races to the store's conditional write.
func NewService(st store.VisitorStore, locker Locker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		locker: locker,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ProcessScan(ctx context.Context, code string) (Result, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Result{Message: MessageInvalidInput}, ErrInvalidInput
	}

	if s.locker != nil {
		token, err := s.locker.Lock(ctx, code)
		if err != nil {
			if errors.Is(err, ErrLocked) {
				return Result{Message: MessageScanInFlight}, err
			}
			s.logger.Warn("scan lock unavailable", zap.String("unique_code", code), zap.Error(err))
		} else {
			defer func() {
				if err := s.locker.Unlock(context.Background(), code, token); err != nil {
					s.logger.Warn("scan unlock failed", zap.String("unique_code", code), zap.Error(err))
				}
			}()
		}
	}

	visitor, err := s.store.GetVisitorByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrVisitorNotFound) {
			return Result{Message: MessageNotFound}, ErrNotFound
		}
		s.logger.Error("scan lookup failed", zap.String("unique_code", code), zap.Error(err))
		return Result{Message: MessageUnexpected}, &StoreError{Op: "lookup", Err: err}
	}

	decision := Decide(visitor)
	if !decision.Writes() {
		return Result{Success: true, Outcome: OutcomeNoop, Message: MessageNothingToDo, Visitor: &visitor}, nil
	}

	now := s.now()
	input := store.TransitionInput{
		UniqueCode:      code,
		Expect:          decision.From,
		MarkMessageSent: decision.MarkMessageSent,
	}
	if decision.SetEnteredAt {
		input.EnteredAt = &now
	}
	if decision.SetLeftAt {
		input.LeftAt = &now
	}

	updated, err := s.store.ApplyTransition(ctx, input)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrStateChanged):
			s.logger.Info("scan lost race", zap.String("unique_code", code), zap.String("from", string(decision.From)))
			return Result{Message: MessageStateChanged}, err
		case errors.Is(err, store.ErrVisitorNotFound):
			return Result{Message: MessageNotFound}, ErrNotFound
		default:
			s.logger.Error("scan update failed", zap.String("unique_code", code), zap.Error(err))
			return Result{Message: MessageUpdateFailed}, &StoreError{Op: "update", Err: err}
		}
	}

	s.logger.Info("scan applied",
		zap.String("unique_code", code),
		zap.String("from", string(decision.From)),
		zap.String("outcome", string(decision.Outcome)),
	)
	return Result{
		Success: true,
		Outcome: decision.Outcome,
		Message: outcomeMessage(decision.Outcome, updated.Name()),
		Visitor: &updated,
	}, nil
}

func outcomeMessage(outcome Outcome, name string) string {
	switch outcome {
	case OutcomeEntered:
		return fmt.Sprintf(messageEnteredFormat, name)
	case OutcomeLeft:
		return fmt.Sprintf(messageLeftFormat, name)
	default:
		return MessageNothingToDo
	}
}
