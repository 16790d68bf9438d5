// Package bulk runs staff actions over a selection of visitors.
package bulk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"qms/prayerroom-service/internal/models"
	"qms/prayerroom-service/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 8
	defaultNextLimit   = 100
)

type Sender interface {
	Send(ctx context.Context, number, message string) error
}

type Store interface {
	MarkPresent(ctx context.Context, phone string, at time.Time) error
	MarkLeft(ctx context.Context, phone string, at time.Time) error
	MarkMessageSent(ctx context.Context, phone string) error
	ListPresence(ctx context.Context) ([]models.Visitor, error)
	GetDefaultMessage(ctx context.Context) (models.Message, bool, error)
}

var _ Store = store.Store(nil)

type PhoneError struct {
	Phone string
	Err   error
}

// BatchError collects the members of a batch that failed. The other members
// were applied.
type BatchError struct {
	Failed []PhoneError
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, failure := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", failure.Phone, failure.Err))
	}
	return fmt.Sprintf("%d of batch failed: %s", len(e.Failed), strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, failure := range e.Failed {
		errs = append(errs, failure.Err)
	}
	return errs
}

// Phones lists the failed members.
func (e *BatchError) Phones() []string {
	phones := make([]string, 0, len(e.Failed))
	for _, failure := range e.Failed {
		phones = append(phones, failure.Phone)
	}
	return phones
}

type Config struct {
	Concurrency int
	Throttle    time.Duration
	NextLimit   int
}

type Service struct {
	store       Store
	sender      Sender
	logger      *zap.Logger
	concurrency int
	throttle    time.Duration
	nextLimit   int
	now         func() time.Time
}

func NewService(st Store, sender Sender, cfg Config, logger *zap.Logger) *Service {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	nextLimit := cfg.NextLimit
	if nextLimit <= 0 {
		nextLimit = defaultNextLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       st,
		sender:      sender,
		logger:      logger,
		concurrency: concurrency,
		throttle:    cfg.Throttle,
		nextLimit:   nextLimit,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) MarkPresent(ctx context.Context, phones []string) error {
	at := s.now()
	return s.fanOut(ctx, "present", phones, func(ctx context.Context, phone string) error {
		return s.store.MarkPresent(ctx, phone, at)
	})
}

func (s *Service) MarkLeft(ctx context.Context, phones []string) error {
	at := s.now()
	return s.fanOut(ctx, "left", phones, func(ctx context.Context, phone string) error {
		return s.store.MarkLeft(ctx, phone, at)
	})
}

// fanOut applies fn to every phone concurrently. A failing member does not
// cancel the others.
func (s *Service) fanOut(ctx context.Context, action string, phones []string, fn func(context.Context, string) error) error {
	phones = uniquePhones(phones)
	results := make([]error, len(phones))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, phone := range phones {
		i, phone := i, phone
		g.Go(func() error {
			results[i] = fn(gctx, phone)
			return nil
		})
	}
	_ = g.Wait()

	var failed []PhoneError
	for i, err := range results {
		if err != nil {
			failed = append(failed, PhoneError{Phone: phones[i], Err: err})
		}
	}
	s.logger.Info("bulk action finished",
		zap.String("action", action),
		zap.Int("requested", len(phones)),
		zap.Int("failed", len(failed)),
	)
	if len(failed) > 0 {
		return &BatchError{Failed: failed}
	}
	return nil
}

type NotifyOptions struct {
	MarkSent bool
}

type NotifyReport struct {
	Sent   []string `json:"sent"`
	Failed []string `json:"failed"`
}

// Notify messages each phone in order, pausing for the throttle between
// visitors. It stops early when ctx is cancelled and returns what was done.
func (s *Service) Notify(ctx context.Context, phones []string, opts NotifyOptions) (NotifyReport, error) {
	report := NotifyReport{Sent: []string{}, Failed: []string{}}
	phones = uniquePhones(phones)
	if len(phones) == 0 {
		return report, nil
	}

	message, err := s.defaultMessage(ctx)
	if err != nil {
		return report, err
	}

	var failed []PhoneError
	for i, phone := range phones {
		if i > 0 {
			if err := sleep(ctx, s.throttle); err != nil {
				return report, err
			}
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := s.sender.Send(ctx, phone, message); err != nil {
			s.logger.Warn("notify failed", zap.String("phone", phone), zap.Error(err))
			failed = append(failed, PhoneError{Phone: phone, Err: err})
			report.Failed = append(report.Failed, phone)
			continue
		}
		if opts.MarkSent {
			if err := s.store.MarkMessageSent(ctx, phone); err != nil {
				s.logger.Error("mark message sent failed", zap.String("phone", phone), zap.Error(err))
				failed = append(failed, PhoneError{Phone: phone, Err: err})
				report.Failed = append(report.Failed, phone)
				continue
			}
		}
		report.Sent = append(report.Sent, phone)
	}

	if len(failed) > 0 {
		return report, &BatchError{Failed: failed}
	}
	return report, nil
}

// NotifyNext messages the oldest visitors still waiting for their turn and
// moves them to the control list.
func (s *Service) NotifyNext(ctx context.Context, limit int) (NotifyReport, error) {
	if limit <= 0 || limit > s.nextLimit {
		limit = s.nextLimit
	}
	waiting, err := s.store.ListPresence(ctx)
	if err != nil {
		return NotifyReport{Sent: []string{}, Failed: []string{}}, err
	}
	sort.SliceStable(waiting, func(i, j int) bool { return waiting[i].CreatedAt.Before(waiting[j].CreatedAt) })
	if len(waiting) > limit {
		waiting = waiting[:limit]
	}
	phones := make([]string, 0, len(waiting))
	for _, visitor := range waiting {
		phones = append(phones, visitor.Phone)
	}
	return s.Notify(ctx, phones, NotifyOptions{MarkSent: true})
}

func (s *Service) defaultMessage(ctx context.Context) (string, error) {
	message, ok, err := s.store.GetDefaultMessage(ctx)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(message.Content) == "" {
		return models.FallbackMessage, nil
	}
	return message.Content, nil
}

func uniquePhones(phones []string) []string {
	seen := make(map[string]struct{}, len(phones))
	result := make([]string, 0, len(phones))
	for _, phone := range phones {
		phone = strings.TrimSpace(phone)
		if phone == "" {
			continue
		}
		if _, ok := seen[phone]; ok {
			continue
		}
		seen[phone] = struct{}{}
		result = append(result, phone)
	}
	return result
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
