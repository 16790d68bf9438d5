// Package notify sends WhatsApp messages to visitors through an HTTP gateway.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const SupportMessage = "Suporte necessário: app Faithful_Line"

var ErrSupportNotConfigured = errors.New("support number not configured")

type Failure struct {
	Number string
	Err    error
}

// SendError reports every number that failed during one Send.
type SendError struct {
	Failures []Failure
}

func (e *SendError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", failure.Number, failure.Err))
	}
	return "send failed for " + strings.Join(parts, "; ")
}

func (e *SendError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure.Err)
	}
	return errs
}

type Notifier struct {
	gateway       Gateway
	pairDelay     time.Duration
	supportNumber string
	logger        *zap.Logger
}

type Options struct {
	PairDelay     time.Duration
	SupportNumber string
}

func NewNotifier(gateway Gateway, opts Options, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		gateway:       gateway,
		pairDelay:     opts.PairDelay,
		supportNumber: opts.SupportNumber,
		logger:        logger,
	}
}

// Send delivers message to number and then, after the pair delay, to the
// number without its ninth digit. Both forms are always attempted and both
// must succeed.
func (n *Notifier) Send(ctx context.Context, number, message string) error {
	var failures []Failure

	if err := n.gateway.SendMessage(ctx, ChatID(number), message); err != nil {
		failures = append(failures, Failure{Number: number, Err: err})
	}

	if err := sleep(ctx, n.pairDelay); err != nil {
		failures = append(failures, Failure{Number: number, Err: err})
		return &SendError{Failures: failures}
	}

	stripped := RemoveNinthDigit(number)
	if err := n.gateway.SendMessage(ctx, ChatID(stripped), message); err != nil {
		failures = append(failures, Failure{Number: stripped, Err: err})
	}

	if len(failures) > 0 {
		n.logger.Warn("message delivery incomplete", zap.String("number", number), zap.Int("failures", len(failures)))
		return &SendError{Failures: failures}
	}
	n.logger.Info("message delivered", zap.String("number", number), zap.String("stripped", stripped))
	return nil
}

// CallSupport pages the support number once.
func (n *Notifier) CallSupport(ctx context.Context) error {
	if n.supportNumber == "" {
		return ErrSupportNotConfigured
	}
	if err := n.gateway.SendMessage(ctx, ChatID(n.supportNumber), SupportMessage); err != nil {
		return &SendError{Failures: []Failure{{Number: n.supportNumber, Err: err}}}
	}
	return nil
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
