package store

import "errors"

var (
	ErrVisitorNotFound    = errors.New("visitor not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrStateChanged       = errors.New("visitor state changed")
	ErrInvalidState       = errors.New("invalid visitor state")
	ErrRegistrationClosed = errors.New("registration closed")
	ErrDuplicateCode      = errors.New("unique code already issued")
)
