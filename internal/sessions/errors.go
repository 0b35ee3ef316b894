package sessions

import "errors"

var (
	ErrInvalidRequest  = errors.New("sessions: invalid request")
	ErrSessionNotFound = errors.New("sessions: session not found")
	ErrSessionExpired  = errors.New("sessions: session expired")
	ErrSessionConflict = errors.New("sessions: session written concurrently")
)
