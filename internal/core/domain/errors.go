package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNoNetworkEstimate = errors.New("no network estimate available")
	ErrUnknownQuality    = errors.New("unknown quality level")
	ErrEmptyLadder       = errors.New("quality ladder is empty")
	ErrDuplicateQuality  = errors.New("duplicate quality level id")
	ErrPayloadCorrupt    = errors.New("segment payload size mismatch")
	ErrAlertNotFound     = errors.New("alert not found")
	ErrRecordNotFound    = errors.New("session record not found")
	ErrSessionEnded      = errors.New("session has ended")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrShuttingDown      = errors.New("service is shutting down")
	ErrSegmentNotFound   = errors.New("segment not found at origin")
)
