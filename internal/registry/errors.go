package registry

import "errors"

// ErrInvalidTransition is returned by the run registry when a requested
// status change is not allowed by the run state machine. The API layer
// maps it to HTTP 409.
var ErrInvalidTransition = errors.New("invalid run state transition")

// ErrInvalidCron is returned by the bot registry when a schedule does not
// parse as a five-field cron expression. Maps to HTTP 400.
var ErrInvalidCron = errors.New("invalid cron expression")

// ErrInvalidStatus is returned when a status string is not one of the
// known values for the entity. Maps to HTTP 400.
var ErrInvalidStatus = errors.New("invalid status")
