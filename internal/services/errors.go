package services

import "errors"

// Activation service errors
var (
	ErrRunNotFound   = errors.New("activation run not found")
	ErrRunInProgress = errors.New("an activation for these keys is already running")
	ErrShuttingDown  = errors.New("activation service is shutting down")
)
