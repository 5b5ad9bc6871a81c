package model

import (
	"errors"
)

// Startup errors abort the run before any host is scheduled.
var (
	ErrStartup     = errors.New("startup failed")
	ErrResumeParse = errors.New("unreadable resume source")
	ErrNothingToDo = errors.New("all hosts already processed")
	ErrFatalWrite  = errors.New("result write failed")
)

// Per host errors never leave the collector of a given host.
var (
	ErrAuth            = errors.New("authentication failed")
	ErrConnect         = errors.New("connection failed")
	ErrServiceNotFound = errors.New("service not found")
	ErrCommand         = errors.New("command failed")
	ErrCleanup         = errors.New("cleanup failed")
)

// Retryable reports if a collection attempt which failed with err may be repeated.
// Only connection level failures are; authentication failures never are.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrAuth) {
		return false
	}
	return errors.Is(err, ErrConnect)
}
