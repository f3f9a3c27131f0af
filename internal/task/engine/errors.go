package engine

import (
	"errors"
)

var (
	ErrAlreadyRunning = errors.New("task is already running")
	ErrNotRunning     = errors.New("task is not running")
	ErrTaskRunning    = errors.New("task is running; stop it first")
	ErrNoAction       = errors.New("task has no action")
	ErrNoAccounts     = errors.New("task has no accounts")
	ErrDMWarning      = errors.New("broadcast_dm requires settings.dm_warning_accepted")
	ErrRejected       = errors.New("rejected by safety gate")
	ErrNoReport       = errors.New("task has no report yet")
	ErrShuttingDown   = errors.New("task engine shutting down")
)
