package election

import "errors"

var (
	// ErrInvalidConfig wraps every Config validation failure.
	ErrInvalidConfig = errors.New("election: invalid config")
	// ErrAlreadyRunning is returned by a second call to Node.Run.
	ErrAlreadyRunning = errors.New("election: node already running")
)
