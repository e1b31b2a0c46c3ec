package queue

import "errors"

// ErrJobNotFound is returned when a job ID does not exist in the queue.
var ErrJobNotFound = errors.New("job not found")
