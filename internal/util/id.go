package util

import "github.com/google/uuid"

// NewID returns a random identifier for requests, jobs and consumers.
func NewID() string {
	return uuid.NewString()
}
