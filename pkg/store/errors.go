package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict means a conditional status update found the row in a
	// different state than expected.
	ErrStatusConflict = errors.New("case status changed concurrently")
	// ErrDiscussionExists is returned when a question already has a thread in
	// the owner's case discussion.
	ErrDiscussionExists = errors.New("answer discussion already exists")
	// ErrInvalidPrompt is returned for prompt versions missing id, type or
	// content.
	ErrInvalidPrompt = errors.New("invalid prompt")
	// ErrStorage wraps every failure of the database itself.
	ErrStorage = errors.New("storage failure")
)

var domainErrors = []error{ErrNotFound, ErrStatusConflict, ErrDiscussionExists, ErrInvalidPrompt, ErrStorage}

// storageErr marks err as ErrStorage unless it already carries one of the
// package errors.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
